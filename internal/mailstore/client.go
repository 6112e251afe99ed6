// Package mailstore is the HTTP client for the message archive that
// message-sourced rules pull attachments from.
package mailstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
)

const defaultTimeout = 30 * time.Second

// Attachment is a file carried by an archived message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Message is one message within a thread.
type Message struct {
	ID          string       `json:"id"`
	ReceivedAt  time.Time    `json:"received_at"`
	Subject     string       `json:"subject"`
	Attachments []Attachment `json:"attachments"`
}

// Thread groups messages under one conversation. Search results order
// threads newest-first by last activity.
type Thread struct {
	ID           string    `json:"id"`
	LastActivity time.Time `json:"last_activity"`
	Messages     []Message `json:"messages"`
}

// Client talks to the message archive's search and attachment endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Search runs an archive query and returns matching threads newest-first.
// The archive is not required to order its response; the client sorts.
func (c *Client) Search(ctx context.Context, query string) ([]Thread, error) {
	u := fmt.Sprintf("%s/api/v1/threads/search?q=%s", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("message archive search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("search", resp)
	}

	var payload struct {
		Threads []Thread `json:"threads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	sort.SliceStable(payload.Threads, func(i, j int) bool {
		return payload.Threads[i].LastActivity.After(payload.Threads[j].LastActivity)
	})
	return payload.Threads, nil
}

// Attachment downloads an attachment body by id.
func (c *Client) Attachment(ctx context.Context, id string) ([]byte, error) {
	u := fmt.Sprintf("%s/api/v1/attachments/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build attachment request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("attachment download", resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// statusError surfaces the archive's error body so rate-limit and quota
// responses stay classifiable as transient by the retry layer.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) > 0 {
		return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s returned status %d", op, resp.StatusCode)
}
