package mailstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchOrdersThreadsNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/threads/search", r.URL.Path)
		assert.Equal(t, "subject:report", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"threads": [
			{"id": "t-old", "last_activity": "2026-02-01T08:00:00Z", "messages": []},
			{"id": "t-new", "last_activity": "2026-03-01T08:00:00Z", "messages": [
				{"id": "m1", "received_at": "2026-03-01T08:00:00Z", "subject": "report",
				 "attachments": [{"id": "a1", "name": "data.csv", "size": 42}]}
			]}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	threads, err := c.Search(context.Background(), "subject:report")
	require.NoError(t, err)
	require.Len(t, threads, 2)

	assert.Equal(t, "t-new", threads[0].ID)
	assert.Equal(t, "t-old", threads[1].ID)
	require.Len(t, threads[0].Messages, 1)
	assert.Equal(t, "data.csv", threads[0].Messages[0].Attachments[0].Name)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), threads[0].LastActivity)
}

func TestSearchSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "rate limit exceeded"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limit")
}

func TestAttachmentDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/attachments/a1", r.URL.Path)
		w.Write([]byte("col1,col2\n1,2\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	body, err := c.Attachment(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "col1,col2\n1,2\n", string(body))
}

func TestAttachmentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.Attachment(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
