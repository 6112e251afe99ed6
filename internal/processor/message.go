package processor

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"

	"github.com/telhawk-systems/tablesync/internal/mailstore"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
)

// MessageSource pulls delimited attachments out of the message archive.
// The most recent attachment whose name matches the rule's pattern wins.
type MessageSource struct {
	mail *mailstore.Client
}

func NewMessageSource(mail *mailstore.Client) *MessageSource {
	return &MessageSource{mail: mail}
}

func (s *MessageSource) Method() models.SourceMethod { return models.MethodMessage }

func (s *MessageSource) Fetch(ctx context.Context, rule *models.IngestRule) (resource.Grid, error) {
	re, err := rule.CompileAttachmentRegex()
	if err != nil {
		return nil, &models.ValidationError{Field: "attachment_pattern", Reason: err.Error()}
	}

	threads, err := s.mail.Search(ctx, rule.Query)
	if err != nil {
		return nil, err
	}

	var match *mailstore.Attachment
	for _, thread := range threads {
		msgs := append([]mailstore.Message(nil), thread.Messages...)
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
		})
		for _, msg := range msgs {
			for i := range msg.Attachments {
				if re.MatchString(msg.Attachments[i].Name) {
					match = &msg.Attachments[i]
					break
				}
			}
			if match != nil {
				break
			}
		}
		if match != nil {
			break
		}
	}
	if match == nil {
		return nil, models.ErrNoData
	}

	body, err := s.mail.Attachment(ctx, match.ID)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, models.ErrNoData
	}

	grid, err := parseDelimited(body, rule.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attachment %q: %w", match.Name, err)
	}
	if grid.Rows() == 0 {
		return nil, models.ErrNoData
	}
	return grid, nil
}

// parseDelimited reads a delimited text body into a grid of strings.
// Ragged rows are allowed; cell typing is left to the destination store.
func parseDelimited(body []byte, delimiter string) (resource.Grid, error) {
	r := csv.NewReader(bytes.NewReader(body))
	if delimiter != "" {
		r.Comma = []rune(delimiter)[0]
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	grid := make(resource.Grid, 0, len(records))
	for _, rec := range records {
		row := make([]resource.Value, len(rec))
		for i, cell := range rec {
			row[i] = cell
		}
		grid = append(grid, row)
	}
	return grid, nil
}
