package mastodon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryan-buckman/tootarchive/internal/model"
)

var (
	// ErrInvalidCursor is returned when a pagination link cannot be parsed.
	ErrInvalidCursor = errors.New("invalid pagination cursor")
	// ErrMalformedStatus marks a timeline item that cannot be archived.
	ErrMalformedStatus = errors.New("malformed status")
)

// StatusError is returned for a non-success response other than 429.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Status is the subset of a Mastodon status the archive reads. The full
// payload is kept alongside it as raw JSON.
//
// CreatedAt is best effort: an absent or unrecognised created_at leaves it
// zero instead of failing the decode.
type Status struct {
	ID               string             `json:"id"`
	CreatedAt        time.Time          `json:"created_at"`
	Content          string             `json:"content"`
	URL              string             `json:"url"`
	URI              string             `json:"uri"`
	MediaAttachments []model.Attachment `json:"media_attachments"`
}

// createdAtLayouts are tried in order; Mastodon itself sends RFC 3339.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

func (s *Status) UnmarshalJSON(b []byte) error {
	type plain Status
	aux := struct {
		*plain
		CreatedAt json.RawMessage `json:"created_at"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.CreatedAt = parseCreatedAt(aux.CreatedAt)
	return nil
}

func parseCreatedAt(raw json.RawMessage) time.Time {
	var v string
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return time.Time{}
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ParseStatus decodes one timeline item. Only a missing or non-string id
// makes an item malformed.
func ParseStatus(raw json.RawMessage) (Status, error) {
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedStatus, err)
	}
	if s.ID == "" {
		return s, fmt.Errorf("%w: missing id", ErrMalformedStatus)
	}
	return s, nil
}

// Post converts the status into a store row carrying raw as its payload.
func (s Status) Post(raw json.RawMessage) *model.Post {
	link := s.URL
	if link == "" {
		// Boosts have no url of their own.
		link = s.URI
	}
	return &model.Post{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Content:   s.Content,
		URL:       link,
		Raw:       raw,
	}
}
