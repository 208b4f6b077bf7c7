// Package mastodontest provides an in-process fake of the Mastodon statuses
// API with Mastodon's min_id/max_id paging and Link headers.
package mastodontest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/tootarchive/internal/model"
)

// Server is a fake Mastodon instance serving one account's timeline.
type Server struct {
	*httptest.Server

	AccountID string

	mu          sync.Mutex
	ids         []string // ascending
	raw         map[string]string
	attachments map[string][]model.Attachment
	pageSize    int
	omitLinks   bool
	queued      []int
	requests    []url.Values
	media       map[string][]byte
	mediaHits   map[string]int
}

// NewServer starts a fake serving ids for accountID. It is closed on test cleanup.
func NewServer(t testing.TB, accountID string, ids ...string) *Server {
	t.Helper()
	s := &Server{
		AccountID:   accountID,
		raw:         make(map[string]string),
		attachments: make(map[string][]model.Attachment),
		pageSize:    20,
		media:       make(map[string][]byte),
		mediaHits:   make(map[string]int),
	}
	s.Add(ids...)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts/"+accountID+"/statuses", s.handleStatuses)
	mux.HandleFunc("/media/", s.handleMedia)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Add publishes statuses.
func (s *Server) Add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ids...)
	sort.Slice(s.ids, func(i, j int) bool { return model.CompareIDs(s.ids[i], s.ids[j]) < 0 })
}

// SetRaw replaces the JSON served for id, e.g. to serve a malformed item.
func (s *Server) SetRaw(id, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[id] = raw
}

// SetAttachments sets the media attachments of status id.
func (s *Server) SetAttachments(id string, atts ...model.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[id] = atts
}

// SetPageSize sets the default page size.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// OmitLinks disables Link headers, so every walk ends after one page.
func (s *Server) OmitLinks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitLinks = true
}

// QueueStatus makes the next requests fail with the given codes, in order.
func (s *Server) QueueStatus(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, codes...)
}

// Requests returns the query of every statuses request received.
func (s *Server) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.requests...)
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// AddMedia serves body at the returned URL.
func (s *Server) AddMedia(name string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[name] = body
	return s.URL + "/media/" + name
}

// MediaHits returns how often name was requested.
func (s *Server) MediaHits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaHits[name]
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := r.URL.Query()
	s.requests = append(s.requests, q)

	if len(s.queued) > 0 {
		code := s.queued[0]
		s.queued = s.queued[1:]
		http.Error(w, http.StatusText(code), code)
		return
	}

	limit := s.pageSize
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}

	var page []string // descending
	switch {
	case q.Get("max_id") != "":
		maxID := q.Get("max_id")
		for i := len(s.ids) - 1; i >= 0 && len(page) < limit; i-- {
			if model.CompareIDs(s.ids[i], maxID) < 0 {
				page = append(page, s.ids[i])
			}
		}
	case q.Get("min_id") != "":
		minID := q.Get("min_id")
		var asc []string
		for _, id := range s.ids {
			if model.CompareIDs(id, minID) > 0 && len(asc) < limit {
				asc = append(asc, id)
			}
		}
		for i := len(asc) - 1; i >= 0; i-- {
			page = append(page, asc[i])
		}
	default:
		for i := len(s.ids) - 1; i >= 0 && len(page) < limit; i-- {
			page = append(page, s.ids[i])
		}
	}

	if len(page) > 0 && !s.omitLinks {
		base := "http://" + r.Host + r.URL.Path
		w.Header().Set("Link", fmt.Sprintf(`<%s?max_id=%s>; rel="next", <%s?min_id=%s>; rel="prev"`,
			base, page[len(page)-1], base, page[0]))
	}

	items := make([]string, 0, len(page))
	for _, id := range page {
		items = append(items, s.statusJSON(id))
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "["+strings.Join(items, ",")+"]")
}

func (s *Server) statusJSON(id string) string {
	if raw, ok := s.raw[id]; ok {
		return raw
	}
	atts := s.attachments[id]
	if atts == nil {
		atts = []model.Attachment{}
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	b, _ := json.Marshal(map[string]any{
		"id":                id,
		"created_at":        time.Unix(1_700_000_000+n, 0).UTC().Format(time.RFC3339),
		"content":           "<p>status " + id + "</p>",
		"url":               "https://example.social/@me/" + id,
		"uri":               "https://example.social/users/me/statuses/" + id,
		"media_attachments": atts,
	})
	return string(b)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimPrefix(r.URL.Path, "/media/")
	s.mediaHits[name]++
	body, ok := s.media[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(body)
}
