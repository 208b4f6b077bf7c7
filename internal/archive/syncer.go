// Package archive mirrors an account's statuses into the store.
//
// A sync run keeps no state of its own. Every run derives its starting
// points from the store's watermarks:
//
//   - forward from the newest stored id (skipped on an empty store)
//   - backward from the oldest stored id, or from the newest remote page
//     when the store is empty
//
// Pages are committed before the cursor advances, so an interrupted run
// resumes from the same watermarks on the next invocation.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/bryan-buckman/tootarchive/internal/database"
	"github.com/bryan-buckman/tootarchive/internal/logging"
	"github.com/bryan-buckman/tootarchive/internal/mastodon"
	"github.com/bryan-buckman/tootarchive/internal/model"
)

// Walker fetches timeline pages. *mastodon.Client implements it.
type Walker interface {
	Walk(ctx context.Context, start mastodon.Cursor, sink mastodon.PageSink) (mastodon.WalkStats, error)
}

// LatestProber reports the newest status id listed in the account's public
// feed. *mastodon.FeedProbe implements it. The feed omits replies, boosts
// and unlisted posts, so its answer is informational only.
type LatestProber interface {
	LatestID(ctx context.Context) (string, error)
}

// ItemResult is the outcome of archiving one timeline item.
type ItemResult struct {
	ID       string
	Inserted bool
	Err      error
}

// PassReport summarises one direction of a sync run.
type PassReport struct {
	Ran         bool   `json:"ran"`
	Start       string `json:"start,omitempty"`
	Pages       int    `json:"pages"`
	Fetched     int    `json:"fetched"`
	Inserted    int    `json:"inserted"`
	Duplicates  int    `json:"duplicates"`
	Failed      int    `json:"failed"`
	RateLimited int    `json:"rate_limited"`
}

func (p *PassReport) add(r ItemResult) {
	switch {
	case r.Err != nil:
		p.Failed++
	case r.Inserted:
		p.Inserted++
	default:
		p.Duplicates++
	}
}

// SyncReport summarises a sync run.
type SyncReport struct {
	Forward  PassReport `json:"forward"`
	Backward PassReport `json:"backward"`
	// FeedLatestID is the newest id in the public feed, when a probe is set
	// and succeeded.
	FeedLatestID string `json:"feed_latest_id,omitempty"`
}

// Inserted returns the number of new rows across both passes.
func (r SyncReport) Inserted() int {
	return r.Forward.Inserted + r.Backward.Inserted
}

// Syncer runs the forward and backward passes.
type Syncer struct {
	store  database.Store
	walker Walker
	probe  LatestProber
	log    logging.Logger
}

// NewSyncer creates a syncer. probe may be nil.
func NewSyncer(store database.Store, walker Walker, probe LatestProber, log logging.Logger) *Syncer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Syncer{store: store, walker: walker, probe: probe, log: log}
}

// Run performs one sync. A walk or storage error aborts the run, including
// any pass not yet started, and is returned; the next run retries from the
// same watermarks.
func (s *Syncer) Run(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	latest, hasLatest, err := s.store.LatestID(ctx)
	if err != nil {
		return report, err
	}
	oldest, _, err := s.store.OldestID(ctx)
	if err != nil {
		return report, err
	}
	s.log.Info(ctx, "starting sync", "latest_id", orNone(latest), "oldest_id", orNone(oldest))

	report.FeedLatestID = s.probeFeed(ctx, latest)

	if hasLatest {
		report.Forward.Start = latest
		if err := s.pass(ctx, mastodon.Cursor{Direction: mastodon.Forward, ID: latest}, &report.Forward); err != nil {
			return report, fmt.Errorf("forward sync: %w", err)
		}
	}

	report.Backward.Start = oldest
	if err := s.pass(ctx, mastodon.Cursor{Direction: mastodon.Backward, ID: oldest}, &report.Backward); err != nil {
		return report, fmt.Errorf("backward sync: %w", err)
	}

	s.log.Info(ctx, "sync complete",
		"forward_inserted", report.Forward.Inserted,
		"backward_inserted", report.Backward.Inserted,
		"failed", report.Forward.Failed+report.Backward.Failed)
	return report, nil
}

// probeFeed asks the feed for its newest id and logs how it compares with
// the store. It never decides whether a pass runs.
func (s *Syncer) probeFeed(ctx context.Context, latest string) string {
	if s.probe == nil {
		return ""
	}
	remote, err := s.probe.LatestID(ctx)
	if err != nil {
		s.log.Warn(ctx, "feed probe failed", "error", err)
		return ""
	}
	s.log.Info(ctx, "feed probe", "feed_latest_id", remote, "feed_ahead", model.CompareIDs(remote, latest) > 0)
	return remote
}

func (s *Syncer) pass(ctx context.Context, start mastodon.Cursor, report *PassReport) error {
	report.Ran = true
	s.log.Info(ctx, "sync pass", "cursor", start.String())

	stats, err := s.walker.Walk(ctx, start, func(ctx context.Context, items []json.RawMessage) error {
		results, err := s.storePage(ctx, start.Direction, items)
		for _, r := range results {
			report.add(r)
		}
		return err
	})
	report.Pages = stats.Pages
	report.Fetched = stats.Items
	report.RateLimited = stats.RateLimited
	return err
}

// storePage archives each item. Malformed items become failed results;
// a storage fault stops the page and is returned.
//
// Items are inserted moving away from the watermark being extended
// (ascending going forward, descending going backward), so a fault part way
// through a page never leaves a hole inside the stored id range.
func (s *Syncer) storePage(ctx context.Context, dir mastodon.Direction, items []json.RawMessage) ([]ItemResult, error) {
	type parsed struct {
		status mastodon.Status
		raw    json.RawMessage
	}
	results := make([]ItemResult, 0, len(items))
	valid := make([]parsed, 0, len(items))
	for _, raw := range items {
		st, err := mastodon.ParseStatus(raw)
		if err != nil {
			s.log.Error(ctx, "skipping malformed status", "error", err, "payload", truncate(string(raw), 200))
			results = append(results, ItemResult{Err: err})
			continue
		}
		valid = append(valid, parsed{status: st, raw: raw})
	}

	sort.SliceStable(valid, func(i, j int) bool {
		cmp := model.CompareIDs(valid[i].status.ID, valid[j].status.ID)
		if dir == mastodon.Forward {
			return cmp < 0
		}
		return cmp > 0
	})

	saved := 0
	for _, p := range valid {
		inserted, err := s.store.InsertIfAbsent(ctx, p.status.Post(p.raw))
		if err != nil {
			return results, err
		}
		if inserted {
			saved++
		}
		results = append(results, ItemResult{ID: p.status.ID, Inserted: inserted})
	}
	s.log.Info(ctx, "processed page", "items", len(items), "saved", saved)
	return results, nil
}

func orNone(id string) string {
	if id == "" {
		return "none"
	}
	return id
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
