// Package media downloads the attachments of archived posts to disk.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/bryan-buckman/tootarchive/internal/database"
	"github.com/bryan-buckman/tootarchive/internal/logging"
	"github.com/bryan-buckman/tootarchive/internal/model"
)

// DefaultPostDelay spaces out processing of consecutive posts.
const DefaultPostDelay = 100 * time.Millisecond

// Outcome of a single attachment.
type Outcome string

const (
	Downloaded Outcome = "downloaded"
	Skipped    Outcome = "skipped"
	Failed     Outcome = "failed"
)

// AttachmentResult is what happened to one attachment.
type AttachmentResult struct {
	PostID       string
	AttachmentID string
	Path         string
	Outcome      Outcome
	Bytes        int64
	Err          error
}

// ScanReport summarises a scan.
type ScanReport struct {
	Posts      int   `json:"posts"`
	Downloaded int   `json:"downloaded"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	Bytes      int64 `json:"bytes"`
}

func (r *ScanReport) add(res AttachmentResult) {
	switch res.Outcome {
	case Downloaded:
		r.Downloaded++
		r.Bytes += res.Bytes
	case Skipped:
		r.Skipped++
	case Failed:
		r.Failed++
	}
}

// Scanner drains the media backlog.
type Scanner struct {
	store   database.Store
	fetcher Fetcher
	root    string
	pacer   *rate.Limiter
	log     logging.Logger
}

// NewScanner creates a scanner writing under root. A non-positive
// postDelay disables pacing.
func NewScanner(store database.Store, fetcher Fetcher, root string, postDelay time.Duration, log logging.Logger) *Scanner {
	if log == nil {
		log = logging.NewNop()
	}
	limit := rate.Inf
	if postDelay > 0 {
		limit = rate.Every(postDelay)
	}
	return &Scanner{
		store:   store,
		fetcher: fetcher,
		root:    root,
		pacer:   rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// Run processes posts newest first until none are pending.
//
// A post is marked processed once every attachment has been attempted,
// even if some failed; failures are logged and counted but not retried.
// Store errors end the scan. Cancellation ends it without marking the
// post in progress.
func (s *Scanner) Run(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	s.log.Info(ctx, "starting media backfill", "root", s.root)

	for {
		if err := s.pacer.Wait(ctx); err != nil {
			return report, err
		}
		post, ok, err := s.store.NextUnprocessedMediaPost(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}

		for _, res := range s.processPost(ctx, post) {
			report.add(res)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.store.MarkMediaProcessed(ctx, post.ID); err != nil {
			return report, err
		}
		report.Posts++
	}

	s.log.Info(ctx, "media backfill complete",
		"posts", report.Posts,
		"downloaded", report.Downloaded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"size", humanize.Bytes(uint64(report.Bytes)))
	return report, nil
}

type attachmentEnvelope struct {
	MediaAttachments []model.Attachment `json:"media_attachments"`
}

func (s *Scanner) processPost(ctx context.Context, post model.Post) []AttachmentResult {
	var env attachmentEnvelope
	if err := json.Unmarshal(post.Raw, &env); err != nil {
		s.log.Error(ctx, "failed to process media for post", "post_id", post.ID, "error", err)
		return []AttachmentResult{{PostID: post.ID, Outcome: Failed, Err: err}}
	}

	var results []AttachmentResult
	for _, att := range env.MediaAttachments {
		if att.URL == "" {
			continue
		}
		res := s.fetch(ctx, post.ID, att)
		if res.Err != nil && ctx.Err() == nil {
			s.log.Error(ctx, "failed to download attachment",
				"post_id", post.ID, "attachment_id", att.ID, "url", att.URL, "error", res.Err)
		}
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (s *Scanner) fetch(ctx context.Context, postID string, att model.Attachment) AttachmentResult {
	res := AttachmentResult{PostID: postID, AttachmentID: att.ID, Outcome: Failed}

	dest, err := Destination(s.root, postID, att)
	if err != nil {
		res.Err = err
		return res
	}
	res.Path = dest

	if _, err := os.Stat(dest); err == nil {
		res.Outcome = Skipped
		return res
	} else if !errors.Is(err, os.ErrNotExist) {
		res.Err = fmt.Errorf("stat %s: %w", dest, err)
		return res
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		res.Err = fmt.Errorf("create media dir: %w", err)
		return res
	}

	s.log.Info(ctx, "downloading media", "post_id", postID, "file", filepath.Base(dest))
	n, err := s.fetcher.Download(ctx, att.URL, dest)
	if err != nil {
		res.Err = err
		return res
	}
	res.Outcome = Downloaded
	res.Bytes = n
	return res
}
