package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/tootarchive/internal/logging"
	"github.com/bryan-buckman/tootarchive/internal/media"
)

// ErrCycleRunning is returned when a cycle is requested while one is in progress.
var ErrCycleRunning = errors.New("a cycle is already running")

// SyncRunner runs one sync. *Syncer implements it.
type SyncRunner interface {
	Run(ctx context.Context) (SyncReport, error)
}

// MediaRunner runs one media scan. *media.Scanner implements it.
type MediaRunner interface {
	Run(ctx context.Context) (media.ScanReport, error)
}

// CycleReport describes a finished cycle.
type CycleReport struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Sync       SyncReport       `json:"sync"`
	Media      media.ScanReport `json:"media"`
	Error      string           `json:"error,omitempty"`
}

// Cycle runs sync followed by a media scan, one at a time.
type Cycle struct {
	sync  SyncRunner
	media MediaRunner
	log   logging.Logger

	running sync.Mutex

	mu   sync.RWMutex
	last *CycleReport
}

// NewCycle creates a cycle runner.
func NewCycle(s SyncRunner, m MediaRunner, log logging.Logger) *Cycle {
	if log == nil {
		log = logging.NewNop()
	}
	return &Cycle{sync: s, media: m, log: log}
}

// Run performs one cycle: a sync and, if it succeeds, a media scan. A sync
// failure ends the cycle; the media backlog is left for the next one. If
// another cycle is in progress Run returns ErrCycleRunning without doing
// anything.
func (c *Cycle) Run(ctx context.Context) (CycleReport, error) {
	if !c.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer c.running.Unlock()

	report := CycleReport{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := c.log.With("cycle_id", report.ID)
	log.Info(ctx, "cycle started")

	err := c.run(ctx, log, &report)

	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
	}
	log.Info(ctx, "cycle finished",
		"inserted", report.Sync.Inserted(),
		"media_downloaded", report.Media.Downloaded,
		"duration", report.FinishedAt.Sub(report.StartedAt).String())

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	return report, err
}

func (c *Cycle) run(ctx context.Context, log logging.Logger, report *CycleReport) error {
	sr, err := c.sync.Run(ctx)
	report.Sync = sr
	if err != nil {
		log.Error(ctx, "sync failed, skipping media backfill", "error", err)
		return fmt.Errorf("sync: %w", err)
	}

	mr, err := c.media.Run(ctx)
	report.Media = mr
	if err != nil {
		log.Error(ctx, "media backfill failed", "error", err)
		return fmt.Errorf("media: %w", err)
	}
	return nil
}

// LastReport returns the most recent finished cycle, if any.
func (c *Cycle) LastReport() (CycleReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return CycleReport{}, false
	}
	return *c.last, true
}
