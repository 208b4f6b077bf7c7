// Package scheduler runs archive cycles on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/bryan-buckman/tootarchive/internal/archive"
	"github.com/bryan-buckman/tootarchive/internal/logging"
)

// Runner runs one cycle. *archive.Cycle implements it.
type Runner interface {
	Run(ctx context.Context) (archive.CycleReport, error)
}

// Poller runs a cycle at start-up and then on every schedule tick.
// A tick that arrives while a cycle is still running is skipped.
type Poller struct {
	runner Runner
	cron   *cron.Cron
	log    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller for a standard five-field cron schedule.
func NewPoller(runner Runner, schedule string, log logging.Logger) (*Poller, error) {
	if log == nil {
		log = logging.NewNop()
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{runner: runner, cron: c, log: log, ctx: ctx, cancel: cancel}
	if _, err := c.AddFunc(schedule, p.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start runs the initial cycle in the background and starts the schedule.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick()
	}()
	p.cron.Start()
	p.log.Info(p.ctx, "scheduler started", "next_run", p.cron.Entries()[0].Next)
}

// Stop cancels any running cycle and waits for it to return.
func (p *Poller) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()
}

func (p *Poller) tick() {
	_, err := p.runner.Run(p.ctx)
	switch {
	case errors.Is(err, archive.ErrCycleRunning):
		p.log.Info(p.ctx, "cycle already running, skipping scheduled run")
	case errors.Is(err, context.Canceled) && p.ctx.Err() != nil:
		p.log.Info(p.ctx, "cycle interrupted by shutdown")
	case err != nil:
		p.log.Error(p.ctx, "scheduled cycle failed", "error", err)
	}
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(context.Background(), "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(context.Background(), "cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
