package archive_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/tootarchive/internal/archive"
	"github.com/bryan-buckman/tootarchive/internal/media"
	"github.com/bryan-buckman/tootarchive/internal/model"
)

type fakeSync struct {
	report archive.SyncReport
	err    error
	// when set, Run signals started and waits for block
	started chan struct{}
	block   chan struct{}
}

func (f *fakeSync) Run(context.Context) (archive.SyncReport, error) {
	if f.block != nil {
		close(f.started)
		<-f.block
		f.block = nil
	}
	return f.report, f.err
}

type fakeMedia struct {
	calls atomic.Int32
	err   error
}

func (f *fakeMedia) Run(context.Context) (media.ScanReport, error) {
	f.calls.Add(1)
	return media.ScanReport{Posts: 1}, f.err
}

func TestCycle_SyncFailureSkipsMedia(t *testing.T) {
	syncErr := errors.New("HTTP 500")
	m := &fakeMedia{}
	c := archive.NewCycle(&fakeSync{err: syncErr}, m, nil)

	report, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncErr)
	assert.Zero(t, m.calls.Load())
	assert.Zero(t, report.Media.Posts)
	assert.NotEmpty(t, report.Error)

	last, ok := c.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.ID, last.ID)
}

func TestCycle_MediaFailureIsReported(t *testing.T) {
	mediaErr := errors.New("disk full")
	m := &fakeMedia{err: mediaErr}
	c := archive.NewCycle(&fakeSync{}, m, nil)

	report, err := c.Run(context.Background())
	assert.ErrorIs(t, err, mediaErr)
	assert.Equal(t, int32(1), m.calls.Load())
	assert.Equal(t, 1, report.Media.Posts)
}

func TestCycle_RefusesOverlap(t *testing.T) {
	block := make(chan struct{})
	s := &fakeSync{started: make(chan struct{}), block: block}
	c := archive.NewCycle(s, &fakeMedia{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background())
		done <- err
	}()

	select {
	case <-s.started:
	case <-time.After(time.Second):
		t.Fatal("cycle did not start")
	}

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, archive.ErrCycleRunning)

	close(block)
	require.NoError(t, <-done)

	_, err = c.Run(context.Background())
	assert.NoError(t, err)
}

func TestCycle_LastReport(t *testing.T) {
	c := archive.NewCycle(&fakeSync{report: archive.SyncReport{Backward: archive.PassReport{Ran: true, Inserted: 4}}}, &fakeMedia{}, nil)

	_, ok := c.LastReport()
	assert.False(t, ok)

	first, err := c.Run(context.Background())
	require.NoError(t, err)

	last, ok := c.LastReport()
	require.True(t, ok)
	assert.Equal(t, first.ID, last.ID)
	assert.Equal(t, 4, last.Sync.Inserted())
	assert.False(t, last.FinishedAt.Before(last.StartedAt))

	second, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCycle_EndToEnd(t *testing.T) {
	h := newHarness(t, "100", "101", "102")
	u := h.srv.AddMedia("pic.png", []byte("pixels"))
	h.srv.SetAttachments("101", model.Attachment{ID: "9", Type: model.AttachmentImage, URL: u})

	root := t.TempDir()
	c := archive.NewCycle(
		h.syncer(nil),
		media.NewScanner(h.db, media.NewHTTPFetcher(nil), root, 0, nil),
		nil,
	)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sync.Inserted())
	assert.Equal(t, 3, report.Media.Posts)
	assert.Equal(t, 1, report.Media.Downloaded)
	assert.FileExists(t, filepath.Join(root, "101", "9.png"))

	report, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Sync.Inserted())
	assert.Zero(t, report.Media.Posts)
	assert.Equal(t, 1, h.srv.MediaHits("pic.png"))
}
