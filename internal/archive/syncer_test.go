package archive_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/tootarchive/internal/archive"
	"github.com/bryan-buckman/tootarchive/internal/database"
	"github.com/bryan-buckman/tootarchive/internal/mastodon"
	"github.com/bryan-buckman/tootarchive/internal/mastodon/mastodontest"
	"github.com/bryan-buckman/tootarchive/internal/model"
)

type harness struct {
	srv    *mastodontest.Server
	db     *database.DB
	client *mastodon.Client
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	srv := mastodontest.NewServer(t, "108220093791881796", ids...)
	db, err := database.New(filepath.Join(t.TempDir(), "toot_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client, err := mastodon.NewClient(mastodon.Options{
		BaseURL:           srv.URL,
		AccountID:         srv.AccountID,
		PageDelay:         time.Millisecond,
		RateLimitCooldown: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return &harness{srv: srv, db: db, client: client}
}

func (h *harness) syncer(probe archive.LatestProber) *archive.Syncer {
	return archive.NewSyncer(h.db, h.client, probe, nil)
}

func (h *harness) watermarks(t *testing.T) model.Watermarks {
	t.Helper()
	st, err := h.db.Stats(context.Background())
	require.NoError(t, err)
	return st.Watermarks
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	st, err := h.db.Stats(context.Background())
	require.NoError(t, err)
	return st.Posts
}

type probeFunc func(ctx context.Context) (string, error)

func (f probeFunc) LatestID(ctx context.Context) (string, error) { return f(ctx) }

func TestSyncer_EmptyStoreThenNoop(t *testing.T) {
	h := newHarness(t, "100", "101", "102")
	h.srv.OmitLinks()

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Forward.Ran, "forward pass needs a watermark")
	assert.Equal(t, 3, report.Backward.Inserted)
	assert.Equal(t, int64(3), h.count(t))
	assert.Equal(t, model.Watermarks{LatestID: "102", OldestID: "100"}, h.watermarks(t))

	report, err = h.syncer(nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Inserted())
	assert.Equal(t, int64(3), h.count(t))
}

func TestSyncer_ForwardCatchUp(t *testing.T) {
	h := newHarness(t, "100", "101", "102", "103", "104")
	h.srv.SetPageSize(2)

	_, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), h.count(t))

	h.srv.Add("105", "106", "107")
	h.srv.ResetRequests()

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Forward.Ran)
	assert.Equal(t, "104", report.Forward.Start)
	assert.Equal(t, 3, report.Forward.Inserted)
	assert.Zero(t, report.Backward.Inserted)
	assert.Equal(t, model.Watermarks{LatestID: "107", OldestID: "100"}, h.watermarks(t))

	reqs := h.srv.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "104", reqs[0].Get("min_id"))
}

func TestSyncer_BackwardResumesFromOldest(t *testing.T) {
	h := newHarness(t, "100", "101", "102", "103", "104")
	for _, id := range []string{"103", "104"} {
		_, err := h.db.InsertIfAbsent(context.Background(), &model.Post{ID: id, Raw: []byte(`{"id":"` + id + `"}`)})
		require.NoError(t, err)
	}

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "103", report.Backward.Start)
	assert.Equal(t, 3, report.Backward.Inserted)
	assert.Equal(t, model.Watermarks{LatestID: "104", OldestID: "100"}, h.watermarks(t))

	reqs := h.srv.Requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Equal(t, "104", reqs[0].Get("min_id"))
	assert.Equal(t, "103", reqs[1].Get("max_id"))
}

func TestSyncer_ForwardFailureSkipsBackward(t *testing.T) {
	h := newHarness(t, "100", "101")
	_, err := h.db.InsertIfAbsent(context.Background(), &model.Post{ID: "101", Raw: []byte(`{"id":"101"}`)})
	require.NoError(t, err)
	h.srv.QueueStatus(http.StatusInternalServerError)

	report, err := h.syncer(nil).Run(context.Background())
	require.Error(t, err)

	var se *mastodon.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.True(t, report.Forward.Ran)
	assert.False(t, report.Backward.Ran)
	assert.Len(t, h.srv.Requests(), 1)
	assert.Equal(t, int64(1), h.count(t))
}

func TestSyncer_MalformedItemIsIsolated(t *testing.T) {
	h := newHarness(t, "100", "101", "102")
	h.srv.SetRaw("101", `{"content":"no id here"}`)

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Backward.Fetched)
	assert.Equal(t, 2, report.Backward.Inserted)
	assert.Equal(t, 1, report.Backward.Failed)
	assert.Equal(t, model.Watermarks{LatestID: "102", OldestID: "100"}, h.watermarks(t))
}

func TestSyncer_RateLimitedPassCompletes(t *testing.T) {
	h := newHarness(t, "100", "101")
	h.srv.QueueStatus(http.StatusTooManyRequests)

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Backward.RateLimited)
	assert.Equal(t, 2, report.Backward.Inserted)
}

func TestSyncer_ForwardRunsWhenFeedIsBehind(t *testing.T) {
	h := newHarness(t, "100", "101", "102")
	_, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)

	// 103 is a reply: the API lists it, the public feed does not.
	h.srv.Add("103")
	probe := probeFunc(func(context.Context) (string, error) { return "102", nil })

	report, err := h.syncer(probe).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Forward.Ran)
	assert.Equal(t, 1, report.Forward.Inserted)
	assert.Equal(t, "102", report.FeedLatestID)
	assert.Equal(t, "103", h.watermarks(t).LatestID)
}

func TestSyncer_FeedProbeIsInformational(t *testing.T) {
	tests := []struct {
		name     string
		probe    probeFunc
		wantFeed string
	}{
		{"newer", func(context.Context) (string, error) { return "1000", nil }, "1000"},
		{"error", func(context.Context) (string, error) { return "", mastodon.ErrNoStatusIDs }, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "100", "101")
			_, err := h.syncer(nil).Run(context.Background())
			require.NoError(t, err)

			report, err := h.syncer(tc.probe).Run(context.Background())
			require.NoError(t, err)
			assert.True(t, report.Forward.Ran)
			assert.Equal(t, tc.wantFeed, report.FeedLatestID)
		})
	}
}

func TestSyncer_UnusualCreatedAtIsStored(t *testing.T) {
	h := newHarness(t, "100", "101")
	h.srv.SetRaw("101", `{"id":"101","created_at":"2022-11-03 05:11:50","content":"hi"}`)
	h.srv.SetRaw("100", `{"id":"100","created_at":"not a date","content":"hi"}`)

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Backward.Inserted)
	assert.Zero(t, report.Backward.Failed)
	assert.Equal(t, int64(2), h.count(t))
}

func TestSyncer_StoreFaultIsFatal(t *testing.T) {
	h := newHarness(t, "100")
	require.NoError(t, h.db.Close())

	_, err := h.syncer(nil).Run(context.Background())
	assert.Error(t, err)
	assert.Empty(t, h.srv.Requests())
}

// flakyStore fails every insert after the first `allow`.
type flakyStore struct {
	*database.DB
	allow int
}

func (f *flakyStore) InsertIfAbsent(ctx context.Context, p *model.Post) (bool, error) {
	if f.allow == 0 {
		return false, errors.New("disk I/O error")
	}
	f.allow--
	return f.DB.InsertIfAbsent(ctx, p)
}

func TestSyncer_FaultMidPageKeepsRangeContiguous(t *testing.T) {
	h := newHarness(t, "100", "101", "102", "103", "104")
	_, err := h.db.InsertIfAbsent(context.Background(), &model.Post{ID: "101", Raw: []byte(`{"id":"101"}`)})
	require.NoError(t, err)

	// forward page from 101 is served newest first: 104, 103, 102
	store := &flakyStore{DB: h.db, allow: 1}
	_, err = archive.NewSyncer(store, h.client, nil, nil).Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, model.Watermarks{LatestID: "102", OldestID: "101"}, h.watermarks(t))

	report, err := h.syncer(nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Forward.Inserted)
	assert.Equal(t, 1, report.Backward.Inserted)
	assert.Equal(t, int64(5), h.count(t))
}
