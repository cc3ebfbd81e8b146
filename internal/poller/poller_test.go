package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/store"
)

var polledAt = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

const dashboardJSON = `{
	"nodeID": "1abc",
	"satellites": [
		{"id": "sat-eu", "url": "eu1.example.io:7777", "disqualified": null, "suspended": null},
		{"id": "sat-us", "url": "us1.example.io:7777", "disqualified": "2024-01-10T00:00:00Z", "suspended": null}
	],
	"diskSpace": {"used": 600, "available": 1000, "trash": 100, "overused": 0}
}`

const satellitesJSON = `{
	"audits": [
		{"satelliteName": "eu1.example.io:7777", "auditScore": 0.99, "suspensionScore": 1, "onlineScore": 0.97},
		{"satelliteName": "us1.example.io:7777", "auditScore": 0.5, "suspensionScore": 0.9, "onlineScore": 0.8},
		{"satelliteName": "ap1.example.io:7777", "auditScore": 1, "suspensionScore": 1, "onlineScore": 1}
	]
}`

const payoutJSON = `{"currentMonth": {"payout": 123.5, "held": 10}, "currentMonthExpectations": 400.25}`

type fakeAPI struct {
	payoutStatus atomic.Int32
	hits         atomic.Int32
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{}
	api.payoutStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc(PathDashboard, func(w http.ResponseWriter, r *http.Request) {
		api.hits.Add(1)
		w.Write([]byte(dashboardJSON))
	})
	mux.HandleFunc(PathSatellites, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(satellitesJSON))
	})
	mux.HandleFunc(PathPayout, func(w http.ResponseWriter, r *http.Request) {
		if code := int(api.payoutStatus.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Write([]byte(payoutJSON))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, srv
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestClientReputation(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := NewClient(srv.URL+"/", nil)

	reps, err := c.GetReputation(context.Background(), "n1", polledAt)
	require.NoError(t, err)
	require.Len(t, reps, 3)

	assert.Equal(t, "sat-eu", reps[0].SatelliteID)
	assert.InDelta(t, 99.0, reps[0].AuditScore, 1e-9)
	assert.InDelta(t, 97.0, reps[0].OnlineScore, 1e-9)
	assert.False(t, reps[0].Disqualified)

	assert.Equal(t, "sat-us", reps[1].SatelliteID)
	assert.True(t, reps[1].Disqualified)

	assert.Equal(t, "ap1.example.io:7777", reps[2].SatelliteID, "unknown satellites are keyed by address")
	for _, r := range reps {
		assert.Equal(t, "n1", r.Node)
		assert.Equal(t, polledAt, r.PolledAt)
	}
}

func TestClientStorageAndPayout(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	s, err := c.GetStorage(ctx, "n1", polledAt)
	require.NoError(t, err)
	assert.Equal(t, int64(600), s.UsedBytes)
	assert.Equal(t, int64(100), s.TrashBytes)
	assert.Equal(t, int64(300), s.AvailableBytes)
	assert.Equal(t, int64(1000), s.TotalBytes())

	p, err := c.GetPayoutEstimate(ctx, "n1", polledAt)
	require.NoError(t, err)
	assert.Equal(t, 123.5, p.CurrentMonthCents)
	assert.Equal(t, 400.25, p.CurrentMonthExpected)
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathPayout {
			w.Write([]byte("{not json"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	err := c.Ping(ctx)
	assert.True(t, errors.Is(err, errors.ErrStatusCode))

	_, err = c.GetPayoutEstimate(ctx, "n1", polledAt)
	assert.True(t, errors.Is(err, errors.ErrMalformedStatus))

	srv.Close()
	err = c.Ping(ctx)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
}

func TestPollStoresSnapshots(t *testing.T) {
	_, srv := newFakeAPI(t)
	st := newStore(t)
	p := New(Config{Node: "n1", Now: func() time.Time { return polledAt }}, NewClient(srv.URL, nil), st)
	ctx := context.Background()

	require.NoError(t, p.Poll(ctx))

	reps, err := st.LatestReputation(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, reps, 3)

	storage, err := st.LatestStorage(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, storage)
	assert.Equal(t, int64(600), storage.UsedBytes)

	payout, err := st.LatestPayout(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, 123.5, payout.CurrentMonthCents)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Cycles)
	assert.Equal(t, int64(0), stats.Failures)
	assert.Equal(t, polledAt.UnixMilli(), stats.LastSuccess.UnixMilli())
}

func TestPollPartialFailureKeepsSession(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.payoutStatus.Store(http.StatusNotFound)
	st := newStore(t)
	p := New(Config{Node: "n1", Now: func() time.Time { return polledAt }}, NewClient(srv.URL, nil), st)
	ctx := context.Background()

	assert.NoError(t, p.Poll(ctx), "one failing endpoint does not end the session")
	assert.Equal(t, int64(1), p.Stats().Failures)

	storage, err := st.LatestStorage(ctx, "n1")
	require.NoError(t, err)
	assert.NotNil(t, storage)

	payout, err := st.LatestPayout(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, payout)
}

func TestPollUnreachableFails(t *testing.T) {
	_, srv := newFakeAPI(t)
	url := srv.URL
	srv.Close()

	p := New(Config{Node: "n1"}, NewClient(url, nil), newStore(t))
	err := p.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
}

func TestNextDelayWithinJitter(t *testing.T) {
	p := New(Config{Node: "n1", Interval: 100 * time.Second, Jitter: 0.15}, NewClient("http://x", nil), nil)
	for i := 0; i < 200; i++ {
		d := p.NextDelay()
		assert.GreaterOrEqual(t, d, 85*time.Second)
		assert.LessOrEqual(t, d, 115*time.Second)
	}
}

func TestAttemptPollsUntilCancelled(t *testing.T) {
	api, srv := newFakeAPI(t)
	st := newStore(t)
	p := New(Config{Node: "n1", Interval: 20 * time.Millisecond}, NewClient(srv.URL, nil), st)

	ctx, cancel := context.WithCancel(context.Background())
	var connected atomic.Bool
	done := make(chan error, 1)
	go func() { done <- p.Attempt(ctx, func() { connected.Store(true) }) }()

	require.Eventually(t, func() bool { return p.Stats().Cycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Attempt did not return after cancel")
	}
	assert.True(t, connected.Load())
	assert.Greater(t, api.hits.Load(), int32(2))
}
