package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/buffer"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/source"
	"github.com/xtxerr/nodescope/internal/store"
	"github.com/xtxerr/nodescope/internal/types"
)

const sat = "12EayRS2V1kEsWESU9QMRseFhdxYxKicsiFmxrsLZHeLUtdps3S"

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func logLine(ts time.Time, message, piece, action string) string {
	return fmt.Sprintf("%s\tINFO\tpiecestore\t%s\t{\"Piece ID\": %q, \"Satellite ID\": %q, \"Action\": %q, \"Size\": 1024}",
		ts.Format(time.RFC3339Nano), message, piece, sat, action)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingCommitter struct {
	mu    sync.Mutex
	saved map[string]types.Position
}

func (c *recordingCommitter) Save(node string, pos types.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		c.saved = make(map[string]types.Position)
	}
	c.saved[node+":"+pos.Path] = pos
	return nil
}

type failingStore struct{}

func (failingStore) AppendEvents(context.Context, []types.Event) (int, error) {
	return 0, errors.ErrDatabase
}

func (failingStore) AppendMetricSamples(context.Context, []types.MetricSample) error {
	return errors.ErrDatabase
}

func (failingStore) LatestMetric(context.Context, string, string) (*types.MetricSample, error) {
	return nil, errors.ErrDatabase
}

// run feeds lines through a fresh queue and processor and waits for it to
// drain.
func run(t *testing.T, cfg Config, st EventStore, pub broadcast.Publisher, ckpt Committer, lines []types.RawLine) (*Processor, error) {
	t.Helper()
	q := buffer.NewLineQueue(cfg.Node, 1000)
	for _, l := range lines {
		q.Push(l)
	}
	q.Close()

	cfg.FlushInterval = 20 * time.Millisecond
	p := New(cfg, q, st, pub, ckpt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Run(ctx)
	return p, err
}

func TestCorrelatedDuration(t *testing.T) {
	st := newStore(t)
	lines := []types.RawLine{
		{Node: "n1", Arrival: t0, Text: logLine(t0, "download started", "P1", "GET"), Source: types.SourceNetwork},
		{Node: "n1", Arrival: t0.Add(250 * time.Millisecond), Text: logLine(t0, "downloaded", "P1", "GET"), Source: types.SourceNetwork},
	}

	p, err := run(t, Config{Node: "n1"}, st, nil, nil, lines)
	require.NoError(t, err)

	events, err := st.QueryEvents(context.Background(), store.EventQuery{Node: "n1"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	require.NotNil(t, e.DurationMs)
	assert.InDelta(t, 250.0, *e.DurationMs, 1e-6)
	assert.Equal(t, types.ActionDownload, e.Action)
	assert.Equal(t, types.StatusSuccess, e.Status)
	assert.Equal(t, types.SourceNetwork, e.Source)

	s := p.Stats()
	assert.EqualValues(t, 2, s.Lines)
	assert.EqualValues(t, 1, s.Correlated)
	assert.Equal(t, 0, s.Pending)
}

func TestUnmatchedFinishHasNoDuration(t *testing.T) {
	st := newStore(t)
	lines := []types.RawLine{
		{Node: "n1", Arrival: t0, Text: logLine(t0, "uploaded", "P2", "PUT")},
	}

	_, err := run(t, Config{Node: "n1"}, st, nil, nil, lines)
	require.NoError(t, err)

	events, err := st.QueryEvents(context.Background(), store.EventQuery{Node: "n1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].DurationMs)
}

func TestHistoricalLinesUseLogTimestamps(t *testing.T) {
	st := newStore(t)
	lines := []types.RawLine{
		{Node: "n1", Text: logLine(t0, "download started", "P3", "GET")},
		{Node: "n1", Text: logLine(t0.Add(400*time.Millisecond), "downloaded", "P3", "GET")},
	}

	_, err := run(t, Config{Node: "n1", Historical: true}, st, nil, nil, lines)
	require.NoError(t, err)

	events, err := st.QueryEvents(context.Background(), store.EventQuery{Node: "n1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DurationMs)
	assert.InDelta(t, 400.0, *events[0].DurationMs, 1e-6)
}

func TestResumedBacklogUsesLogTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	content := logLine(t0, "download started", "P4", "GET") + "\n" +
		logLine(t0.Add(3*time.Second), "downloaded", "P4", "GET") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	q := buffer.NewLineQueue("n1", 100)
	tl := source.NewTailer(source.TailerConfig{
		Node: "n1", Path: path, PollInterval: 10 * time.Millisecond,
		Resumer: resumeAt(0),
	}, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.Attempt(ctx, func() {}) }()
	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	q.Close()

	st := newStore(t)
	p := New(Config{Node: "n1", FlushInterval: 20 * time.Millisecond}, q, st, nil, nil)
	runCtx, runCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer runCancel()
	require.NoError(t, p.Run(runCtx))

	events, err := st.QueryEvents(context.Background(), store.EventQuery{Node: "n1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DurationMs)
	assert.InDelta(t, 3000.0, *events[0].DurationMs, 1e-6)
}

type resumeAt int64

func (r resumeAt) Resume(node, path string, fp uint64, size int64) int64 {
	return int64(r)
}

func TestReingestIsIdempotent(t *testing.T) {
	st := newStore(t)
	var lines []types.RawLine
	for i := 0; i < 50; i++ {
		ts := t0.Add(time.Duration(i) * time.Second)
		lines = append(lines, types.RawLine{Node: "n1", Text: logLine(ts, "downloaded", fmt.Sprintf("P%d", i), "GET")})
	}

	first, err := run(t, Config{Node: "n1", Historical: true}, st, nil, nil, lines)
	require.NoError(t, err)
	assert.EqualValues(t, 50, first.Stats().Stored)

	second, err := run(t, Config{Node: "n1", Historical: true}, st, nil, nil, lines)
	require.NoError(t, err)
	assert.EqualValues(t, 50, second.Stats().Events)
	assert.EqualValues(t, 0, second.Stats().Stored)

	n, err := st.CountEvents(context.Background(), "n1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)
}

func TestSkipsBadLines(t *testing.T) {
	st := newStore(t)
	lines := []types.RawLine{
		{Node: "n1", Text: "not a log line"},
		{Node: "n1", Text: t0.Format(time.RFC3339Nano) + "\tINFO\tcollector\tcollect\t{\"count\": 3}"},
		{Node: "n1", Text: logLine(t0, "downloaded", "P4", "GET")},
	}

	p, err := run(t, Config{Node: "n1"}, st, nil, nil, lines)
	require.NoError(t, err)

	s := p.Stats()
	assert.EqualValues(t, 1, s.ParseErrors)
	assert.EqualValues(t, 1, s.Ignored)
	assert.EqualValues(t, 1, s.Stored)
}

func TestHistoricalRollupsFlushedAtEnd(t *testing.T) {
	st := newStore(t)
	lines := []types.RawLine{
		{Node: "n1", Text: logLine(t0, "downloaded", "P5", "GET")},
		{Node: "n1", Text: logLine(t0.Add(time.Hour), "downloaded", "P6", "GET")},
		{Node: "n1", Text: logLine(t0.Add(time.Hour+time.Minute), "downloaded", "P7", "GET")},
	}

	_, err := run(t, Config{Node: "n1", Historical: true}, st, nil, nil, lines)
	require.NoError(t, err)

	series, err := st.MetricSeries(context.Background(), "n1", types.MetricEventCount, time.Time{})
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 1.0, series[0].Value)
	assert.Equal(t, 2.0, series[1].Value)
}

func TestPublishesStoredEvents(t *testing.T) {
	st := newStore(t)
	hub := broadcast.NewHub(16)
	sub := hub.Subscribe(broadcast.TopicEvents)
	defer sub.Close()

	lines := []types.RawLine{
		{Node: "n1", Text: logLine(t0, "downloaded", "P8", "GET")},
	}
	_, err := run(t, Config{Node: "n1"}, st, hub, nil, lines)
	require.NoError(t, err)

	select {
	case m := <-sub.C():
		e, ok := m.Payload.(types.Event)
		require.True(t, ok)
		assert.Equal(t, "P8", e.PieceID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestCheckpointCommittedAfterStore(t *testing.T) {
	st := newStore(t)
	ckpt := &recordingCommitter{}
	lines := []types.RawLine{
		{Node: "n1", Text: logLine(t0, "downloaded", "P9", "GET"),
			Position: &types.Position{Path: "/var/log/node.log", Fingerprint: 7, Offset: 120}},
		{Node: "n1", Text: "garbage",
			Position: &types.Position{Path: "/var/log/node.log", Fingerprint: 7, Offset: 128}},
	}

	_, err := run(t, Config{Node: "n1"}, st, nil, ckpt, lines)
	require.NoError(t, err)

	pos, ok := ckpt.saved["n1:/var/log/node.log"]
	require.True(t, ok)
	assert.EqualValues(t, 128, pos.Offset)
	assert.EqualValues(t, 7, pos.Fingerprint)
}

func TestStoreFailureKeepsCheckpoint(t *testing.T) {
	ckpt := &recordingCommitter{}
	lines := []types.RawLine{
		{Node: "n1", Text: logLine(t0, "downloaded", "P10", "GET"),
			Position: &types.Position{Path: "/var/log/node.log", Offset: 120}},
	}

	p, err := run(t, Config{Node: "n1"}, failingStore{}, nil, ckpt, lines)
	assert.True(t, errors.Is(err, errors.ErrDatabase))
	assert.Empty(t, ckpt.saved)
	assert.Positive(t, p.Stats().FlushErrors)
}

func TestSweepEvictsStalePending(t *testing.T) {
	st := newStore(t)
	now := t0
	q := buffer.NewLineQueue("n1", 100)
	q.Push(types.RawLine{Node: "n1", Arrival: t0, Text: logLine(t0, "upload started", "P11", "PUT")})

	p := New(Config{Node: "n1", Now: func() time.Time { return now }}, q, st, nil, nil)
	for _, l := range q.PopN(10) {
		p.handle(l)
	}
	require.Equal(t, 1, p.Stats().Pending)

	now = t0.Add(6 * time.Minute)
	p.sweep(context.Background())
	assert.Equal(t, 0, p.Stats().Pending)
	assert.EqualValues(t, 1, p.Stats().Evicted)
}

func TestRestartKeepsStoredRollups(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	hour := t0.Truncate(time.Hour)
	require.NoError(t, st.AppendMetricSamples(ctx, []types.MetricSample{
		{Node: "n1", Metric: types.MetricEventCount, Bucket: hour, Value: 42},
	}))

	// A replayed line from the stored hour, then one that closes it.
	lines := []types.RawLine{
		{Node: "n1", Arrival: t0.Add(-15 * time.Minute), Text: logLine(t0.Add(-15*time.Minute), "downloaded", "P7", "GET")},
		{Node: "n1", Arrival: t0.Add(50 * time.Minute), Text: logLine(t0.Add(50*time.Minute), "downloaded", "P8", "GET")},
	}
	_, err := run(t, Config{Node: "n1"}, st, nil, nil, lines)
	require.NoError(t, err)

	series, err := st.MetricSeries(ctx, "n1", types.MetricEventCount, hour)
	require.NoError(t, err)
	require.NotEmpty(t, series)
	assert.Equal(t, hour, series[0].Bucket.UTC())
	assert.Equal(t, 42.0, series[0].Value)
}
