package rollup

import (
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/types"
)

// Manager keeps the open buckets of every node and closes them once event
// time (or the wall clock, for idle nodes) has moved past bucket end plus a
// grace period. Events for an already closed bucket are counted as late and
// ignored, so a written sample is never replaced by a partial one.
type Manager struct {
	mu sync.Mutex

	bucketSize time.Duration
	grace      time.Duration

	// node -> bucket start (unix ms) -> bucket
	buckets map[string]map[int64]*Bucket

	// newest event time per node
	watermark map[string]time.Time

	// buckets starting before this (unix ms) are closed, per node
	closedBefore map[string]int64

	completed []Result
	stats     Stats
}

// Stats holds statistics for the manager.
type Stats struct {
	Active    int64
	Pending   int64
	Events    int64
	Late      int64
	Completed int64
	Flushes   int64
}

// NewManager creates a manager. Zero values select hourly buckets and the
// default grace period.
func NewManager(bucketSize, grace time.Duration) *Manager {
	if bucketSize <= 0 {
		bucketSize = time.Hour
	}
	if grace < 0 {
		grace = 0
	} else if grace == 0 {
		grace = config.DefaultRollupGrace
	}
	return &Manager{
		bucketSize:   bucketSize,
		grace:        grace,
		buckets:      make(map[string]map[int64]*Bucket),
		watermark:    make(map[string]time.Time),
		closedBefore: make(map[string]int64),
	}
}

// Add folds an event into its bucket.
func (m *Manager) Add(e *types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := e.Timestamp.UTC().Truncate(m.bucketSize)
	startMs := start.UnixMilli()
	if cb, ok := m.closedBefore[e.Node]; ok && startMs < cb {
		m.stats.Late++
		return
	}

	nb := m.buckets[e.Node]
	if nb == nil {
		nb = make(map[int64]*Bucket)
		m.buckets[e.Node] = nb
	}
	b := nb[startMs]
	if b == nil {
		b = NewBucket(e.Node, start, m.bucketSize)
		nb[startMs] = b
	}
	b.Add(e)
	m.stats.Events++

	if e.Timestamp.After(m.watermark[e.Node]) {
		m.watermark[e.Node] = e.Timestamp
		m.closeNode(e.Node, e.Timestamp)
	}
}

// closeNode moves buckets of node whose end plus grace is not after now
// into the completed list. Caller holds mu.
func (m *Manager) closeNode(node string, now time.Time) {
	nb := m.buckets[node]
	for startMs, b := range nb {
		if b.End().Add(m.grace).After(now) {
			continue
		}
		m.complete(node, startMs, b)
	}
}

func (m *Manager) complete(node string, startMs int64, b *Bucket) {
	delete(m.buckets[node], startMs)
	if end := b.End().UnixMilli(); end > m.closedBefore[node] {
		m.closedBefore[node] = end
	}
	if !b.IsEmpty() {
		m.completed = append(m.completed, b.Result())
		m.stats.Completed++
	}
}

// Seal treats every bucket of node starting before t as closed. Used on
// startup for buckets a previous run already wrote.
func (m *Manager) Seal(node string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms := t.UnixMilli(); ms > m.closedBefore[node] {
		m.closedBefore[node] = ms
	}
}

// CloseBefore closes every bucket whose end plus grace is not after now.
// Used on a wall-clock ticker so buckets of idle nodes still close.
func (m *Manager) CloseBefore(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for node := range m.buckets {
		m.closeNode(node, now)
	}
}

// Flush returns and clears the completed results, oldest first.
func (m *Manager) Flush() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeCompleted()
}

// FlushAll closes every open bucket and returns all completed results.
// Typically called at shutdown or at the end of a historical import.
func (m *Manager) FlushAll() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	for node, nb := range m.buckets {
		for startMs, b := range nb {
			m.complete(node, startMs, b)
		}
	}
	return m.takeCompleted()
}

func (m *Manager) takeCompleted() []Result {
	if len(m.completed) == 0 {
		return nil
	}
	out := m.completed
	m.completed = nil
	m.stats.Flushes++
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Node < out[j].Node
	})
	return out
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	for _, nb := range m.buckets {
		s.Active += int64(len(nb))
	}
	s.Pending = int64(len(m.completed))
	return s
}

// Samples flattens results into metric samples.
func Samples(results []Result) []types.MetricSample {
	var out []types.MetricSample
	for _, r := range results {
		out = append(out, r.Samples()...)
	}
	return out
}
