// Package correlate pairs "started" lines with their completion lines to
// measure operation durations.
//
// A Correlator belongs to exactly one node processor goroutine and is not
// safe for concurrent use. Durations are measured between arrival times,
// not log timestamps, because log timestamps are only as precise as the
// node's logger.
package correlate

import (
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/types"
)

// Key identifies one in-flight operation.
type Key struct {
	Node        string
	PieceID     string
	SatelliteID string
	Action      types.Action
}

type pending struct {
	startedAt time.Time
}

// Correlator holds operations that have started but not finished.
type Correlator struct {
	maxAge  time.Duration
	pending map[Key]pending

	evicted  int64
	matched  int64
	replaced int64
}

// New creates a correlator. maxAge <= 0 uses the default of five minutes.
func New(maxAge time.Duration) *Correlator {
	if maxAge <= 0 {
		maxAge = config.DefaultPendingMaxAge
	}
	return &Correlator{
		maxAge:  maxAge,
		pending: make(map[Key]pending),
	}
}

// Start records that an operation began at arrival. A second start for the
// same key replaces the first; the earlier start can no longer be matched.
func (c *Correlator) Start(k Key, arrival time.Time) {
	if _, ok := c.pending[k]; ok {
		c.replaced++
	}
	c.pending[k] = pending{startedAt: arrival}
}

// Finish consumes the pending start for k and returns the elapsed time in
// milliseconds, or nil when no start is pending.
func (c *Correlator) Finish(k Key, arrival time.Time) *float64 {
	p, ok := c.pending[k]
	if !ok {
		return nil
	}
	delete(c.pending, k)
	c.matched++

	ms := float64(arrival.Sub(p.startedAt)) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// Sweep evicts operations that started more than maxAge before now and
// returns how many were evicted.
func (c *Correlator) Sweep(now time.Time) int {
	n := 0
	for k, p := range c.pending {
		if now.Sub(p.startedAt) > c.maxAge {
			delete(c.pending, k)
			n++
		}
	}
	c.evicted += int64(n)
	return n
}

// Len returns the number of pending operations.
func (c *Correlator) Len() int {
	return len(c.pending)
}

// Stats holds correlator counters.
type Stats struct {
	Pending  int
	Matched  int64
	Evicted  int64
	Replaced int64
}

// Stats returns correlator counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Pending:  len(c.pending),
		Matched:  c.matched,
		Evicted:  c.evicted,
		Replaced: c.replaced,
	}
}
