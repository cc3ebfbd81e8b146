// Package buffer provides the bounded line queue that decouples source
// adapters from parsing.
//
// The queue is a ring buffer with a drop-oldest policy: a full queue
// overwrites its oldest line and counts the drop. Producers never block.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("buffer")

// LineQueue is a thread-safe circular buffer of raw lines.
type LineQueue struct {
	name string

	mu       sync.Mutex
	data     []types.RawLine
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64
	closed   bool

	highWater float64
	warn      rate.Sometimes
	notify    chan struct{}

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64

	onDrop func(n int64)
}

// Option configures a LineQueue.
type Option func(*LineQueue)

// WithHighWater sets the usage ratio above which a throttled warning is
// logged.
func WithHighWater(ratio float64) Option {
	return func(q *LineQueue) {
		if ratio > 0 && ratio <= 1 {
			q.highWater = ratio
		}
	}
}

// WithDropHook is called once per dropped line, outside the queue lock.
func WithDropHook(fn func(n int64)) Option {
	return func(q *LineQueue) { q.onDrop = fn }
}

// NewLineQueue creates a queue with the given capacity.
func NewLineQueue(name string, capacity int, opts ...Option) *LineQueue {
	if capacity <= 0 {
		capacity = config.DefaultQueueCapacity
	}
	q := &LineQueue{
		name:      name,
		data:      make([]types.RawLine, capacity),
		capacity:  int64(capacity),
		highWater: config.DefaultQueueHighWater,
		warn:      rate.Sometimes{Interval: 10 * time.Second},
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push adds a line, overwriting the oldest line if the queue is full.
// It returns false if a line was dropped to make room. Pushing to a closed
// queue is a no-op that returns false.
func (q *LineQueue) Push(line types.RawLine) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	dropped := false
	if q.count >= q.capacity {
		idx := q.tail % q.capacity
		q.data[idx] = types.RawLine{}
		q.tail++
		q.count--
		dropped = true
	}

	idx := q.head % q.capacity
	q.data[idx] = line
	q.head++
	q.count++
	usage := float64(q.count) / float64(q.capacity)
	q.mu.Unlock()

	q.pushCount.Add(1)
	if dropped {
		total := q.dropCount.Add(1)
		if q.onDrop != nil {
			q.onDrop(1)
		}
		q.warn.Do(func() {
			log.Warn("queue full, dropping oldest lines", "queue", q.name, "dropped_total", total)
		})
	} else if usage >= q.highWater {
		q.warn.Do(func() {
			log.Warn("queue above high-water mark", "queue", q.name, "usage", usage)
		})
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return !dropped
}

// PopN removes and returns up to n oldest lines.
func (q *LineQueue) PopN(n int) []types.RawLine {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 || n <= 0 {
		return nil
	}

	count := int64(n)
	if count > q.count {
		count = q.count
	}

	result := make([]types.RawLine, count)
	for i := int64(0); i < count; i++ {
		idx := (q.tail + i) % q.capacity
		result[i] = q.data[idx]
		q.data[idx] = types.RawLine{}
	}

	q.tail += count
	q.count -= count
	q.popCount.Add(count)

	return result
}

// Wait blocks until the queue has lines, is closed, or ctx ends.
// It returns false when there is nothing left to read.
func (q *LineQueue) Wait(ctx context.Context) bool {
	for {
		q.mu.Lock()
		count, closed := q.count, q.closed
		q.mu.Unlock()

		if count > 0 {
			return true
		}
		if closed {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-q.notify:
		}
	}
}

// Close stops accepting lines and wakes waiting consumers. Lines already
// queued can still be popped.
func (q *LineQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the current number of lines in the queue.
func (q *LineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.count)
}

// Cap returns the capacity of the queue.
func (q *LineQueue) Cap() int {
	return int(q.capacity)
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (q *LineQueue) UsageRatio() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.count) / float64(q.capacity)
}

// Stats returns queue statistics.
func (q *LineQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Capacity:   int(q.capacity),
		Count:      int(q.count),
		UsageRatio: float64(q.count) / float64(q.capacity),
		PushCount:  q.pushCount.Load(),
		PopCount:   q.popCount.Load(),
		DropCount:  q.dropCount.Load(),
	}
}

// Stats holds queue statistics.
type Stats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}
