// Package notify delivers alerts to external channels.
//
// Delivery is best effort: the dispatcher queues alerts without blocking
// the caller, retries a channel once on a transient failure and logs the
// rest.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("notify")

const retryDelay = time.Second

// Channel is one notification target.
type Channel interface {
	Name() string
	Notify(ctx context.Context, a types.Alert) error
}

// Filtered delivers only alerts at or above MinSeverity.
type Filtered struct {
	Channel
	MinSeverity types.Severity
}

// Notify implements Channel.
func (f Filtered) Notify(ctx context.Context, a types.Alert) error {
	if a.Severity.Rank() < f.MinSeverity.Rank() {
		return nil
	}
	return f.Channel.Notify(ctx, a)
}

// Dispatcher fans queued alerts out to channels from one worker goroutine.
type Dispatcher struct {
	channels []Channel
	queue    chan types.Alert
	timeout  time.Duration

	// drainTimeout bounds delivery of what is still queued at shutdown.
	drainTimeout time.Duration
	retryDelay   time.Duration

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher. queueSize and timeout <= 0 take
// defaults.
func NewDispatcher(queueSize int, timeout time.Duration, channels ...Channel) *Dispatcher {
	if queueSize <= 0 {
		queueSize = config.DefaultNotifyQueueSize
	}
	if timeout <= 0 {
		timeout = config.DefaultNotifyTimeout
	}
	return &Dispatcher{
		channels: channels,
		queue:    make(chan types.Alert, queueSize),
		timeout:  timeout,

		drainTimeout: config.DefaultDrainTimeout,
		retryDelay:   retryDelay,
	}
}

// Enqueue queues an alert. A full queue drops it.
func (d *Dispatcher) Enqueue(a types.Alert) {
	select {
	case d.queue <- a:
	default:
		d.dropped.Add(1)
		metrics.NotifyFailures.WithLabelValues("queue").Inc()
		log.Warn("notification queue full, dropping alert", "id", a.ID, "category", a.Category)
	}
}

// Run delivers alerts until ctx is cancelled, then drains what is queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.drain()
			return nil
		}
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case a := <-d.queue:
			d.deliver(context.Background(), a)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	for {
		select {
		case a := <-d.queue:
			if ctx.Err() != nil {
				d.discard(a)
				return
			}
			d.deliver(ctx, a)
		default:
			return
		}
	}
}

// discard drops a and everything still queued.
func (d *Dispatcher) discard(a types.Alert) {
	n := int64(1)
	for len(d.queue) > 0 {
		<-d.queue
		n++
	}
	d.dropped.Add(n)
	log.Warn("shutdown drain timed out, dropping alerts", "alerts", n, "first", a.ID)
}

func (d *Dispatcher) deliver(parent context.Context, a types.Alert) {
	for _, ch := range d.channels {
		err := d.notify(parent, ch, a)
		if err != nil && errors.IsRetriable(err) && sleepCtx(parent, d.retryDelay) {
			log.Debug("retrying notification", "channel", ch.Name(), "id", a.ID, "error", err)
			err = d.notify(parent, ch, a)
		}
		if err != nil {
			d.failed.Add(1)
			metrics.NotifyFailures.WithLabelValues(ch.Name()).Inc()
			log.Warn("notification failed", "channel", ch.Name(), "id", a.ID, "error", err)
			continue
		}
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) notify(parent context.Context, ch Channel, a types.Alert) error {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	return ch.Notify(ctx, a)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats holds dispatcher counters.
type Stats struct {
	Queued    int
	Delivered int64
	Failed    int64
	Dropped   int64
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
