// Package poller periodically reads a node's status API and stores
// reputation, storage and payout snapshots.
//
// A Poller exposes Attempt and Health shaped for a resilience.Manager: the
// manager owns reconnects and backoff, the poller owns one polling session.
package poller

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("poller")

// Store receives snapshots.
type Store interface {
	AppendReputation(ctx context.Context, snaps []types.ReputationSnapshot) error
	AppendStorage(ctx context.Context, snap types.StorageSnapshot) error
	AppendPayout(ctx context.Context, snap types.PayoutSnapshot) error
}

// Config configures a Poller.
type Config struct {
	Node     string
	Interval time.Duration

	// Jitter is the relative spread applied to every interval, 0.15 = +/-15%.
	Jitter float64

	Now func() time.Time
}

// Poller polls one node.
type Poller struct {
	cfg    Config
	client *Client
	store  Store

	cycles   atomic.Int64
	failures atomic.Int64
	lastOK   atomic.Int64
}

// New creates a poller.
func New(cfg Config, client *Client, st Store) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultPollInterval
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = config.DefaultPollJitter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{cfg: cfg, client: client, store: st}
}

// Endpoint names the poller in connection state and logs.
func (p *Poller) Endpoint() string {
	return p.client.BaseURL()
}

// Health probes the API.
func (p *Poller) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Attempt checks the API once, then polls on the jittered interval until
// ctx ends or a cycle fails.
func (p *Poller) Attempt(ctx context.Context, connected func()) error {
	if err := p.client.Ping(ctx); err != nil {
		return err
	}
	connected()

	for {
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		timer := time.NewTimer(p.NextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// NextDelay returns the interval with random jitter applied.
func (p *Poller) NextDelay() time.Duration {
	if p.cfg.Jitter == 0 {
		return p.cfg.Interval
	}
	spread := (rand.Float64()*2 - 1) * p.cfg.Jitter
	return time.Duration(float64(p.cfg.Interval) * (1 + spread))
}

// Poll runs one cycle. Each of the three reads is stored independently.
// The cycle fails when the API is unreachable or when nothing could be
// read; a single endpoint answering with an error or malformed payload is
// logged and counted only.
func (p *Poller) Poll(ctx context.Context) error {
	at := p.cfg.Now()
	p.cycles.Add(1)

	var errs []error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		metrics.PollErrors.WithLabelValues(p.cfg.Node, what).Inc()
		log.Warn("poll failed", "node", p.cfg.Node, "endpoint", what, "error", err)
		errs = append(errs, err)
	}

	if reps, err := p.client.GetReputation(ctx, p.cfg.Node, at); err != nil {
		record("reputation", err)
	} else if len(reps) > 0 {
		record("reputation", errors.Wrap(p.store.AppendReputation(ctx, reps), "store reputation"))
	}

	if snap, err := p.client.GetStorage(ctx, p.cfg.Node, at); err != nil {
		record("storage", err)
	} else {
		record("storage", errors.Wrap(p.store.AppendStorage(ctx, snap), "store storage"))
	}

	if snap, err := p.client.GetPayoutEstimate(ctx, p.cfg.Node, at); err != nil {
		record("payout", err)
	} else {
		record("payout", errors.Wrap(p.store.AppendPayout(ctx, snap), "store payout"))
	}

	if len(errs) == 0 {
		p.lastOK.Store(at.UnixMilli())
		log.Debug("poll complete", "node", p.cfg.Node)
		return nil
	}

	p.failures.Add(1)
	err := errors.Join(errs...)
	if len(errs) == 3 {
		return err
	}
	for _, e := range errs {
		if errors.Is(e, errors.ErrConnectionFailed) || errors.Is(e, errors.ErrTimeout) {
			return err
		}
	}
	return nil
}

// Stats holds poller counters.
type Stats struct {
	Cycles      int64
	Failures    int64
	LastSuccess time.Time
}

// Stats returns poller counters.
func (p *Poller) Stats() Stats {
	s := Stats{Cycles: p.cycles.Load(), Failures: p.failures.Load()}
	if ms := p.lastOK.Load(); ms > 0 {
		s.LastSuccess = time.UnixMilli(ms)
	}
	return s
}
