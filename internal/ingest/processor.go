// Package ingest runs the per-node pipeline from the line queue to the store.
//
// A Processor owns its node's correlator and rollups; nothing else touches
// them. Lines flow
//
//	queue -> parse -> correlate -> batch -> store -> broadcast + rollups
//
// and tail positions are committed only after the events they produced are
// stored, so a restart re-reads at most the uncommitted tail. Re-reading is
// harmless because events are deduplicated by identity key.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/buffer"
	"github.com/xtxerr/nodescope/internal/correlate"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/parser"
	"github.com/xtxerr/nodescope/internal/rollup"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("ingest")

// EventStore is the part of the store a processor writes to.
type EventStore interface {
	AppendEvents(ctx context.Context, events []types.Event) (int, error)
	AppendMetricSamples(ctx context.Context, samples []types.MetricSample) error
	LatestMetric(ctx context.Context, node, metric string) (*types.MetricSample, error)
}

// Committer records how far a file has been ingested.
type Committer interface {
	Save(node string, pos types.Position) error
}

// Config controls one processor.
type Config struct {
	Node string

	BatchSize     int
	FlushInterval time.Duration
	SweepInterval time.Duration
	PendingMaxAge time.Duration
	RollupGrace   time.Duration

	// Historical closes open rollup buckets when the queue is drained.
	// Live processors close idle buckets by the wall clock instead.
	Historical bool

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = config.DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = config.DefaultFlushInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = config.DefaultSweepInterval
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = config.DefaultPendingMaxAge
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// maxRetainedBatches bounds how much unstored work is kept while the store
// is failing.
const maxRetainedBatches = 20

// Processor drains one node's line queue.
type Processor struct {
	cfg   Config
	queue *buffer.LineQueue
	store EventStore
	pub   broadcast.Publisher
	ckpt  Committer

	corr    *correlate.Correlator
	rollups *rollup.Manager

	batch     []types.Event
	positions map[string]types.Position

	warn rate.Sometimes

	stats struct {
		lines       atomic.Int64
		parseErrors atomic.Int64
		ignored     atomic.Int64
		events      atomic.Int64
		stored      atomic.Int64
		correlated  atomic.Int64
		evicted     atomic.Int64
		flushErrors atomic.Int64
		discarded   atomic.Int64
	}
}

// New creates a processor. pub and ckpt may be nil.
func New(cfg Config, queue *buffer.LineQueue, st EventStore, pub broadcast.Publisher, ckpt Committer) *Processor {
	cfg.applyDefaults()
	if pub == nil {
		pub = broadcast.Discard{}
	}
	return &Processor{
		cfg:       cfg,
		queue:     queue,
		store:     st,
		pub:       pub,
		ckpt:      ckpt,
		corr:      correlate.New(cfg.PendingMaxAge),
		rollups:   rollup.NewManager(time.Hour, cfg.RollupGrace),
		batch:     make([]types.Event, 0, cfg.BatchSize),
		positions: make(map[string]types.Position),
		warn:      rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Node returns the node this processor serves.
func (p *Processor) Node() string {
	return p.cfg.Node
}

// Run processes lines until the queue is closed and drained or ctx is
// cancelled. On cancellation the lines already queued are still processed
// and stored, bounded by the drain timeout.
func (p *Processor) Run(ctx context.Context) error {
	log.Info("processor started", "node", p.cfg.Node, "historical", p.cfg.Historical)
	if !p.cfg.Historical {
		p.sealWritten(ctx)
	}

	lastFlush := time.Now()
	lastSweep := time.Now()

	for {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.FlushInterval)
		more := p.queue.Wait(waitCtx)
		timedOut := waitCtx.Err() != nil
		cancel()

		if ctx.Err() != nil {
			return p.shutdown()
		}
		if !more && !timedOut {
			// closed and drained
			return p.shutdown()
		}

		for _, line := range p.queue.PopN(p.cfg.BatchSize) {
			p.handle(line)
			if len(p.batch) >= p.cfg.BatchSize {
				p.flush(ctx)
				lastFlush = time.Now()
			}
		}

		if time.Since(lastFlush) >= p.cfg.FlushInterval {
			p.flush(ctx)
			lastFlush = time.Now()
		}
		if time.Since(lastSweep) >= p.cfg.SweepInterval {
			p.sweep(ctx)
			lastSweep = time.Now()
		}
	}
}

func (p *Processor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultDrainTimeout)
	defer cancel()

	for {
		lines := p.queue.PopN(p.cfg.BatchSize)
		if len(lines) == 0 {
			break
		}
		for _, line := range lines {
			p.handle(line)
		}
		p.flush(ctx)
		if ctx.Err() != nil {
			break
		}
	}
	p.flush(ctx)

	if p.cfg.Historical {
		p.writeRollups(ctx, p.rollups.FlushAll())
	} else if s := p.rollups.Stats(); s.Active > 0 {
		log.Info("discarding open rollup buckets", "node", p.cfg.Node, "buckets", s.Active)
	}

	st := p.Stats()
	log.Info("processor stopped",
		"node", p.cfg.Node,
		"lines", st.Lines,
		"events", st.Events,
		"stored", st.Stored,
		"parse_errors", st.ParseErrors)

	if len(p.batch) > 0 {
		return errors.Wrapf(errors.ErrDatabase, "%d events not stored", len(p.batch))
	}
	return nil
}

// handle turns one line into at most one event.
func (p *Processor) handle(line types.RawLine) {
	p.stats.lines.Add(1)
	if line.Position != nil {
		p.positions[line.Position.Path] = *line.Position
	}

	rec, err := parser.Parse(line.Text)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrUnknownMessage):
			p.stats.ignored.Add(1)
			return
		case !errors.IsInputError(err):
			log.Error("parser failed", "node", p.cfg.Node, "error", err)
		}
		p.stats.parseErrors.Add(1)
		metrics.ParseErrors.WithLabelValues(p.cfg.Node).Inc()
		p.warn.Do(func() {
			log.Warn("skipping unparsable line", "node", p.cfg.Node, "error", err)
		})
		return
	}

	// Historical lines have no arrival time; fall back to the logger's.
	arrival := line.Arrival
	if arrival.IsZero() {
		arrival = rec.Timestamp
	}

	key := correlate.Key{
		Node:        p.cfg.Node,
		PieceID:     rec.PieceID,
		SatelliteID: rec.SatelliteID,
		Action:      rec.Action,
	}

	if rec.Kind == parser.KindStarted {
		p.corr.Start(key, arrival)
		return
	}

	duration := rec.DurationMs
	if measured := p.corr.Finish(key, arrival); duration == nil && measured != nil {
		duration = measured
		p.stats.correlated.Add(1)
		metrics.EventsCorrelated.WithLabelValues(p.cfg.Node).Inc()
	}

	p.batch = append(p.batch, types.Event{
		Node:        p.cfg.Node,
		SatelliteID: rec.SatelliteID,
		Action:      rec.Action,
		PieceID:     rec.PieceID,
		Timestamp:   rec.Timestamp,
		Status:      rec.Status(),
		SizeBytes:   rec.Size,
		DurationMs:  duration,
		Source:      line.Source,
		Error:       rec.Error,
	})
	p.stats.events.Add(1)
}

// flush stores the batch. On failure the batch is kept for the next flush
// and no positions are committed.
func (p *Processor) flush(ctx context.Context) {
	if len(p.batch) > 0 {
		start := time.Now()
		n, err := p.store.AppendEvents(ctx, p.batch)
		metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.stats.flushErrors.Add(1)
			log.Error("storing events failed", "node", p.cfg.Node, "events", len(p.batch), "error", err)
			if limit := p.cfg.BatchSize * maxRetainedBatches; len(p.batch) > limit {
				drop := len(p.batch) - limit
				p.batch = append(p.batch[:0], p.batch[drop:]...)
				p.stats.discarded.Add(int64(drop))
				log.Error("discarding unstored events", "node", p.cfg.Node, "events", drop)
			}
			return
		}
		p.stats.stored.Add(int64(n))

		for i := range p.batch {
			e := &p.batch[i]
			metrics.EventsIngested.WithLabelValues(p.cfg.Node, string(e.Action), string(e.Status)).Inc()
			p.rollups.Add(e)
			p.pub.Publish(broadcast.TopicEvents, *e)
		}
		p.batch = p.batch[:0]
	}

	p.writeRollups(ctx, p.rollups.Flush())
	p.commit()
}

// sealWritten keeps replayed events from rebuilding buckets an earlier run
// stored. A historical run rebuilds whole buckets and may replace them.
func (p *Processor) sealWritten(ctx context.Context) {
	last, err := p.store.LatestMetric(ctx, p.cfg.Node, types.MetricEventCount)
	if err != nil {
		log.Warn("cannot read last rollup", "node", p.cfg.Node, "error", err)
		return
	}
	if last == nil {
		return
	}
	p.rollups.Seal(p.cfg.Node, last.Bucket.Add(time.Hour))
	log.Debug("rollups sealed", "node", p.cfg.Node, "before", last.Bucket.Add(time.Hour))
}

func (p *Processor) writeRollups(ctx context.Context, results []rollup.Result) {
	if len(results) == 0 {
		return
	}
	samples := rollup.Samples(results)
	if err := p.store.AppendMetricSamples(ctx, samples); err != nil {
		log.Error("storing rollups failed", "node", p.cfg.Node, "buckets", len(results), "error", err)
		return
	}
	log.Debug("rollups stored", "node", p.cfg.Node, "buckets", len(results), "samples", len(samples))
}

func (p *Processor) commit() {
	if p.ckpt == nil || len(p.positions) == 0 {
		return
	}
	for path, pos := range p.positions {
		if err := p.ckpt.Save(p.cfg.Node, pos); err != nil {
			log.Warn("checkpoint save failed", "node", p.cfg.Node, "path", path, "error", err)
			continue
		}
		delete(p.positions, path)
	}
}

func (p *Processor) sweep(ctx context.Context) {
	now := p.cfg.Now()
	if n := p.corr.Sweep(now); n > 0 {
		p.stats.evicted.Add(int64(n))
		metrics.PendingEvicted.WithLabelValues(p.cfg.Node).Add(float64(n))
		log.Debug("evicted pending operations", "node", p.cfg.Node, "count", n)
	}
	metrics.PendingOperations.WithLabelValues(p.cfg.Node).Set(float64(p.corr.Len()))
	metrics.QueueDepth.WithLabelValues(p.cfg.Node).Set(float64(p.queue.Len()))

	if !p.cfg.Historical {
		p.rollups.CloseBefore(now)
		p.writeRollups(ctx, p.rollups.Flush())
	}
}

// Stats holds processor counters.
type Stats struct {
	Lines       int64
	ParseErrors int64
	Ignored     int64
	Events      int64
	Stored      int64
	Correlated  int64
	Evicted     int64
	FlushErrors int64
	Discarded   int64
	Pending     int
}

// Stats returns current counters. Pending is only exact when read from
// the processor's goroutine or after Run returns.
func (p *Processor) Stats() Stats {
	return Stats{
		Lines:       p.stats.lines.Load(),
		ParseErrors: p.stats.parseErrors.Load(),
		Ignored:     p.stats.ignored.Load(),
		Events:      p.stats.events.Load(),
		Stored:      p.stats.stored.Load(),
		Correlated:  p.stats.correlated.Load(),
		Evicted:     p.stats.evicted.Load(),
		FlushErrors: p.stats.flushErrors.Load(),
		Discarded:   p.stats.discarded.Load(),
		Pending:     p.corr.Len(),
	}
}
