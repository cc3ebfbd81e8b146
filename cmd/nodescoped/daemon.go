package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/nodescope/internal/alert"
	"github.com/xtxerr/nodescope/internal/analytics"
	"github.com/xtxerr/nodescope/internal/anomaly"
	"github.com/xtxerr/nodescope/internal/backpressure"
	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/buffer"
	"github.com/xtxerr/nodescope/internal/checkpoint"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/ingest"
	"github.com/xtxerr/nodescope/internal/loader"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/notify"
	"github.com/xtxerr/nodescope/internal/poller"
	"github.com/xtxerr/nodescope/internal/resilience"
	"github.com/xtxerr/nodescope/internal/scheduler"
	"github.com/xtxerr/nodescope/internal/source"
	"github.com/xtxerr/nodescope/internal/store"
	"github.com/xtxerr/nodescope/internal/types"
)

const historicalMaxAttempts = 3

// pipeline is the ingest chain of one node.
type pipeline struct {
	node      loader.NodeConfig
	queue     *buffer.LineQueue
	src       source.Source
	conn      *resilience.Manager
	processor *ingest.Processor
}

func runDaemon(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.ingestOnly {
		for _, n := range cfg.Nodes {
			if !n.IsFile() {
				return errors.NewInvalidValue("nodes."+n.Name, n.Forwarder, "ingest-only needs log files, not forwarders")
			}
		}
	}

	log.Info("nodescoped starting", "version", Version, "nodes", len(cfg.Nodes), "ingest_only", opts.ingestOnly)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Storage
	// =========================================================================

	st, err := store.New(store.Config{
		DSN:          cfg.Store.Path,
		ArchiveDir:   cfg.Store.ArchiveDir,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		QueryTimeout: cfg.Store.QueryTimeout.Duration(),
	})
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()

	// A historical run starts every file at offset 0 and must not move
	// the positions a live run resumes from.
	ckpt, err := checkpoint.Open(checkpoint.Config{
		Dir:        cfg.Checkpoint.Dir,
		InMemory:   cfg.Checkpoint.Dir == "" || opts.ingestOnly,
		SyncWrites: cfg.Checkpoint.SyncWrites,
	})
	if err != nil {
		return errors.Wrap(err, "open checkpoints")
	}
	defer ckpt.Close()

	hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)
	defer hub.Close()

	registry := resilience.NewRegistry()
	registry.OnChange(metrics.ObserveConnection)
	status := broadcast.NewStatusBroadcaster(hub, registry, cfg.Broadcast.StatusInterval.Duration())
	registry.OnChange(status.OnChange)
	defer registry.StopAll()

	// =========================================================================
	// Ingest
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	pipelines := make([]*pipeline, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		p := buildPipeline(cfg, n, opts.ingestOnly, registry, st, hub, ckpt)
		pipelines = append(pipelines, p)

		g.Go(func() error {
			return p.processor.Run(gctx)
		})
		g.Go(func() error {
			defer p.queue.Close()
			return p.conn.Run(gctx, p.src.Attempt)
		})
		log.Info("node ingest started", "node", n.Name, "source", p.src.Endpoint())
	}

	engine := analytics.NewEngine(st, analytics.EngineConfig{
		WindowHours: cfg.Analytics.WindowHours,
		MaxAge:      cfg.Analytics.RecomputeInterval.Duration(),

		PercentileSampleCap: cfg.Analytics.PercentileSampleCap,
	})
	nodes := cfg.NodeNames()

	if opts.ingestOnly {
		return finishIngestOnly(ctx, g, pipelines, engine, nodes)
	}

	// =========================================================================
	// Pollers
	// =========================================================================

	for _, n := range cfg.Nodes {
		if n.API == "" {
			continue
		}
		hc := &http.Client{Timeout: cfg.Poller.RequestTimeout.Duration()}
		p := poller.New(poller.Config{
			Node:     n.Name,
			Interval: cfg.Poller.Interval.Duration(),
			Jitter:   cfg.Poller.Jitter,
		}, poller.NewClient(n.API, hc), st)

		pc := resilience.PollerConfig(p.Endpoint(), p.Health)
		pc.BackoffBase = cfg.Resilience.BackoffBase.Duration()
		pc.BackoffCap = cfg.Resilience.PollerBackoffCap.Duration()
		pc.HealthInterval = cfg.Resilience.HealthCheckInterval.Duration()
		pc.HealthThreshold = cfg.Resilience.HealthFailureThreshold
		conn := registry.New(pc)

		g.Go(func() error {
			return conn.Run(gctx, p.Attempt)
		})
		log.Info("status poller started", "node", n.Name, "api", n.API)
	}

	// =========================================================================
	// Analytics and alerting
	// =========================================================================

	detector := anomaly.New(engine, hub, anomaly.Config{
		ZWarning:   cfg.Anomaly.ZWarning,
		ZCritical:  cfg.Anomaly.ZCritical,
		MinSamples: cfg.Anomaly.MinSamples,
	})

	dispatcher, err := buildDispatcher(cfg.Notifications)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	alerts := alert.New(st, alert.Config{
		Thresholds: cfg.Alerts.Thresholds,
		Cooldown:   cfg.Alerts.Cooldown.Duration(),
	}, alert.Deps{
		Forecaster: engine,
		Anomalies:  detector,
		Publisher:  hub,
		Notifier:   dispatcher,
	})

	sched := scheduler.New(nil)
	if err := addTasks(sched, cfg, st, engine, alerts, status, nodes); err != nil {
		return err
	}
	g.Go(func() error {
		return sched.Run(gctx)
	})

	// =========================================================================
	// Outputs
	// =========================================================================

	if cfg.Broadcast.Listen != "" {
		srv := broadcast.NewServer(hub, cfg.Broadcast.Listen)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if cfg.Metrics.Listen != "" {
		metrics.RegisterHealthCheck("store", st.Health)
		streams := make(map[string]bool, len(pipelines))
		for _, p := range pipelines {
			streams[p.src.Endpoint()] = true
		}
		metrics.RegisterHealthCheck("sources", func(context.Context) error {
			return sourcesHealth(registry, streams)
		})
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen)
		})
		log.Info("metrics server listening", "address", cfg.Metrics.Listen)
	}

	log.Info("nodescoped running")
	err = g.Wait()

	for _, p := range pipelines {
		s := p.processor.Stats()
		log.Info("node ingest stopped", "node", p.node.Name, "lines", s.Lines, "events", s.Events, "stored", s.Stored, "discarded", s.Discarded)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("nodescoped stopped")
	return nil
}

// buildPipeline wires queue, backpressure, source and processor of one
// node. The returned connection manager drives the source.
func buildPipeline(cfg *loader.Config, n loader.NodeConfig, historical bool, registry *resilience.Registry,
	st *store.Store, hub *broadcast.Hub, ckpt *checkpoint.Store) *pipeline {

	ic := cfg.Ingest
	queue := buffer.NewLineQueue(n.Name, ic.QueueCapacity,
		buffer.WithHighWater(ic.HighWater),
		buffer.WithDropHook(func(dropped int64) {
			metrics.LinesDropped.WithLabelValues(n.Name).Add(float64(dropped))
		}),
	)

	monitor := backpressure.New(n.Name, queue, backpressure.DefaultThresholds(ic.HighWater))
	monitor.SetOnLevelChange(func(name string, old, level backpressure.Level) {
		metrics.BackpressureLevel.WithLabelValues(name).Set(float64(level))
		log.Warn("backpressure level changed", "node", name, "from", old.String(), "to", level.String())
	})

	sourceKind := "file"
	if !n.IsFile() {
		sourceKind = "forwarder"
	}
	sink := source.SinkFunc(func(line types.RawLine) bool {
		metrics.LinesReceived.WithLabelValues(n.Name, sourceKind).Inc()
		return queue.Push(line)
	})

	// The manager is created after the source, so activity reports go
	// through this variable. It is set before Run starts.
	var conn *resilience.Manager
	touch := func() { conn.Touch() }

	var src source.Source
	if n.IsFile() {
		src = source.NewTailer(source.TailerConfig{
			Node:         n.Name,
			Path:         n.LogPath,
			Historical:   historical,
			PollInterval: ic.TailPollInterval.Duration(),
			Resumer:      ckpt,
			Throttle:     monitor,
			Activity:     touch,
		}, sink)
	} else {
		src = source.NewForwarder(source.ForwarderConfig{
			Node:         n.Name,
			Addr:         n.Forwarder,
			MaxLineBytes: int(ic.MaxLineBytes.Bytes()),
			Activity:     touch,
		}, sink)
	}

	sc := resilience.StreamConfig(src.Endpoint())
	sc.BackoffBase = cfg.Resilience.BackoffBase.Duration()
	sc.BackoffCap = cfg.Resilience.StreamBackoffCap.Duration()
	if historical {
		// a file that cannot be read will not appear later
		sc.MaxAttempts = historicalMaxAttempts
	}
	conn = registry.New(sc)

	processor := ingest.New(ingest.Config{
		Node:          n.Name,
		BatchSize:     ic.BatchSize,
		FlushInterval: ic.FlushInterval.Duration(),
		SweepInterval: ic.SweepInterval.Duration(),
		PendingMaxAge: ic.PendingMaxAge.Duration(),
		RollupGrace:   cfg.Analytics.RollupGrace.Duration(),
		Historical:    historical,
	}, queue, st, hub, ckpt)

	return &pipeline{node: n, queue: queue, src: src, conn: conn, processor: processor}
}

// finishIngestOnly waits for every historical source to reach the end of
// its file and every processor to drain, then computes baselines once.
func finishIngestOnly(ctx context.Context, g *errgroup.Group, pipelines []*pipeline,
	engine *analytics.Engine, nodes []string) error {

	start := time.Now()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	var lines, events, stored int64
	for _, p := range pipelines {
		s := p.processor.Stats()
		lines += s.Lines
		events += s.Events
		stored += s.Stored
		log.Info("node ingest complete", "node", p.node.Name, "lines", s.Lines, "events", s.Events,
			"parse_errors", s.ParseErrors, "correlated", s.Correlated, "evicted", s.Evicted)
	}
	if ctx.Err() != nil {
		log.Warn("ingest interrupted", "lines", lines, "stored", stored)
		return nil
	}

	n, err := engine.RecomputeAll(ctx, nodes)
	if err != nil {
		log.Warn("baseline computation incomplete", "error", err)
	}
	log.Info("ingest-only run complete", "lines", lines, "events", events, "stored", stored,
		"baselines", n, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// buildDispatcher creates the notification channels from config.
func buildDispatcher(nc loader.NotificationsConfig) (*notify.Dispatcher, error) {
	var channels []notify.Channel

	if nc.Log.Enabled {
		minSeverity, err := loader.ParseSeverity(nc.Log.MinSeverity)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.Filtered{
			Channel:     notify.LogChannel{Logger: logging.Component("notify")},
			MinSeverity: minSeverity,
		})
	}

	for _, wh := range nc.Webhooks {
		minSeverity, err := loader.ParseSeverity(wh.MinSeverity)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.Filtered{
			Channel: notify.WebhookChannel{
				URL:     wh.URL,
				Headers: wh.Headers,
			},
			MinSeverity: minSeverity,
		})
	}

	return notify.NewDispatcher(nc.QueueSize, nc.Timeout.Duration(), channels...), nil
}

// sourcesHealth fails when none of the log sources is connected.
func sourcesHealth(registry *resilience.Registry, streams map[string]bool) error {
	if len(streams) == 0 {
		return nil
	}
	for _, s := range registry.Snapshot() {
		if streams[s.Endpoint] && s.State == resilience.StateConnected {
			return nil
		}
	}
	return errors.New("no log source connected")
}
