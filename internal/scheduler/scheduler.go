// Package scheduler runs named periodic tasks.
//
// The scheduler keeps tasks in a min-heap ordered by their next run time.
// Due tasks are handed to a fixed pool of workers; a task is never run
// concurrently with itself and is rescheduled one interval after its run
// completes.
//
// Key features:
//   - O(log n) add/remove operations
//   - Jitter on the first run so tasks added together do not fire together
//   - Backpressure handling when workers are busy
//   - Panic recovery and a per-run timeout
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Task is a unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration

	// Timeout bounds one run. Zero uses config.DefaultTaskTimeout.
	Timeout time.Duration

	// Immediate runs the task as soon as it is added instead of after a
	// random delay.
	Immediate bool

	Run func(ctx context.Context) error
}

type item struct {
	task    Task
	next    time.Time
	running bool
	deleted bool
	index   int
}

// =============================================================================
// Heap Implementation
// =============================================================================

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].next.Before(h[j].next)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h taskHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// BackpressureDelay is added to a due task when the job queue is full.
const BackpressureDelay = time.Second

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent task workers.
	Workers int

	// QueueSize is the due-task queue capacity.
	QueueSize int

	// TickInterval is how often the scheduler checks for due tasks.
	TickInterval time.Duration

	// MaxJitter bounds the random delay before a task's first run.
	MaxJitter time.Duration

	// DrainTimeout is how long Stop waits for running tasks.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultSchedulerWorkers,
		QueueSize:    config.DefaultSchedulerQueueSize,
		TickInterval: config.DefaultSchedulerTickInterval,
		MaxJitter:    config.DefaultSchedulerMaxJitter,
		DrainTimeout: config.DefaultDrainTimeout,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Workers <= 0 {
		out.Workers = def.Workers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = def.QueueSize
	}
	if out.TickInterval <= 0 {
		out.TickInterval = def.TickInterval
	}
	if out.MaxJitter < 0 {
		out.MaxJitter = 0
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = def.DrainTimeout
	}
	return &out
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs tasks on their intervals.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	heap  taskHeap
	index map[string]*item

	jobs     chan *item
	wakeup   chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup

	// runCtx is handed to tasks. It outlives the caller's context so that
	// running tasks can finish during the drain period.
	runCtx    context.Context
	cancelRun context.CancelFunc
	started   atomic.Bool
	stopOnce  sync.Once

	cfg *Config

	runs         atomic.Int64
	failures     atomic.Int64
	active       atomic.Int32
	backpressure atomic.Int64
}

// New creates a Scheduler. A nil cfg uses DefaultConfig.
func New(cfg *Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		heap:     make(taskHeap, 0),
		index:    make(map[string]*item),
		jobs:     make(chan *item, cfg.QueueSize),
		wakeup:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		cfg:      cfg,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the workers and the schedule loop. Tasks see a context
// derived from ctx's values but cancelled only by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.cfg.Workers, "tasks", s.Count())
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops
// it. It always returns nil so it can run under an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops scheduling and waits up to the drain timeout for running
// tasks. Tasks still running after that see their context cancelled.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")
		close(s.shutdown)
		if !s.started.Load() {
			return
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(s.cfg.DrainTimeout)
		defer timer.Stop()

		select {
		case <-done:
			log.Info("scheduler stopped gracefully")
		case <-timer.C:
			log.Warn("scheduler drain timeout", "active_workers", s.active.Load())
		}
		s.cancelRun()
	})
}

// =============================================================================
// Task Management
// =============================================================================

// Add schedules a task. The first run happens after a random delay of up to
// MaxJitter (bounded by the interval) unless the task is Immediate.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" {
		return errors.NewMissingField("name")
	}
	if t.Interval <= 0 {
		return errors.NewInvalidValue("interval", t.Interval, "task "+t.Name+" needs a positive interval")
	}
	if t.Run == nil {
		return errors.NewMissingField("run")
	}

	var jitter time.Duration
	if !t.Immediate {
		if limit := min(s.cfg.MaxJitter, t.Interval); limit > 0 {
			jitter = rand.N(limit)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.index[t.Name]; ok && !it.deleted {
		return fmt.Errorf("task %s already scheduled", t.Name)
	}

	it := &item{task: t, next: time.Now().Add(jitter)}
	heap.Push(&s.heap, it)
	s.index[t.Name] = it
	s.signalWakeup()

	log.Debug("task added", "task", t.Name, "interval", t.Interval, "first_run_in", jitter)
	return nil
}

// Remove unschedules a task. A run in progress completes but the task is
// not rescheduled.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.index[name]
	if !ok {
		return
	}
	it.deleted = true
	if !it.running {
		if it.index >= 0 {
			heap.Remove(&s.heap, it.index)
		}
		delete(s.index, name)
	}

	log.Debug("task removed", "task", name, "was_running", it.running)
}

// Trigger moves a task's next run to now. It reports false for unknown
// tasks. A running task is not started twice.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.index[name]
	if !ok || it.deleted {
		return false
	}
	if !it.running && it.index >= 0 {
		it.next = time.Now()
		heap.Fix(&s.heap, it.index)
		s.signalWakeup()
	}
	return true
}

// Contains reports whether a task is scheduled.
func (s *Scheduler) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.index[name]
	return ok && !it.deleted
}

// NextRun returns when a task will next run.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.index[name]
	if !ok || it.deleted {
		return time.Time{}, false
	}
	return it.next, true
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDue()
		case <-s.wakeup:
			s.processDue()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDue() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		if s.heap.peek().next.After(now) {
			break
		}
		it := heap.Pop(&s.heap).(*item)
		if it.deleted {
			delete(s.index, it.task.Name)
			continue
		}

		it.running = true
		select {
		case s.jobs <- it:
		default:
			it.next = now.Add(BackpressureDelay)
			it.running = false
			heap.Push(&s.heap, it)
			s.backpressure.Add(1)
		}
	}
}

// complete reschedules a task one interval after its run finished.
func (s *Scheduler) complete(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it.running = false
	if it.deleted {
		delete(s.index, it.task.Name)
		return
	}
	it.next = time.Now().Add(it.task.Interval)
	heap.Push(&s.heap, it)
	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case it := <-s.jobs:
			s.execute(it)
			s.complete(it)
		case <-s.shutdown:
			return
		}
	}
}

// execute runs one task with panic recovery and records the outcome.
func (s *Scheduler) execute(it *item) {
	name := it.task.Name
	timeout := it.task.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTaskTimeout
	}

	s.active.Add(1)
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in task", "task", name, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(s.runCtx, timeout)
		defer cancel()
		err = it.task.Run(ctx)
	}()

	s.active.Add(-1)
	s.runs.Add(1)
	metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		s.failures.Add(1)
		metrics.TaskRuns.WithLabelValues(name, "error").Inc()
		log.Warn("task failed", "task", name, "duration", time.Since(start), "error", err)
		return
	}
	metrics.TaskRuns.WithLabelValues(name, "ok").Inc()
	log.Debug("task completed", "task", name, "duration", time.Since(start))
}

// =============================================================================
// Utility Methods
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats holds scheduler counters.
type Stats struct {
	Scheduled    int
	QueueUsed    int
	Active       int
	Runs         int64
	Failures     int64
	Backpressure int64
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	scheduled := s.heap.Len()
	s.mu.Unlock()

	return Stats{
		Scheduled:    scheduled,
		QueueUsed:    len(s.jobs),
		Active:       int(s.active.Load()),
		Runs:         s.runs.Load(),
		Failures:     s.failures.Load(),
		Backpressure: s.backpressure.Load(),
	}
}

// Count returns the number of scheduled tasks.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.index {
		if !it.deleted {
			n++
		}
	}
	return n
}
