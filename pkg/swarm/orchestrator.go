// Package swarm is the composition root of the agent swarm: it owns the task queue, the
// message bus, the health monitor and the set of workers, and starts and stops them together.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/agentswarm/pkg/bus"
	"github.com/guido-cesarano/agentswarm/pkg/config"
	"github.com/guido-cesarano/agentswarm/pkg/events"
	"github.com/guido-cesarano/agentswarm/pkg/health"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/metrics"
	"github.com/guido-cesarano/agentswarm/pkg/queue"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

// DefaultMetricsInterval is how often queue gauges are refreshed.
const DefaultMetricsInterval = 5 * time.Second

var (
	ErrDuplicateWorker = errors.New("worker id already registered")
	ErrAlreadyStarted  = errors.New("swarm already started")
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResultArchive mirrors terminal results into archive instead of the redis archive built
// from the configuration.
func WithResultArchive(archive queue.ResultArchive) Option {
	return func(o *Orchestrator) { o.archive = archive }
}

// WithMetricsInterval changes how often queue gauges are refreshed.
func WithMetricsInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.metricsInterval = d
		}
	}
}

// WithHealthClock replaces the health monitor's clock.
func WithHealthClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.healthOpts = append(o.healthOpts, health.WithClock(now)) }
}

// Orchestrator wires the swarm's components and exposes task submission to the host.
type Orchestrator struct {
	cfg             config.Config
	events          *events.Bus
	queue           *queue.Queue
	bus             *bus.Bus
	monitor         *health.Monitor
	scheduler       *queue.Scheduler
	archive         queue.ResultArchive
	closeArchive    func() error
	metricsInterval time.Duration
	healthOpts      []health.Option
	log             zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker.Worker
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a stopped swarm from cfg. Workers are added with AddWorker; the schedules in
// cfg are registered immediately and start firing on Start.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &Orchestrator{
		cfg:             cfg,
		events:          events.NewBus(0),
		metricsInterval: DefaultMetricsInterval,
		log:             logger.For("swarm"),
		workers:         make(map[string]*worker.Worker),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.archive == nil && cfg.Redis.Addr != "" {
		archive := queue.NewRedisArchive(cfg.Redis.Addr, cfg.Redis.ResultTTL)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := archive.Ping(ctx)
		cancel()
		if err != nil {
			_ = archive.Close()
			return nil, fmt.Errorf("connect result archive at %s: %w", cfg.Redis.Addr, err)
		}
		o.archive = archive
		o.closeArchive = archive.Close
	}

	queueOpts := []queue.Option{
		queue.WithEvents(o.events),
		queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts),
	}
	if o.archive != nil {
		queueOpts = append(queueOpts, queue.WithArchive(o.archive))
	}
	o.queue = queue.New(queueOpts...)

	var busOpts []bus.Option
	if cfg.Bus.HistorySize > 0 {
		busOpts = append(busOpts, bus.WithHistorySize(cfg.Bus.HistorySize))
	}
	o.bus = bus.New(busOpts...)

	o.monitor = health.NewMonitor(cfg.Health, append([]health.Option{health.WithEvents(o.events)}, o.healthOpts...)...)
	o.scheduler = queue.NewScheduler(o.queue)

	for _, s := range cfg.Schedules {
		p, _ := tasks.ParsePriority(s.Priority)
		if _, err := o.scheduler.Schedule(s.Spec, s.TaskSpec(), p); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Spec, err)
		}
	}
	return o, nil
}

// AddWorker creates a worker wired to the swarm's queue, bus and health monitor. If the swarm
// is already running the worker is started right away.
func (o *Orchestrator) AddWorker(cfg worker.Config, s worker.Strategy, opts ...worker.Option) (*worker.Worker, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = o.cfg.Bus.RequestTimeout
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.workers[cfg.AgentID]; ok {
		return nil, fmt.Errorf("add worker %s: %w", cfg.AgentID, ErrDuplicateWorker)
	}

	w, err := worker.New(cfg, o.queue, o.bus, s, append([]worker.Option{worker.WithObserver(o.monitor)}, opts...)...)
	if err != nil {
		return nil, err
	}

	if o.running {
		if err := w.Start(o.ctx); err != nil {
			return nil, err
		}
	}
	o.workers[cfg.AgentID] = w
	o.monitor.Register(w)

	o.log.Info().Str("agent_id", cfg.AgentID).Strs("specializations", w.Capabilities().Specializations).Msg("Worker added")
	return w, nil
}

// Workers returns the swarm's workers sorted by id.
func (o *Orchestrator) Workers() []*worker.Worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sortedWorkersLocked()
}

func (o *Orchestrator) sortedWorkersLocked() []*worker.Worker {
	out := make([]*worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Start launches every worker concurrently, then the health monitor, the scheduler and the
// metrics collector. If any worker fails to start, the ones already running are stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	workers := o.sortedWorkersLocked()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Start(runCtx); err != nil {
				return fmt.Errorf("start worker %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		stopAll(workers)
		return err
	}

	o.ctx = runCtx
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	o.monitor.Start(runCtx)
	o.scheduler.Start()
	go o.collectQueueMetrics(runCtx, o.done)

	o.log.Info().Int("workers", len(workers)).Msg("Swarm started")
	return nil
}

// Stop shuts the swarm down in reverse start order. Workers are stopped concurrently; a task
// in flight is reported as failed and stays in the queue for a later attempt.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel, done := o.cancel, o.done
	workers := o.sortedWorkersLocked()
	o.mu.Unlock()

	cancel()
	<-done
	o.scheduler.Stop()
	o.monitor.Stop()
	err := stopAll(workers)

	o.log.Info().Msg("Swarm stopped")
	return err
}

// Close stops the swarm and releases the result archive and the event bus.
func (o *Orchestrator) Close() error {
	err := o.Stop()
	o.events.Close()
	if o.closeArchive != nil {
		if cerr := o.closeArchive(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func stopAll(workers []*worker.Worker) error {
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(w.Stop)
	}
	return g.Wait()
}

// collectQueueMetrics refreshes the queue depth gauges until ctx is cancelled.
func (o *Orchestrator) collectQueueMetrics(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.metricsInterval)
	defer ticker.Stop()

	o.recordQueueDepth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.recordQueueDepth()
		}
	}
}

func (o *Orchestrator) recordQueueDepth() {
	stats := o.queue.Statistics()
	for p, n := range stats.ByPriority {
		metrics.QueueDepth.WithLabelValues("pending:" + p.String()).Set(float64(n))
	}
	metrics.QueueDepth.WithLabelValues("in_progress").Set(float64(stats.InProgress))
	metrics.QueueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	metrics.QueueDepth.WithLabelValues("blocked").Set(float64(stats.Blocked))
	metrics.QueueDepth.WithLabelValues("cancelled").Set(float64(stats.Cancelled))
}

// SubmitTask queues a task whose type doubles as the specialization it targets.
func (o *Orchestrator) SubmitTask(description, taskType string, p tasks.Priority) *tasks.Task {
	return o.queue.Enqueue(tasks.Spec{Description: description, Type: taskType}, p)
}

// Submit queues a task built from spec.
func (o *Orchestrator) Submit(spec tasks.Spec, p tasks.Priority) *tasks.Task {
	return o.queue.Enqueue(spec, p)
}

// CancelTask cancels a pending or running task. It reports false for unknown or finished tasks.
func (o *Orchestrator) CancelTask(taskID, reason string) bool {
	return o.queue.Cancel(taskID, reason)
}

// Schedule submits a task built from spec every time the cron expression fires.
func (o *Orchestrator) Schedule(expr string, spec tasks.Spec, p tasks.Priority) (cron.EntryID, error) {
	return o.scheduler.Schedule(expr, spec, p)
}

// Unschedule removes a schedule added with Schedule.
func (o *Orchestrator) Unschedule(id cron.EntryID) {
	o.scheduler.Remove(id)
}

func (o *Orchestrator) QueueStatistics() tasks.Statistics { return o.queue.Statistics() }

func (o *Orchestrator) BusStatistics() bus.Statistics { return o.bus.Statistics() }

func (o *Orchestrator) WorkerHealth(agentID string) (health.WorkerHealth, bool) {
	return o.monitor.Health(agentID)
}

func (o *Orchestrator) AllHealth() []health.WorkerHealth { return o.monitor.AllHealth() }

// Task returns a copy of the task in whatever state it is.
func (o *Orchestrator) Task(taskID string) (*tasks.Task, bool) { return o.queue.Task(taskID) }

// InspectQueue returns up to limit pending tasks of priority p in claim order.
func (o *Orchestrator) InspectQueue(p tasks.Priority, limit int) []*tasks.Task {
	return o.queue.Inspect(p, limit)
}

// Result returns the terminal result of taskID. Results no longer held in memory are looked
// up in the archive, when there is one.
func (o *Orchestrator) Result(ctx context.Context, taskID string) (tasks.Result, error) {
	if r, ok := o.queue.Result(taskID); ok {
		return r, nil
	}
	if o.archive == nil {
		return tasks.Result{}, fmt.Errorf("result %s: %w", taskID, queue.ErrResultNotFound)
	}
	return o.archive.Load(ctx, taskID)
}

func (o *Orchestrator) Events() *events.Bus { return o.events }

func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

func (o *Orchestrator) Monitor() *health.Monitor { return o.monitor }
