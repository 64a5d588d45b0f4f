// Package worker runs one agent of the swarm.
//
// A Worker claims tasks from the shared queue, hands each one to its Strategy, reports the
// outcome, and monitors the project while it has nothing to do. It also answers questions and
// collaboration requests from peer agents over the message bus.
//
// State machine:
//
//	stopped -> idle <-> working
//	           idle <-> monitoring
//	           idle <-> communicating
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/agentswarm/pkg/bus"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/metrics"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

// State is the worker's position in its lifecycle.
type State string

const (
	StateStopped       State = "stopped"
	StateIdle          State = "idle"
	StateWorking       State = "working"
	StateMonitoring    State = "monitoring"
	StateCommunicating State = "communicating"
)

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMonitorInterval = 30 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStillStopping  = errors.New("previous run loop has not exited")
	ErrRejected       = errors.New("solution rejected by approval gate")
	ErrCancelled      = errors.New("task cancelled")
	ErrNoSolutions    = errors.New("strategy proposed no solutions")
	ErrNoPeer         = errors.New("agent does not answer peer messages")
)

// Config describes one agent.
type Config struct {
	AgentID         string        `yaml:"id"`
	Specializations []string      `yaml:"specializations"`
	PreferredTasks  []string      `yaml:"preferred_tasks"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithPeer sets the hooks used to answer peer messages.
func WithPeer(p Peer) Option { return func(w *Worker) { w.peer = p } }

// WithScanner sets the idle monitoring pass.
func WithScanner(s Scanner) Option { return func(w *Worker) { w.scanner = s } }

// WithContextProvider sets the project snapshot source.
func WithContextProvider(p ContextProvider) Option { return func(w *Worker) { w.provider = p } }

// WithApprover requires approval before every execution.
func WithApprover(a Approver) Option { return func(w *Worker) { w.approver = a } }

// WithObserver reports liveness to o, normally the health monitor.
func WithObserver(o Observer) Option { return func(w *Worker) { w.observer = o } }

// Worker owns the run loop of a single agent.
type Worker struct {
	cfg      Config
	queue    Queue
	bus      *bus.Bus
	strategy Strategy
	peer     Peer
	scanner  Scanner
	provider ContextProvider
	approver Approver
	observer Observer
	log      zerolog.Logger

	mu          sync.Mutex
	state       State
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	handlers    sync.WaitGroup
	stats       Stats
	lastMonitor time.Time
}

// New builds a stopped worker. A strategy that also implements Peer or Scanner is used for
// those roles unless an option overrides it.
func New(cfg Config, q Queue, b *bus.Bus, s Strategy, opts ...Option) (*Worker, error) {
	switch {
	case cfg.AgentID == "":
		return nil, errors.New("worker: agent id is required")
	case q == nil:
		return nil, errors.New("worker: queue is required")
	case b == nil:
		return nil, errors.New("worker: bus is required")
	case s == nil:
		return nil, errors.New("worker: strategy is required")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.Specializations = append([]string(nil), cfg.Specializations...)
	if tag := s.Specialization(); tag != "" && !containsString(cfg.Specializations, tag) {
		cfg.Specializations = append(cfg.Specializations, tag)
	}

	w := &Worker{
		cfg:      cfg,
		queue:    q,
		bus:      b,
		strategy: s,
		observer: noopObserver{},
		log:      logger.For("worker").With().Str("agent_id", cfg.AgentID).Logger(),
		state:    StateStopped,
		stats:    Stats{AgentID: cfg.AgentID},
	}
	if p, ok := s.(Peer); ok {
		w.peer = p
	}
	if sc, ok := s.(Scanner); ok {
		w.scanner = sc
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ID returns the agent id.
func (w *Worker) ID() string { return w.cfg.AgentID }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a copy of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.State = w.state
	return s
}

// Capabilities returns what the worker advertises to the queue.
func (w *Worker) Capabilities() tasks.Capabilities {
	return tasks.Capabilities{
		AgentID:         w.cfg.AgentID,
		Specializations: append([]string(nil), w.cfg.Specializations...),
		PreferredTasks:  append([]string(nil), w.cfg.PreferredTasks...),
	}
}

// Start registers the agent, subscribes to its peer topics and launches the run loop.
// The loop lives until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("start %s: %w", w.cfg.AgentID, ErrAlreadyRunning)
	}
	if w.done != nil {
		select {
		case <-w.done:
		default:
			// stopped, but a strategy call is still holding the old loop
			w.mu.Unlock()
			return fmt.Errorf("start %s: %w", w.cfg.AgentID, ErrStillStopping)
		}
	}
	if w.cancel != nil {
		// leftovers of a loop that crashed without Stop
		w.cancel()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	w.running = true
	w.ctx = loopCtx
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state = StateIdle
	w.stats.StartedAt = now
	w.stats.LastActivity = now
	w.stats.CurrentTask = ""
	w.lastMonitor = now
	done := w.done
	w.mu.Unlock()

	w.queue.RegisterAgent(w.Capabilities())
	w.bus.UnsubscribeAll(w.cfg.AgentID)
	w.bus.Subscribe(w.cfg.AgentID, []bus.MessageType{bus.Question, bus.CollaborationRequest}, w.onMessage)
	w.observer.UpdateActivity(w.cfg.AgentID)

	go w.run(loopCtx, done)

	w.log.Info().Strs("specializations", w.cfg.Specializations).Msg("Worker started")
	return nil
}

// Stop ends the run loop and waits for it and for in-flight peer answers to finish.
// A task being executed sees its context cancelled and is reported as failed, so the queue
// can retry it. Stopping a stopped worker is a no-op.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	w.bus.UnsubscribeAll(w.cfg.AgentID)
	cancel()
	<-done
	w.handlers.Wait()

	w.log.Info().Msg("Worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker loop panicked: %v", r)
			w.log.Error().Err(err).Msg("Worker crashed")
			w.observer.RecordError(w.cfg.AgentID, err)
		}
		// whatever ended the loop, the agent no longer takes work
		w.mu.Lock()
		w.running = false
		w.state = StateStopped
		w.mu.Unlock()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return
		}
		if w.step(ctx) {
			continue
		}

		timer.Reset(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// step runs one loop iteration and reports whether a task was processed.
func (w *Worker) step(ctx context.Context) bool {
	if task := w.queue.Dequeue(w.cfg.AgentID); task != nil {
		w.process(ctx, task)
		return true
	}

	w.mu.Lock()
	due := time.Since(w.lastMonitor) >= w.cfg.MonitorInterval
	w.mu.Unlock()
	if due {
		w.monitor(ctx)
	}
	return false
}

func (w *Worker) process(ctx context.Context, task *tasks.Task) {
	log := w.log.With().Str("task_id", task.ID).Str("type", task.Type).Int("attempt", task.Attempts).Logger()

	w.mu.Lock()
	w.state = StateWorking
	w.stats.CurrentTask = task.ID
	w.stats.LastActivity = time.Now()
	w.mu.Unlock()
	w.queue.UpdateAgentLoad(w.cfg.AgentID, 1.0)
	w.observer.UpdateActivity(w.cfg.AgentID)

	log.Info().Msg("Processing task")
	start := time.Now()
	outcome, err := w.execute(ctx, task)
	duration := time.Since(start)
	metrics.TaskDuration.WithLabelValues(task.Type).Observe(duration.Seconds())

	result := tasks.Result{
		TaskID:       task.ID,
		WorkerID:     w.cfg.AgentID,
		Duration:     duration,
		Success:      err == nil && outcome.Success,
		FilesChanged: outcome.FilesChanged,
	}
	switch {
	case err != nil:
		result.Error = err.Error()
	case !outcome.Success:
		result.Error = outcome.Error
		if result.Error == "" {
			result.Error = "execution reported failure"
		}
	}

	cancelled := errors.Is(err, ErrCancelled)
	if cerr := w.queue.Complete(task.ID, result); cerr != nil && !cancelled {
		log.Warn().Err(cerr).Msg("Failed to report task result")
	}

	switch {
	case cancelled:
		log.Info().Msg("Task cancelled during execution")
	case result.Success:
		log.Info().Dur("duration", duration).Strs("files_changed", result.FilesChanged).Msg("Task succeeded")
		w.observer.RecordTaskCompleted(w.cfg.AgentID, true)
	default:
		log.Error().Str("error", result.Error).Dur("duration", duration).Msg("Task failed")
		w.observer.RecordError(w.cfg.AgentID, errors.New(result.Error))
		w.observer.RecordTaskCompleted(w.cfg.AgentID, false)
	}

	w.queue.UpdateAgentLoad(w.cfg.AgentID, 0)
	w.mu.Lock()
	switch {
	case result.Success:
		w.stats.TasksCompleted++
	case !cancelled:
		w.stats.TasksFailed++
	}
	w.stats.CurrentTask = ""
	w.stats.LastActivity = time.Now()
	if w.state == StateWorking {
		w.state = StateIdle
	}
	w.mu.Unlock()
}

// execute runs the strategy pipeline. Any panic inside it becomes an error.
func (w *Worker) execute(ctx context.Context, task *tasks.Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Outcome{}, fmt.Errorf("strategy panicked: %v", r)
		}
	}()

	pc := w.snapshot(ctx)
	if err := w.checkpoint(ctx, task.ID); err != nil {
		return Outcome{}, err
	}

	analysis, err := w.strategy.Analyze(ctx, task, pc)
	if err != nil {
		return Outcome{}, fmt.Errorf("analyze: %w", err)
	}
	if err := w.checkpoint(ctx, task.ID); err != nil {
		return Outcome{}, err
	}

	solutions, err := w.strategy.ProposeOptions(ctx, analysis)
	if err != nil {
		return Outcome{}, fmt.Errorf("propose options: %w", err)
	}
	if len(solutions) == 0 {
		return Outcome{}, ErrNoSolutions
	}
	best, err := w.strategy.SelectBest(ctx, solutions)
	if err != nil {
		return Outcome{}, fmt.Errorf("select best: %w", err)
	}
	if err := w.checkpoint(ctx, task.ID); err != nil {
		return Outcome{}, err
	}

	if w.approver != nil {
		ok, err := w.approver.RequestApproval(ctx, Proposal{
			AgentID:  w.cfg.AgentID,
			Task:     task,
			Analysis: analysis,
			Solution: best,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("approval: %w", err)
		}
		if !ok {
			return Outcome{}, fmt.Errorf("%s: %w", best.ID, ErrRejected)
		}
		if err := w.checkpoint(ctx, task.ID); err != nil {
			return Outcome{}, err
		}
	}

	out, err = w.strategy.Execute(ctx, best, task, pc)
	if err != nil {
		return out, fmt.Errorf("execute: %w", err)
	}
	return out, nil
}

// checkpoint is where cooperative cancellation is observed.
func (w *Worker) checkpoint(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.queue.IsCancelled(taskID) {
		return ErrCancelled
	}
	return nil
}

// snapshot never fails: a provider error degrades to an empty context.
func (w *Worker) snapshot(ctx context.Context) ProjectContext {
	if w.provider == nil {
		return ProjectContext{}
	}
	pc, err := w.provider.Snapshot(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Project context unavailable, using empty snapshot")
		return ProjectContext{}
	}
	return pc
}

func (w *Worker) monitor(ctx context.Context) {
	if !w.transition(StateIdle, StateMonitoring) {
		return
	}
	defer w.transition(StateMonitoring, StateIdle)

	if w.scanner != nil {
		if err := w.safeScan(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Monitoring pass failed")
			w.observer.RecordError(w.cfg.AgentID, err)
		}
	}

	w.mu.Lock()
	w.lastMonitor = time.Now()
	w.stats.LastActivity = w.lastMonitor
	w.mu.Unlock()
	w.observer.UpdateActivity(w.cfg.AgentID)
}

func (w *Worker) safeScan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scanner panicked: %v", r)
		}
	}()
	return w.scanner.Scan(ctx, w.snapshot(ctx))
}

// onMessage runs on the publisher's goroutine, so the actual answer is produced in the
// background and tracked for Stop.
func (w *Worker) onMessage(msg bus.Message) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	ctx := w.ctx
	w.handlers.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.handlers.Done()
		w.answer(ctx, msg)
	}()
	return nil
}

// answer always responds to a correlated request. When the Peer hook fails the requester
// receives an ErrorReply instead of waiting for its timeout.
func (w *Worker) answer(ctx context.Context, msg bus.Message) {
	if w.transition(StateIdle, StateCommunicating) {
		defer w.transition(StateCommunicating, StateIdle)
	}

	log := w.log.With().Str("message_id", msg.ID).Str("from", msg.From).Str("type", string(msg.Type)).Logger()

	var responseType bus.MessageType
	var hook func(context.Context, bus.Message) (interface{}, error)
	switch msg.Type {
	case bus.Question:
		responseType = bus.Answer
		if w.peer != nil {
			hook = w.peer.AnswerQuestion
		}
	case bus.CollaborationRequest:
		responseType = bus.CollaborationResponse
		if w.peer != nil {
			hook = w.peer.HandleCollaboration
		}
	default:
		return
	}

	reply, err := callHook(ctx, hook, msg)
	if err != nil {
		log.Warn().Err(err).Msg("Peer hook failed, sending error reply")
		w.observer.RecordError(w.cfg.AgentID, err)
		reply = ErrorReply{Error: err.Error()}
	}

	if msg.CorrelationID != "" {
		if err := w.bus.Respond(msg, responseType, reply); err != nil {
			log.Warn().Err(err).Msg("Failed to respond")
		}
	}

	w.mu.Lock()
	w.stats.LastActivity = time.Now()
	w.mu.Unlock()
	w.observer.UpdateActivity(w.cfg.AgentID)
}

func callHook(ctx context.Context, hook func(context.Context, bus.Message) (interface{}, error), msg bus.Message) (reply interface{}, err error) {
	if hook == nil {
		return nil, ErrNoPeer
	}
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("peer hook panicked: %v", r)
		}
	}()
	return hook(ctx, msg)
}

// Ask sends a question to another agent and waits for the answer.
func (w *Worker) Ask(ctx context.Context, to string, question interface{}) (bus.Message, error) {
	return w.bus.Request(ctx, w.cfg.AgentID, to, bus.Question, question, w.cfg.RequestTimeout)
}

// Collaborate asks another agent to take part in a piece of work and waits for its reply.
func (w *Worker) Collaborate(ctx context.Context, to string, request interface{}) (bus.Message, error) {
	return w.bus.Request(ctx, w.cfg.AgentID, to, bus.CollaborationRequest, request, w.cfg.RequestTimeout)
}

// Broadcast publishes payload to every other agent subscribed to t.
func (w *Worker) Broadcast(t bus.MessageType, payload interface{}) bus.Message {
	return w.bus.Publish(bus.Message{Type: t, From: w.cfg.AgentID, Payload: payload})
}

// transition moves from one state to another only if the worker is currently in from.
func (w *Worker) transition(from, to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type noopObserver struct{}

func (noopObserver) UpdateActivity(string)            {}
func (noopObserver) RecordTaskCompleted(string, bool) {}
func (noopObserver) RecordError(string, error)        {}
