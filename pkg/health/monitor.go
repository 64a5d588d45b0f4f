// Package health watches the swarm's workers and restarts the ones that stop or stall.
//
// A sweep marks a worker unhealthy when it is stopped, or when it reports itself as working but
// has not shown any activity for longer than MaxInactivity. Unhealthy workers are restarted
// (stop, wait RestartDelay, start) at most MaxRestartAttempts times in a row; after that the
// worker is reported as failed and left alone.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/agentswarm/pkg/events"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/metrics"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

const (
	DefaultInterval           = 10 * time.Second
	DefaultMaxInactivity      = 5 * time.Minute
	DefaultMaxRestartAttempts = 3
	DefaultRestartDelay       = 2 * time.Second
	DefaultStopTimeout        = 10 * time.Second

	// maxIncidents bounds the error and warning lists of each worker.
	maxIncidents = 10
)

// Config tunes the sweep and the restart policy. Zero values take the defaults; a negative
// RestartDelay restarts without waiting. StopTimeout bounds how long a restart waits for a
// stalled worker to let go of its task.
type Config struct {
	Interval           time.Duration `yaml:"interval"`
	MaxInactivity      time.Duration `yaml:"max_inactivity"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInactivity <= 0 {
		c.MaxInactivity = DefaultMaxInactivity
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.RestartDelay < 0 {
		c.RestartDelay = 0
	} else if c.RestartDelay == 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Worker is what the monitor needs from a supervised agent.
type Worker interface {
	ID() string
	State() worker.State
	Start(ctx context.Context) error
	Stop() error
}

// Incident is a timestamped error or warning.
type Incident struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// WorkerHealth is the monitor's view of one agent.
type WorkerHealth struct {
	AgentID         string        `json:"agent_id"`
	IsHealthy       bool          `json:"is_healthy"`
	State           worker.State  `json:"state"`
	LastActivity    time.Time     `json:"last_activity"`
	Uptime          time.Duration `json:"uptime"`
	TasksCompleted  int           `json:"tasks_completed"`
	TasksFailed     int           `json:"tasks_failed"`
	Errors          []Incident    `json:"errors"`
	Warnings        []Incident    `json:"warnings"`
	RestartAttempts int           `json:"restart_attempts"`
	Failed          bool          `json:"failed"`
}

type record struct {
	health    WorkerHealth
	startedAt time.Time
	worker    Worker
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithEvents publishes worker:* events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Monitor) { m.events = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor keeps a WorkerHealth record per agent and drives restarts.
// The activity callbacks satisfy worker.Observer.
type Monitor struct {
	cfg    Config
	events *events.Bus
	now    func() time.Time
	log    zerolog.Logger

	mu      sync.Mutex
	records map[string]*record

	// serializes sweeps so a manual Check never races the ticker
	sweep sync.Mutex

	runMu  sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a monitor. Call Start to begin periodic sweeps.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		log:     logger.For("health"),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Register puts w under supervision. Registering an id again replaces the worker but keeps
// the counters already collected for it.
func (m *Monitor) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := m.recordLocked(w.ID(), now)
	r.worker = w
	r.startedAt = now
	r.health.LastActivity = now
}

// Unregister stops supervising agentID and forgets its record.
func (m *Monitor) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, agentID)
}

// recordLocked must be called with mu held.
func (m *Monitor) recordLocked(agentID string, now time.Time) *record {
	r, ok := m.records[agentID]
	if !ok {
		r = &record{
			health: WorkerHealth{
				AgentID:      agentID,
				IsHealthy:    true,
				LastActivity: now,
			},
			startedAt: now,
		}
		m.records[agentID] = r
	}
	return r
}

// UpdateActivity marks agentID as alive now.
func (m *Monitor) UpdateActivity(agentID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.recordLocked(agentID, now).health.LastActivity = now
}

// RecordTaskCompleted counts a finished task attempt.
func (m *Monitor) RecordTaskCompleted(agentID string, success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	r := m.recordLocked(agentID, now)
	r.health.LastActivity = now
	if success {
		r.health.TasksCompleted++
	} else {
		r.health.TasksFailed++
	}
}

// RecordError keeps err in the agent's bounded error list.
func (m *Monitor) RecordError(agentID string, err error) {
	if m == nil || err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	r := m.recordLocked(agentID, now)
	r.health.Errors = appendIncident(r.health.Errors, Incident{At: now, Message: err.Error()})
}

func appendIncident(list []Incident, in Incident) []Incident {
	list = append(list, in)
	if len(list) > maxIncidents {
		list = append([]Incident(nil), list[len(list)-maxIncidents:]...)
	}
	return list
}

// Health returns a copy of agentID's record.
func (m *Monitor) Health(agentID string) (WorkerHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[agentID]
	if !ok {
		return WorkerHealth{}, false
	}
	return m.snapshotLocked(r), true
}

// AllHealth returns every record, sorted by agent id.
func (m *Monitor) AllHealth() []WorkerHealth {
	m.mu.Lock()
	out := make([]WorkerHealth, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, m.snapshotLocked(r))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (m *Monitor) snapshotLocked(r *record) WorkerHealth {
	h := r.health
	h.Errors = append([]Incident(nil), r.health.Errors...)
	h.Warnings = append([]Incident(nil), r.health.Warnings...)
	h.Uptime = m.now().Sub(r.startedAt)
	if r.worker != nil {
		h.State = r.worker.State()
	}
	return h
}

// Start runs a sweep every Interval until Stop is called or ctx is cancelled.
// Restarted workers are started with ctx, so they live as long as the caller wants them to.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.base = ctx
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx, m.done)
	m.log.Info().Dur("interval", m.cfg.Interval).Msg("Health monitor started")
}

// Stop ends the sweep loop and waits for a sweep in progress to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info().Msg("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// stopWorker stops w, giving up after StopTimeout or when ctx ends. A worker stuck in a
// strategy call keeps its goroutine; the sweep moves on without it.
func (m *Monitor) stopWorker(ctx context.Context, w Worker) error {
	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()

	t := time.NewTimer(m.cfg.StopTimeout)
	defer t.Stop()
	select {
	case err := <-stopped:
		if err != nil {
			m.log.Warn().Err(err).Str("agent_id", w.ID()).Msg("Stop before restart failed")
		}
		return nil
	case <-t.C:
		return fmt.Errorf("worker did not stop within %s", m.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) workerContext() context.Context {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.base != nil {
		return m.base
	}
	return context.Background()
}

type verdict struct {
	agentID string
	worker  Worker
	reason  string
}

// Check runs one sweep over every registered worker. ctx bounds the restart delay.
func (m *Monitor) Check(ctx context.Context) {
	m.sweep.Lock()
	defer m.sweep.Unlock()

	var unhealthy []verdict
	m.mu.Lock()
	now := m.now()
	for id, r := range m.records {
		if r.worker == nil {
			continue
		}
		state := r.worker.State()
		r.health.State = state

		reason := ""
		switch {
		case state == worker.StateStopped:
			reason = "worker stopped"
		case state == worker.StateWorking && now.Sub(r.health.LastActivity) > m.cfg.MaxInactivity:
			reason = fmt.Sprintf("no activity for %s while working", now.Sub(r.health.LastActivity).Round(time.Second))
		}

		if reason == "" {
			r.health.IsHealthy = true
			if r.health.Failed {
				// brought back by hand; supervise it again
				r.health.Failed = false
				r.health.RestartAttempts = 0
				m.log.Info().Str("agent_id", id).Msg("Failed worker is healthy again")
			}
			continue
		}
		r.health.IsHealthy = false
		if r.health.Failed {
			continue
		}
		r.health.Warnings = appendIncident(r.health.Warnings, Incident{At: now, Message: reason})
		unhealthy = append(unhealthy, verdict{agentID: id, worker: r.worker, reason: reason})
	}
	m.mu.Unlock()

	m.updateGauge()
	if len(unhealthy) == 0 {
		return
	}

	sort.Slice(unhealthy, func(i, j int) bool { return unhealthy[i].agentID < unhealthy[j].agentID })
	for _, v := range unhealthy {
		if ctx.Err() != nil {
			return
		}
		m.log.Warn().Str("agent_id", v.agentID).Str("reason", v.reason).Msg("Worker unhealthy")
		m.events.Publish(events.WorkerUnhealthy, map[string]interface{}{
			"agent_id": v.agentID,
			"reason":   v.reason,
		})
		m.restart(ctx, v)
	}
	m.updateGauge()
}

// restart restarts v.worker unless its restart budget is spent.
func (m *Monitor) restart(ctx context.Context, v verdict) {
	m.mu.Lock()
	r, ok := m.records[v.agentID]
	if !ok || r.worker != v.worker {
		m.mu.Unlock()
		return
	}
	if r.health.RestartAttempts >= m.cfg.MaxRestartAttempts {
		r.health.Failed = true
		attempts := r.health.RestartAttempts
		m.mu.Unlock()

		m.log.Error().Str("agent_id", v.agentID).Int("restart_attempts", attempts).Msg("Worker failed, giving up on restarts")
		metrics.WorkerRestarts.WithLabelValues(v.agentID, "failed").Inc()
		m.events.Publish(events.WorkerFailed, map[string]interface{}{
			"agent_id":         v.agentID,
			"reason":           v.reason,
			"restart_attempts": attempts,
		})
		return
	}
	r.health.RestartAttempts++
	attempt := r.health.RestartAttempts
	m.mu.Unlock()

	log := m.log.With().Str("agent_id", v.agentID).Int("attempt", attempt).Logger()
	log.Info().Msg("Restarting worker")

	if err := m.stopWorker(ctx, v.worker); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		now := m.now()
		r = m.recordLocked(v.agentID, now)
		r.health.Errors = appendIncident(r.health.Errors, Incident{At: now, Message: "restart: " + err.Error()})
		m.mu.Unlock()

		log.Error().Err(err).Msg("Worker did not stop, restart abandoned")
		metrics.WorkerRestarts.WithLabelValues(v.agentID, "unsuccessful").Inc()
		return
	}

	if m.cfg.RestartDelay > 0 {
		t := time.NewTimer(m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	err := v.worker.Start(m.workerContext())
	if err == nil && v.worker.State() == worker.StateStopped {
		err = fmt.Errorf("worker stopped right after start")
	}

	m.mu.Lock()
	now := m.now()
	r = m.recordLocked(v.agentID, now)
	if err != nil {
		r.health.Errors = appendIncident(r.health.Errors, Incident{At: now, Message: "restart: " + err.Error()})
		m.mu.Unlock()

		log.Error().Err(err).Msg("Worker restart failed")
		metrics.WorkerRestarts.WithLabelValues(v.agentID, "unsuccessful").Inc()
		return
	}
	r.health.RestartAttempts = 0
	r.health.Errors = nil
	r.health.IsHealthy = true
	r.health.LastActivity = now
	r.startedAt = now
	m.mu.Unlock()

	log.Info().Msg("Worker restarted")
	metrics.WorkerRestarts.WithLabelValues(v.agentID, "restarted").Inc()
	m.events.Publish(events.WorkerRestarted, map[string]interface{}{
		"agent_id": v.agentID,
		"attempt":  attempt,
	})
}

func (m *Monitor) updateGauge() {
	m.mu.Lock()
	n := 0
	for _, r := range m.records {
		if r.worker != nil && !r.health.IsHealthy {
			n++
		}
	}
	m.mu.Unlock()
	metrics.UnhealthyWorkers.Set(float64(n))
}
