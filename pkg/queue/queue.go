// Package queue provides the in-memory swarm task queue.
// It supports best-fit task distribution with features including:
//   - Four strict priority buckets (immediate, high, medium, low)
//   - Capability-aware dequeue: the claiming agent picks the task that fits it best
//   - Load gating so saturated agents are never handed work
//   - Bounded retry, after which a task is blocked
//   - Cooperative cancellation of pending and in-flight tasks
//
// The Queue type is the main entry point. Cron-driven submission lives in Scheduler and
// terminal results can be mirrored to a ResultArchive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/agentswarm/pkg/events"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/metrics"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

// Fitness weights used by Dequeue.
const (
	specializationWeight = 50
	preferenceWeight     = 30
	idleWeight           = 20
	maxWaitBonus         = 10
)

// ErrTaskNotInProgress is returned by Complete for a task that is not currently claimed,
// typically because it was cancelled while a worker was executing it.
var ErrTaskNotInProgress = errors.New("task is not in progress")

// Queue holds every task known to the swarm.
//
// Queue Architecture:
//   - buckets: one FIFO slice per priority holding pending tasks
//   - processing: tasks claimed by an agent and not yet reported
//   - finished: completed, blocked and cancelled tasks
//   - results: terminal TaskResults keyed by task id
//
// A task id lives in exactly one of buckets, processing and finished. All mutation happens
// under mu, which makes the scan-and-claim in Dequeue a single critical section.
type Queue struct {
	mu         sync.Mutex
	buckets    map[tasks.Priority][]*tasks.Task
	processing map[string]*tasks.Task
	finished   map[string]*tasks.Task
	results    map[string]tasks.Result
	agents     map[string]*tasks.Capabilities

	completed int
	blocked   int
	cancelled int

	maxAttempts int
	events      *events.Bus
	archive     ResultArchive
	now         func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithEvents publishes task lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(q *Queue) { q.events = bus }
}

// WithArchive mirrors terminal results to archive.
func WithArchive(archive ResultArchive) Option {
	return func(q *Queue) { q.archive = archive }
}

// WithDefaultMaxAttempts bounds tasks whose Spec leaves MaxAttempts unset.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now, for tests that need to age tasks.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		buckets:     make(map[tasks.Priority][]*tasks.Task, len(tasks.Priorities)),
		processing:  make(map[string]*tasks.Task),
		finished:    make(map[string]*tasks.Task),
		results:     make(map[string]tasks.Result),
		agents:      make(map[string]*tasks.Capabilities),
		maxAttempts: tasks.DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterAgent upserts the capabilities of an agent.
func (q *Queue) RegisterAgent(caps tasks.Capabilities) {
	c := caps
	c.Specializations = append([]string(nil), caps.Specializations...)
	c.PreferredTasks = append([]string(nil), caps.PreferredTasks...)
	c.CurrentLoad = tasks.ClampLoad(caps.CurrentLoad)

	q.mu.Lock()
	q.agents[caps.AgentID] = &c
	q.mu.Unlock()

	logger.Log.Debug().Str("agent_id", caps.AgentID).Strs("specializations", c.Specializations).Msg("Agent registered")
}

// UnregisterAgent forgets an agent. Tasks it is processing stay claimed.
func (q *Queue) UnregisterAgent(agentID string) {
	q.mu.Lock()
	delete(q.agents, agentID)
	q.mu.Unlock()
}

// UpdateAgentLoad records the agent's saturation. Unknown agents are ignored.
func (q *Queue) UpdateAgentLoad(agentID string, load float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if a, ok := q.agents[agentID]; ok {
		a.CurrentLoad = tasks.ClampLoad(load)
	}
}

// Agent returns a copy of the registered capabilities of agentID.
func (q *Queue) Agent(agentID string) (tasks.Capabilities, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.agents[agentID]
	if !ok {
		return tasks.Capabilities{}, false
	}
	return *a, true
}

// Enqueue creates a pending task from spec and appends it to the bucket for p.
func (q *Queue) Enqueue(spec tasks.Spec, p tasks.Priority) *tasks.Task {
	if !p.Valid() {
		p = tasks.PriorityMedium
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	specialization := spec.Specialization
	if specialization == "" {
		specialization = spec.Type
	}

	task := &tasks.Task{
		ID:             uuid.New().String(),
		Description:    spec.Description,
		Type:           spec.Type,
		Specialization: specialization,
		Priority:       p,
		Status:         tasks.StatusPending,
		Payload:        spec.Payload,
		QueuedAt:       q.now(),
		MaxAttempts:    maxAttempts,
	}

	q.mu.Lock()
	q.buckets[p] = append(q.buckets[p], task)
	snapshot := task.Clone()
	q.mu.Unlock()

	logger.Log.Info().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Str("priority", p.String()).
		Msg("Task enqueued")

	data := taskEventData(snapshot)
	q.events.Publish(events.TaskAdded, data)
	if p == tasks.PriorityImmediate {
		q.events.Publish(events.TaskImmediate, data)
	}
	return snapshot
}

// Dequeue claims the best-fitting pending task for agentID, or returns nil.
//
// Buckets are checked in the following order:
//  1. immediate
//  2. high
//  3. medium
//  4. low
//
// Within the first non-empty bucket every task is scored against the agent and the highest
// score wins; ties go to the task that arrived first. Unregistered agents and agents whose
// load has reached 1.0 get nothing.
func (q *Queue) Dequeue(agentID string) *tasks.Task {
	snapshot, now := q.claim(agentID)
	if snapshot == nil {
		return nil
	}

	metrics.QueueLatency.WithLabelValues(snapshot.Type).Observe(now.Sub(snapshot.QueuedAt).Seconds())
	logger.Log.Info().
		Str("task_id", snapshot.ID).
		Str("agent_id", agentID).
		Int("attempt", snapshot.Attempts).
		Msg("Task claimed")

	data := taskEventData(snapshot)
	q.events.Publish(events.TaskClaimed, data)
	return snapshot
}

// claim runs the scan-and-claim critical section and returns a copy of the claimed task.
func (q *Queue) claim(agentID string) (*tasks.Task, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	agent, ok := q.agents[agentID]
	if !ok || !(agent.CurrentLoad < 1.0) {
		return nil, now
	}

	var claimed *tasks.Task
	for _, p := range tasks.Priorities {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}

		best, bestScore := -1, math.Inf(-1)
		for i, t := range bucket {
			if s := fitness(t, agent, now); s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			// no score compared greater, take the oldest task
			best = 0
		}

		claimed = bucket[best]
		q.buckets[p] = append(bucket[:best:best], bucket[best+1:]...)
		break
	}
	if claimed == nil {
		return nil, now
	}

	started := now
	claimed.Status = tasks.StatusInProgress
	claimed.AssignedWorker = agentID
	claimed.StartedAt = &started
	claimed.Attempts++
	q.processing[claimed.ID] = claimed
	return claimed.Clone(), now
}

// fitness scores how well task suits agent. Higher is better.
func fitness(t *tasks.Task, agent *tasks.Capabilities, now time.Time) float64 {
	score := 0.0
	if agent.HasSpecialization(t.Specialization) {
		score += specializationWeight
	}
	if agent.Prefers(t.Type) {
		score += preferenceWeight
	}
	score += idleWeight * (1 - agent.CurrentLoad)
	score += math.Min(maxWaitBonus, now.Sub(t.QueuedAt).Minutes())
	return score
}

// Complete reports the outcome of the current attempt of taskID.
//
// Outcomes:
//   - success: the task is completed and its result recorded
//   - failure with attempts left: the task goes back to its original priority bucket
//   - failure on the last attempt: the task is blocked and its result recorded
//
// The assigned agent's load is cleared in every case.
func (q *Queue) Complete(taskID string, result tasks.Result) error {
	q.mu.Lock()

	task, ok := q.processing[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("complete %s: %w", taskID, ErrTaskNotInProgress)
	}
	delete(q.processing, taskID)

	if a, ok := q.agents[task.AssignedWorker]; ok {
		a.CurrentLoad = 0
	}

	now := q.now()
	result.TaskID = taskID
	result.Attempts = task.Attempts
	if result.WorkerID == "" {
		result.WorkerID = task.AssignedWorker
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}

	var (
		eventType = events.TaskCompleted
		status    = "success"
		terminal  = true
	)
	switch {
	case result.Success:
		task.Status = tasks.StatusCompleted
		task.LastError = ""
		q.completed++
	case task.Attempts < task.MaxAttempts:
		task.Status = tasks.StatusPending
		task.LastError = result.Error
		task.AssignedWorker = ""
		task.StartedAt = nil
		q.buckets[task.Priority] = append(q.buckets[task.Priority], task)
		eventType, status, terminal = events.TaskFailed, "retry", false
	default:
		task.Status = tasks.StatusBlocked
		task.LastError = result.Error
		q.blocked++
		eventType, status = events.TaskFailed, "blocked"
	}

	if terminal {
		completedAt := result.CompletedAt
		task.CompletedAt = &completedAt
		q.finished[taskID] = task
		q.results[taskID] = result
	}
	snapshot := task.Clone()
	q.mu.Unlock()

	metrics.TasksProcessed.WithLabelValues(status, snapshot.Type).Inc()

	log := logger.Log.Info()
	if !result.Success {
		log = logger.Log.Warn().Str("error", result.Error)
	}
	log.Str("task_id", taskID).
		Str("agent_id", result.WorkerID).
		Int("attempt", snapshot.Attempts).
		Str("status", string(snapshot.Status)).
		Msg("Task attempt finished")

	data := taskEventData(snapshot)
	data["success"] = result.Success
	data["retrying"] = !terminal
	if result.Error != "" {
		data["error"] = result.Error
	}
	q.events.Publish(eventType, data)

	if terminal && q.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := q.archive.Store(ctx, result); err != nil {
			logger.Log.Error().Err(err).Str("task_id", taskID).Msg("Failed to archive task result")
		}
	}
	return nil
}

// Cancel removes taskID from its bucket or from the processing set and marks it cancelled.
// It reports false, and does nothing, for unknown or already finished tasks.
//
// A worker executing a cancelled task finds out through IsCancelled; its later Complete
// call returns ErrTaskNotInProgress.
func (q *Queue) Cancel(taskID, reason string) bool {
	q.mu.Lock()

	task, ok := q.processing[taskID]
	if ok {
		delete(q.processing, taskID)
		if a, found := q.agents[task.AssignedWorker]; found {
			a.CurrentLoad = 0
		}
	} else {
		task = q.removePending(taskID)
	}
	if task == nil {
		q.mu.Unlock()
		return false
	}

	now := q.now()
	task.Status = tasks.StatusCancelled
	task.CompletedAt = &now
	task.LastError = reason
	q.finished[taskID] = task
	q.cancelled++
	snapshot := task.Clone()
	q.mu.Unlock()

	metrics.TasksProcessed.WithLabelValues("cancelled", snapshot.Type).Inc()
	logger.Log.Info().Str("task_id", taskID).Str("reason", reason).Msg("Task cancelled")

	data := taskEventData(snapshot)
	data["reason"] = reason
	q.events.Publish(events.TaskCancelled, data)
	return true
}

// removePending must be called with mu held.
func (q *Queue) removePending(taskID string) *tasks.Task {
	for _, p := range tasks.Priorities {
		bucket := q.buckets[p]
		for i, t := range bucket {
			if t.ID == taskID {
				q.buckets[p] = append(bucket[:i:i], bucket[i+1:]...)
				return t
			}
		}
	}
	return nil
}

// IsCancelled reports whether taskID has been cancelled.
func (q *Queue) IsCancelled(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.finished[taskID]
	return ok && t.Status == tasks.StatusCancelled
}

// Statistics returns point-in-time counts by state and by priority.
// It reads maintained counters and bucket lengths only, so it is cheap enough to poll.
func (q *Queue) Statistics() tasks.Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := tasks.Statistics{
		InProgress: len(q.processing),
		Completed:  q.completed,
		Blocked:    q.blocked,
		Cancelled:  q.cancelled,
		ByPriority: make(map[tasks.Priority]int, len(tasks.Priorities)),
		Agents:     len(q.agents),
	}
	for _, p := range tasks.Priorities {
		n := len(q.buckets[p])
		stats.ByPriority[p] = n
		stats.Pending += n
	}
	return stats
}

// Task returns a copy of taskID in whatever state it is.
func (q *Queue) Task(taskID string) (*tasks.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.processing[taskID]; ok {
		return t.Clone(), true
	}
	if t, ok := q.finished[taskID]; ok {
		return t.Clone(), true
	}
	for _, p := range tasks.Priorities {
		for _, t := range q.buckets[p] {
			if t.ID == taskID {
				return t.Clone(), true
			}
		}
	}
	return nil, false
}

// Result returns the terminal result recorded for taskID.
func (q *Queue) Result(taskID string) (tasks.Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[taskID]
	return r, ok
}

// Inspect returns up to limit pending tasks of priority p in claim order, without removing them.
func (q *Queue) Inspect(p tasks.Priority, limit int) []*tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.buckets[p]
	if limit <= 0 || limit > len(bucket) {
		limit = len(bucket)
	}
	out := make([]*tasks.Task, 0, limit)
	for _, t := range bucket[:limit] {
		out = append(out, t.Clone())
	}
	return out
}

func taskEventData(t *tasks.Task) map[string]interface{} {
	data := map[string]interface{}{
		"task_id":  t.ID,
		"type":     t.Type,
		"priority": t.Priority.String(),
		"status":   string(t.Status),
		"attempts": t.Attempts,
	}
	if t.AssignedWorker != "" {
		data["agent_id"] = t.AssignedWorker
	}
	return data
}
