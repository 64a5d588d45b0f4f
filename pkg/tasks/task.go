// Package tasks defines the core data structures shared by the swarm queue, its workers and
// the orchestrator. Tasks are units of work that are enqueued, claimed by the best-fitting
// agent, executed, and retried on failure up to a bounded number of attempts.
package tasks

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultMaxAttempts is used when a submitter does not bound the attempts of a task.
const DefaultMaxAttempts = 3

// Priority determines the bucket a task waits in.
// Higher priority buckets are always drained before lower ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityImmediate
)

// Priorities lists every priority from most to least urgent, the order buckets are scanned in.
var Priorities = []Priority{PriorityImmediate, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityImmediate
}

// ParsePriority accepts the names produced by Priority.String, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "default", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "immediate", "critical":
		return PriorityImmediate, nil
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBlocked || s == StatusCancelled
}

// Spec is what a submitter provides; the queue turns it into a Task.
type Spec struct {
	Description string `json:"description"`
	Type        string `json:"type"`

	// Specialization is the domain tag the task targets. Empty means the task type doubles
	// as its specialization.
	Specialization string `json:"specialization,omitempty"`

	Payload     interface{} `json:"payload,omitempty"`
	MaxAttempts int         `json:"max_attempts,omitempty"`
}

// Task represents a unit of work moving through the swarm queue.
//
// The queue owns the record while it is pending or in progress; the claiming worker receives
// a clone for the execution window and reports back by task id.
type Task struct {
	// ID is a unique identifier for the task (UUID).
	ID string `json:"id"`

	Description    string `json:"description"`
	Type           string `json:"type"`
	Specialization string `json:"specialization"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// Payload contains the job-specific data as a generic interface.
	// Strategies are responsible for type assertion based on the Type field.
	Payload interface{} `json:"payload,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AssignedWorker string `json:"assigned_worker,omitempty"`

	// Attempts counts claims. It is incremented on every dequeue, so a task that failed
	// MaxAttempts times has Attempts == MaxAttempts and is blocked.
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// Capabilities is what an agent advertises to the queue.
type Capabilities struct {
	AgentID         string   `json:"agent_id"`
	Specializations []string `json:"specializations"`

	// CurrentLoad is the agent's saturation, 0 (idle) to 1 (fully busy).
	CurrentLoad    float64  `json:"current_load"`
	PreferredTasks []string `json:"preferred_tasks"`
}

// HasSpecialization reports whether tag is one of the agent's specializations.
func (c Capabilities) HasSpecialization(tag string) bool {
	return contains(c.Specializations, tag)
}

// Prefers reports whether the agent lists taskType among its preferred task types.
func (c Capabilities) Prefers(taskType string) bool {
	return contains(c.PreferredTasks, taskType)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ClampLoad bounds a load value to [0,1]. NaN counts as saturated.
func ClampLoad(load float64) float64 {
	switch {
	case math.IsNaN(load):
		return 1
	case load < 0:
		return 0
	case load > 1:
		return 1
	}
	return load
}

// Result is the outcome of a task's terminal attempt sequence.
type Result struct {
	TaskID       string        `json:"task_id"`
	Success      bool          `json:"success"`
	WorkerID     string        `json:"worker_id"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	FilesChanged []string      `json:"files_changed,omitempty"`
	Attempts     int           `json:"attempts"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Statistics is a point-in-time view of the queue.
type Statistics struct {
	Pending    int              `json:"pending"`
	InProgress int              `json:"in_progress"`
	Completed  int              `json:"completed"`
	Blocked    int              `json:"blocked"`
	Cancelled  int              `json:"cancelled"`
	ByPriority map[Priority]int `json:"by_priority"`
	Agents     int              `json:"agents"`
}
