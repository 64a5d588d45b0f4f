package worker

import (
	"context"
	"time"

	"github.com/guido-cesarano/agentswarm/pkg/bus"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

// ProjectContext is a read-only snapshot of the workspace taken before each task.
type ProjectContext struct {
	Files       []string          `json:"files"`
	Directories []string          `json:"directories"`
	GitState    map[string]string `json:"git_state,omitempty"`
}

// Analysis is what a strategy understood about a task.
type Analysis struct {
	Problem     string         `json:"problem"`
	Context     ProjectContext `json:"context"`
	Constraints []string       `json:"constraints,omitempty"`
}

// Solution is one candidate proposed by a strategy.
type Solution struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Score       float64     `json:"score"`
	Detail      interface{} `json:"detail,omitempty"`
}

// Outcome is what executing a solution produced.
type Outcome struct {
	Success      bool     `json:"success"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Proposal is shown to the approval gate before execution.
type Proposal struct {
	AgentID  string      `json:"agent_id"`
	Task     *tasks.Task `json:"task"`
	Analysis Analysis    `json:"analysis"`
	Solution Solution    `json:"solution"`
}

// Strategy decides how an agent of a given specialization solves a task.
// The worker calls the methods in order: Analyze, ProposeOptions, SelectBest, Execute.
type Strategy interface {
	Specialization() string
	Analyze(ctx context.Context, task *tasks.Task, pc ProjectContext) (Analysis, error)
	ProposeOptions(ctx context.Context, analysis Analysis) ([]Solution, error)
	SelectBest(ctx context.Context, options []Solution) (Solution, error)
	Execute(ctx context.Context, solution Solution, task *tasks.Task, pc ProjectContext) (Outcome, error)
}

// Peer answers messages from other agents.
type Peer interface {
	AnswerQuestion(ctx context.Context, msg bus.Message) (interface{}, error)
	HandleCollaboration(ctx context.Context, msg bus.Message) (interface{}, error)
}

// Scanner runs the periodic monitoring pass of an idle agent.
type Scanner interface {
	Scan(ctx context.Context, pc ProjectContext) error
}

// ContextProvider builds the project snapshot handed to strategies.
type ContextProvider interface {
	Snapshot(ctx context.Context) (ProjectContext, error)
}

// Approver gates execution of the selected solution.
type Approver interface {
	RequestApproval(ctx context.Context, p Proposal) (bool, error)
}

// Observer receives liveness signals. The health monitor implements it.
type Observer interface {
	UpdateActivity(agentID string)
	RecordTaskCompleted(agentID string, success bool)
	RecordError(agentID string, err error)
}

// Queue is the part of the task queue a worker needs.
type Queue interface {
	RegisterAgent(caps tasks.Capabilities)
	UpdateAgentLoad(agentID string, load float64)
	Dequeue(agentID string) *tasks.Task
	Complete(taskID string, result tasks.Result) error
	IsCancelled(taskID string) bool
}

// ErrorReply is sent back to a requesting peer when a Peer hook fails, so the requester gets
// an answer instead of waiting out its timeout.
type ErrorReply struct {
	Error string `json:"error"`
}

// Stats are the worker's own counters.
type Stats struct {
	AgentID        string    `json:"agent_id"`
	State          State     `json:"state"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	LastActivity   time.Time `json:"last_activity"`
	StartedAt      time.Time `json:"started_at"`
	CurrentTask    string    `json:"current_task,omitempty"`
}
