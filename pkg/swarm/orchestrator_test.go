package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/agentswarm/pkg/config"
	"github.com/guido-cesarano/agentswarm/pkg/events"
	"github.com/guido-cesarano/agentswarm/pkg/queue"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

// echoStrategy succeeds on every task, reporting a file named after the task type.
type echoStrategy struct{ tag string }

func (e echoStrategy) Specialization() string { return e.tag }

func (e echoStrategy) Analyze(_ context.Context, task *tasks.Task, pc worker.ProjectContext) (worker.Analysis, error) {
	return worker.Analysis{Problem: task.Description, Context: pc}, nil
}

func (e echoStrategy) ProposeOptions(_ context.Context, a worker.Analysis) ([]worker.Solution, error) {
	return []worker.Solution{{ID: "only", Description: a.Problem, Score: 1}}, nil
}

func (e echoStrategy) SelectBest(_ context.Context, options []worker.Solution) (worker.Solution, error) {
	return options[0], nil
}

func (e echoStrategy) Execute(_ context.Context, _ worker.Solution, task *tasks.Task, _ worker.ProjectContext) (worker.Outcome, error) {
	return worker.Outcome{Success: true, FilesChanged: []string{task.Type + ".go"}}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Health.Interval = 20 * time.Millisecond
	cfg.Health.RestartDelay = -1
	return cfg
}

func fastWorker(id string) worker.Config {
	return worker.Config{AgentID: id, PollInterval: 5 * time.Millisecond, MonitorInterval: time.Hour}
}

func setupSwarm(t *testing.T, cfg config.Config, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestSubmitAndComplete(t *testing.T) {
	o := setupSwarm(t, testConfig())
	_, err := o.AddWorker(fastWorker("frontend-1"), echoStrategy{tag: "frontend"})
	require.NoError(t, err)
	_, err = o.AddWorker(fastWorker("backend-1"), echoStrategy{tag: "backend"})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	task := o.SubmitTask("add login form", "frontend", tasks.PriorityHigh)
	assert.Equal(t, "frontend", task.Specialization)

	var result tasks.Result
	require.Eventually(t, func() bool {
		var err error
		result, err = o.Result(context.Background(), task.ID)
		return err == nil
	}, waitFor, tick)

	assert.True(t, result.Success)
	assert.Contains(t, []string{"frontend-1", "backend-1"}, result.WorkerID)
	assert.Equal(t, []string{"frontend.go"}, result.FilesChanged)

	require.Eventually(t, func() bool {
		h, ok := o.WorkerHealth(result.WorkerID)
		return ok && h.TasksCompleted == 1
	}, waitFor, tick)

	stats := o.QueueStatistics()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Agents)
	assert.Len(t, o.AllHealth(), 2)
}

func TestDuplicateWorker(t *testing.T) {
	o := setupSwarm(t, testConfig())
	_, err := o.AddWorker(fastWorker("a"), echoStrategy{tag: "x"})
	require.NoError(t, err)

	_, err = o.AddWorker(fastWorker("a"), echoStrategy{tag: "y"})
	assert.ErrorIs(t, err, ErrDuplicateWorker)
	assert.Len(t, o.Workers(), 1)
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = []worker.Config{{AgentID: "a"}, {AgentID: "a"}}
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Schedules = []config.ScheduleConfig{{Spec: "not a cron spec", Type: "audit"}}
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	o := setupSwarm(t, testConfig())
	w, err := o.AddWorker(fastWorker("a"), echoStrategy{tag: "x"})
	require.NoError(t, err)

	require.NoError(t, o.Stop(), "stopping a stopped swarm is a no-op")
	require.NoError(t, o.Start(context.Background()))
	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, worker.StateIdle, w.State())

	require.NoError(t, o.Stop())
	assert.Equal(t, worker.StateStopped, w.State())
	assert.Zero(t, o.BusStatistics().Subscriptions)

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, worker.StateIdle, w.State())
}

func TestAddWorkerWhileRunning(t *testing.T) {
	o := setupSwarm(t, testConfig())
	require.NoError(t, o.Start(context.Background()))

	task := o.SubmitTask("migrate schema", "database", tasks.PriorityMedium)

	w, err := o.AddWorker(fastWorker("db-1"), echoStrategy{tag: "database"})
	require.NoError(t, err)
	assert.NotEqual(t, worker.StateStopped, w.State())

	require.Eventually(t, func() bool {
		r, err := o.Result(context.Background(), task.ID)
		return err == nil && r.Success
	}, waitFor, tick)
}

func TestCancelTask(t *testing.T) {
	o := setupSwarm(t, testConfig())

	task := o.SubmitTask("obsolete", "docs", tasks.PriorityLow)
	assert.True(t, o.CancelTask(task.ID, "no longer needed"))
	assert.False(t, o.CancelTask(task.ID, "again"))
	assert.False(t, o.CancelTask("missing", ""))

	stored, ok := o.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusCancelled, stored.Status)
	assert.Equal(t, 1, o.QueueStatistics().Cancelled)
}

func TestResultNotFound(t *testing.T) {
	o := setupSwarm(t, testConfig())
	_, err := o.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, queue.ErrResultNotFound)
}

func TestResultsMirroredToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()

	o := setupSwarm(t, cfg)
	_, err := o.AddWorker(fastWorker("a"), echoStrategy{tag: "ops"})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	task := o.SubmitTask("rotate keys", "ops", tasks.PriorityImmediate)
	require.Eventually(t, func() bool { return mr.Exists("result:" + task.ID) }, waitFor, tick)

	// a fresh swarm pointed at the same redis still finds the result
	other := setupSwarm(t, cfg)
	r, err := other.Result(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, "a", r.WorkerID)
}

func TestUnreachableRedis(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestEventStream(t *testing.T) {
	o := setupSwarm(t, testConfig())
	_, err := o.AddWorker(fastWorker("a"), echoStrategy{tag: "x"})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []events.Type
	unsub := o.Events().Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, o.Start(context.Background()))
	o.SubmitTask("urgent fix", "x", tasks.PriorityImmediate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 4
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Type{events.TaskAdded, events.TaskImmediate, events.TaskClaimed, events.TaskCompleted}, seen[:4])
}

func TestHealthMonitorRestartsStoppedWorker(t *testing.T) {
	o := setupSwarm(t, testConfig())
	w, err := o.AddWorker(fastWorker("fragile"), echoStrategy{tag: "x"})
	require.NoError(t, err)

	restarted := make(chan struct{}, 1)
	unsub := o.Events().Subscribe(func(events.Event) {
		select {
		case restarted <- struct{}{}:
		default:
		}
	}, events.WorkerRestarted)
	defer unsub()

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, w.Stop())

	select {
	case <-restarted:
	case <-time.After(waitFor):
		t.Fatal("worker was not restarted")
	}
	assert.NotEqual(t, worker.StateStopped, w.State())

	task := o.SubmitTask("after restart", "x", tasks.PriorityMedium)
	require.Eventually(t, func() bool {
		r, err := o.Result(context.Background(), task.ID)
		return err == nil && r.Success
	}, waitFor, tick)
}

func TestConfiguredSchedules(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleConfig{{Spec: "@every 1s", Description: "nightly audit", Type: "audit", Priority: "low"}}
	o := setupSwarm(t, cfg)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(o.InspectQueue(tasks.PriorityLow, 0)) >= 1
	}, waitFor, 50*time.Millisecond)

	pending := o.InspectQueue(tasks.PriorityLow, 1)
	assert.Equal(t, "nightly audit", pending[0].Description)
}
