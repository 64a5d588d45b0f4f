package queue

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/agentswarm/pkg/events"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

func setupQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q := New(opts...)
	q.RegisterAgent(tasks.Capabilities{
		AgentID:         "frontend-1",
		Specializations: []string{"frontend"},
		PreferredTasks:  []string{"feature"},
	})
	return q
}

func spec(description, taskType string) tasks.Spec {
	return tasks.Spec{Description: description, Type: taskType, Specialization: "frontend"}
}

func TestEnqueue(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	got := make(chan events.Type, 4)
	unsub := bus.Subscribe(func(e events.Event) { got <- e.Type }, events.TaskAdded, events.TaskImmediate)
	defer unsub()

	q := setupQueue(t, WithEvents(bus))
	task := q.Enqueue(tasks.Spec{Description: "fix login", Type: "bugfix"}, tasks.PriorityImmediate)

	if task.ID == "" {
		t.Fatal("Expected a generated task ID")
	}
	if task.Status != tasks.StatusPending {
		t.Errorf("Expected status pending, got %s", task.Status)
	}
	if task.Specialization != "bugfix" {
		t.Errorf("Expected specialization to default to type, got %q", task.Specialization)
	}
	if task.MaxAttempts != tasks.DefaultMaxAttempts {
		t.Errorf("Expected max attempts %d, got %d", tasks.DefaultMaxAttempts, task.MaxAttempts)
	}

	for _, want := range []events.Type{events.TaskAdded, events.TaskImmediate} {
		select {
		case e := <-got:
			if e != want {
				t.Errorf("Expected event %s, got %s", want, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for %s", want)
		}
	}
}

func TestPriorityDequeue(t *testing.T) {
	q := setupQueue(t)

	a := q.Enqueue(spec("A", "feature"), tasks.PriorityLow)
	b := q.Enqueue(spec("B", "feature"), tasks.PriorityHigh)
	c := q.Enqueue(spec("C", "feature"), tasks.PriorityImmediate)
	d := q.Enqueue(spec("D", "feature"), tasks.PriorityMedium)

	for i, want := range []*tasks.Task{c, b, d, a} {
		got := q.Dequeue("frontend-1")
		if got == nil {
			t.Fatalf("Dequeue %d returned nothing", i+1)
		}
		if got.ID != want.ID {
			t.Errorf("Dequeue %d: expected %s, got %s", i+1, want.Description, got.Description)
		}
	}

	if got := q.Dequeue("frontend-1"); got != nil {
		t.Errorf("Expected empty queue, got %s", got.Description)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := setupQueue(t)

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, q.Enqueue(spec(fmt.Sprintf("task-%d", i), "feature"), tasks.PriorityMedium).ID)
	}

	for i, id := range want {
		got := q.Dequeue("frontend-1")
		if got == nil || got.ID != id {
			t.Fatalf("Dequeue %d: expected %s, got %+v", i, id, got)
		}
	}
}

func TestBestFitWithinBucket(t *testing.T) {
	q := setupQueue(t)

	other := q.Enqueue(tasks.Spec{Description: "db migration", Type: "migration", Specialization: "database"}, tasks.PriorityHigh)
	match := q.Enqueue(tasks.Spec{Description: "new page", Type: "feature", Specialization: "frontend"}, tasks.PriorityHigh)

	got := q.Dequeue("frontend-1")
	if got == nil || got.ID != match.ID {
		t.Fatalf("Expected the frontend task to win the auction, got %+v", got)
	}

	// Priority still beats fitness: a low-priority perfect match waits behind a high-priority mismatch.
	q.Enqueue(tasks.Spec{Description: "tweak css", Type: "feature", Specialization: "frontend"}, tasks.PriorityLow)
	got = q.Dequeue("frontend-1")
	if got == nil || got.ID != other.ID {
		t.Fatalf("Expected the remaining high priority task, got %+v", got)
	}
}

func TestWaitBonusBreaksTies(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := setupQueue(t, WithClock(clock))

	// Neither task matches the agent, so waiting time decides.
	older := q.Enqueue(tasks.Spec{Description: "old", Type: "docs", Specialization: "docs"}, tasks.PriorityMedium)
	now = now.Add(-5 * time.Minute)
	younger := q.Enqueue(tasks.Spec{Description: "backdated", Type: "docs", Specialization: "docs"}, tasks.PriorityMedium)
	now = now.Add(5 * time.Minute)

	got := q.Dequeue("frontend-1")
	if got == nil || got.ID != younger.ID {
		t.Fatalf("Expected the task that waited longer, got %+v", got)
	}
	if got = q.Dequeue("frontend-1"); got == nil || got.ID != older.ID {
		t.Fatalf("Expected the remaining task, got %+v", got)
	}
}

func TestDequeueIneligibleAgents(t *testing.T) {
	q := setupQueue(t)
	q.Enqueue(spec("A", "feature"), tasks.PriorityImmediate)

	if got := q.Dequeue("unknown"); got != nil {
		t.Errorf("Unregistered agent should get nothing, got %s", got.ID)
	}

	q.UpdateAgentLoad("frontend-1", 1.0)
	if got := q.Dequeue("frontend-1"); got != nil {
		t.Errorf("Saturated agent should get nothing, got %s", got.ID)
	}

	q.UpdateAgentLoad("frontend-1", 7) // clamped to 1
	if got := q.Dequeue("frontend-1"); got != nil {
		t.Errorf("Saturated agent should get nothing, got %s", got.ID)
	}

	q.UpdateAgentLoad("unknown", 0.5) // no-op
	q.UpdateAgentLoad("frontend-1", 0.2)
	if got := q.Dequeue("frontend-1"); got == nil {
		t.Error("Expected agent below saturation to receive the task")
	}
}

func TestNaNLoadIsSaturated(t *testing.T) {
	q := setupQueue(t)
	task := q.Enqueue(spec("render dashboard", "feature"), tasks.PriorityHigh)

	q.UpdateAgentLoad("frontend-1", math.NaN())
	if got := q.Dequeue("frontend-1"); got != nil {
		t.Fatalf("Expected no task for an agent with NaN load, got %s", got.ID)
	}

	done := make(chan tasks.Statistics, 1)
	go func() { done <- q.Statistics() }()
	select {
	case stats := <-done:
		if stats.Pending != 1 {
			t.Errorf("Expected the task to stay pending, got %+v", stats)
		}
	case <-time.After(time.Second):
		t.Fatal("Queue locked after dequeue with NaN load")
	}

	agent, _ := q.Agent("frontend-1")
	if agent.CurrentLoad != 1 {
		t.Errorf("Expected NaN load to clamp to 1, got %v", agent.CurrentLoad)
	}

	q.RegisterAgent(tasks.Capabilities{AgentID: "backend-1", CurrentLoad: math.NaN()})
	if got := q.Dequeue("backend-1"); got != nil {
		t.Errorf("Expected no task for an agent registered with NaN load")
	}

	q.UpdateAgentLoad("frontend-1", 0)
	got := q.Dequeue("frontend-1")
	if got == nil || got.ID != task.ID {
		t.Fatalf("Expected the task once the load is valid, got %v", got)
	}
}

func TestNoDoubleAssignment(t *testing.T) {
	q := New()
	const n = 50

	for i := 0; i < n; i++ {
		q.RegisterAgent(tasks.Capabilities{AgentID: fmt.Sprintf("agent-%d", i), Specializations: []string{"backend"}})
		q.Enqueue(tasks.Spec{Description: fmt.Sprintf("task-%d", i), Type: "api"}, tasks.Priorities[i%len(tasks.Priorities)])
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]string)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			task := q.Dequeue(agentID)
			if task == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[task.ID]; dup {
				t.Errorf("Task %s claimed by both %s and %s", task.ID, prev, agentID)
			}
			claimed[task.ID] = agentID
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	if len(claimed) != n {
		t.Errorf("Expected %d claimed tasks, got %d", n, len(claimed))
	}
	if stats := q.Statistics(); stats.Pending != 0 || stats.InProgress != n {
		t.Errorf("Unexpected statistics after claims: %+v", stats)
	}
}

func TestConcurrentDequeueSameAgent(t *testing.T) {
	q := setupQueue(t)
	q.Enqueue(spec("only", "feature"), tasks.PriorityHigh)

	var wg sync.WaitGroup
	results := make(chan *tasks.Task, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- q.Dequeue("frontend-1")
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for r := range results {
		if r != nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one successful dequeue, got %d", wins)
	}
}

func TestCompleteSuccess(t *testing.T) {
	q := setupQueue(t)
	task := q.Enqueue(spec("ship it", "feature"), tasks.PriorityMedium)

	claimed := q.Dequeue("frontend-1")
	if claimed.Status != tasks.StatusInProgress || claimed.AssignedWorker != "frontend-1" || claimed.Attempts != 1 {
		t.Fatalf("Unexpected claimed task: %+v", claimed)
	}
	if claimed.StartedAt == nil {
		t.Error("Expected StartedAt to be stamped")
	}
	q.UpdateAgentLoad("frontend-1", 1.0)

	err := q.Complete(task.ID, tasks.Result{Success: true, FilesChanged: []string{"index.html"}, Duration: time.Second})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	result, ok := q.Result(task.ID)
	if !ok || !result.Success || result.WorkerID != "frontend-1" || result.Attempts != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}
	stored, _ := q.Task(task.ID)
	if stored.Status != tasks.StatusCompleted || stored.CompletedAt == nil {
		t.Errorf("Expected completed task, got %+v", stored)
	}
	if agent, _ := q.Agent("frontend-1"); agent.CurrentLoad != 0 {
		t.Errorf("Expected load to be cleared, got %v", agent.CurrentLoad)
	}

	if err := q.Complete(task.ID, tasks.Result{Success: true}); !errors.Is(err, ErrTaskNotInProgress) {
		t.Errorf("Expected ErrTaskNotInProgress on second completion, got %v", err)
	}
}

func TestRetryBound(t *testing.T) {
	q := setupQueue(t)
	task := q.Enqueue(tasks.Spec{Description: "flaky", Type: "feature", Specialization: "frontend", MaxAttempts: 3}, tasks.PriorityHigh)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed := q.Dequeue("frontend-1")
		if claimed == nil {
			t.Fatalf("Attempt %d: expected task to be back in rotation", attempt)
		}
		if claimed.Attempts != attempt {
			t.Errorf("Attempt %d: got Attempts=%d", attempt, claimed.Attempts)
		}
		if claimed.Priority != tasks.PriorityHigh {
			t.Errorf("Attempt %d: retried at %s, want high", attempt, claimed.Priority)
		}
		if err := q.Complete(task.ID, tasks.Result{Success: false, Error: "boom"}); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if _, recorded := q.Result(task.ID); recorded != (attempt == 3) {
			t.Errorf("Attempt %d: result recorded=%v", attempt, recorded)
		}
	}

	if got := q.Dequeue("frontend-1"); got != nil {
		t.Fatalf("Blocked task was dequeued again: %+v", got)
	}

	result, ok := q.Result(task.ID)
	if !ok || result.Success || result.Attempts != 3 || result.Error != "boom" {
		t.Errorf("Unexpected terminal result: %+v", result)
	}
	stored, _ := q.Task(task.ID)
	if stored.Status != tasks.StatusBlocked {
		t.Errorf("Expected blocked status, got %s", stored.Status)
	}
	if stats := q.Statistics(); stats.Blocked != 1 || stats.Pending != 0 || stats.InProgress != 0 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}
}

func TestCancel(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	cancelled := make(chan events.Event, 2)
	unsub := bus.Subscribe(func(e events.Event) { cancelled <- e }, events.TaskCancelled)
	defer unsub()

	q := setupQueue(t, WithEvents(bus))
	pending := q.Enqueue(spec("pending", "feature"), tasks.PriorityLow)
	running := q.Enqueue(spec("running", "feature"), tasks.PriorityHigh)
	q.Dequeue("frontend-1")

	if !q.Cancel(pending.ID, "no longer needed") {
		t.Fatal("Expected pending task to be cancelled")
	}
	if !q.Cancel(running.ID, "superseded") {
		t.Fatal("Expected in-progress task to be cancelled")
	}
	if q.Cancel(running.ID, "again") || q.Cancel("missing", "") {
		t.Error("Cancel should be a no-op for finished or unknown tasks")
	}

	if !q.IsCancelled(running.ID) {
		t.Error("Expected IsCancelled to observe the cancellation")
	}
	if err := q.Complete(running.ID, tasks.Result{Success: true}); !errors.Is(err, ErrTaskNotInProgress) {
		t.Errorf("Expected late completion to be rejected, got %v", err)
	}
	if got := q.Dequeue("frontend-1"); got != nil {
		t.Errorf("Cancelled task dequeued: %+v", got)
	}

	e := <-cancelled
	if e.Data["reason"] != "no longer needed" {
		t.Errorf("Unexpected cancel event: %+v", e.Data)
	}
	if stats := q.Statistics(); stats.Cancelled != 2 {
		t.Errorf("Expected 2 cancelled tasks, got %d", stats.Cancelled)
	}
}

func TestStatistics(t *testing.T) {
	q := setupQueue(t)
	q.Enqueue(spec("a", "feature"), tasks.PriorityLow)
	q.Enqueue(spec("b", "feature"), tasks.PriorityLow)
	q.Enqueue(spec("c", "feature"), tasks.PriorityImmediate)
	done := q.Enqueue(spec("d", "feature"), tasks.PriorityHigh)

	q.Dequeue("frontend-1") // immediate task
	stats := q.Statistics()
	if stats.Pending != 3 || stats.InProgress != 1 || stats.Agents != 1 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}
	if stats.ByPriority[tasks.PriorityLow] != 2 || stats.ByPriority[tasks.PriorityImmediate] != 0 {
		t.Errorf("Unexpected per-priority counts: %+v", stats.ByPriority)
	}

	claimed := q.Dequeue("frontend-1")
	if claimed.ID != done.ID {
		t.Fatalf("Expected high priority task, got %s", claimed.Description)
	}
	q.Complete(done.ID, tasks.Result{Success: true})
	if stats := q.Statistics(); stats.Completed != 1 {
		t.Errorf("Expected 1 completed task, got %d", stats.Completed)
	}
}

func TestInspect(t *testing.T) {
	q := setupQueue(t)
	first := q.Enqueue(spec("first", "feature"), tasks.PriorityMedium)
	q.Enqueue(spec("second", "feature"), tasks.PriorityMedium)

	listed := q.Inspect(tasks.PriorityMedium, 1)
	if len(listed) != 1 || listed[0].ID != first.ID {
		t.Fatalf("Unexpected inspection: %+v", listed)
	}
	listed[0].Description = "mutated"
	if stored, _ := q.Task(first.ID); stored.Description != "first" {
		t.Error("Inspect leaked a mutable task record")
	}
	if all := q.Inspect(tasks.PriorityMedium, 0); len(all) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(all))
	}
}
