// Package main provides a benchmark tool for the agent swarm to measure task throughput.
// It submits a large number of no-op tasks from concurrent submitters to an in-process swarm
// and measures how long the agents take to drain the queue.
//
// Usage:
//
//	go run ./benchmark -tasks 100000 -agents 8
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/agentswarm/pkg/config"
	"github.com/guido-cesarano/agentswarm/pkg/swarm"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

// noopStrategy completes every task immediately.
type noopStrategy struct{}

func (noopStrategy) Specialization() string { return "benchmark" }

func (noopStrategy) Analyze(_ context.Context, t *tasks.Task, pc worker.ProjectContext) (worker.Analysis, error) {
	return worker.Analysis{Problem: t.Description, Context: pc}, nil
}

func (noopStrategy) ProposeOptions(context.Context, worker.Analysis) ([]worker.Solution, error) {
	return []worker.Solution{{ID: "noop", Score: 1}}, nil
}

func (noopStrategy) SelectBest(_ context.Context, options []worker.Solution) (worker.Solution, error) {
	return options[0], nil
}

func (noopStrategy) Execute(context.Context, worker.Solution, *tasks.Task, worker.ProjectContext) (worker.Outcome, error) {
	return worker.Outcome{Success: true}, nil
}

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to submit")
	numSubmitters := flag.Int("submitters", 10, "Number of concurrent submitters")
	numAgents := flag.Int("agents", 8, "Number of agents draining the queue")
	flag.Parse()

	// Per-task logging would dominate the measurement
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	orch, err := swarm.New(config.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "build swarm: %v\n", err)
		os.Exit(1)
	}
	defer orch.Close()

	for i := 0; i < *numAgents; i++ {
		cfg := worker.Config{AgentID: fmt.Sprintf("agent-%d", i), PollInterval: time.Millisecond}
		if _, err := orch.AddWorker(cfg, noopStrategy{}); err != nil {
			fmt.Fprintf(os.Stderr, "add agent: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Agent Swarm Benchmark\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Tasks to submit: %d\n", *numTasks)
	fmt.Printf("Concurrent submitters: %d\n", *numSubmitters)
	fmt.Printf("Agents: %d\n\n", *numAgents)

	// Submit phase, agents not yet running
	fmt.Printf("Starting submit phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted atomic.Int64
	perSubmitter := *numTasks / *numSubmitters

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitter int) {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				orch.Submit(tasks.Spec{
					Description: fmt.Sprintf("task %d-%d", submitter, j),
					Type:        "benchmark",
					Payload:     map[string]interface{}{"submitter": submitter, "task": j},
				}, tasks.Priorities[j%len(tasks.Priorities)])
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(startSubmit)
	total := submitted.Load()

	fmt.Printf("✓ Submitted %d tasks in %s\n", total, submitTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(total)/submitTime.Seconds())

	// Processing phase
	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()
	if err := orch.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "start swarm: %v\n", err)
		os.Exit(1)
	}

	lastReport := time.Now()
	for {
		stats := orch.QueueStatistics()
		remaining := stats.Pending + stats.InProgress
		if remaining == 0 {
			break
		}

		if time.Since(lastReport) >= 2*time.Second {
			fmt.Printf("  Remaining: %d tasks\n", remaining)
			lastReport = time.Now()
		}
		time.Sleep(10 * time.Millisecond)
	}

	processTime := time.Since(startProcess)
	stats := orch.QueueStatistics()

	fmt.Printf("\n✓ All tasks processed in %s (completed %d, blocked %d)\n", processTime, stats.Completed, stats.Blocked)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(total)/processTime.Seconds())

	totalTime := submitTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(total)/totalTime.Seconds())
}
