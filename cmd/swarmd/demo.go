package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guido-cesarano/agentswarm/pkg/bus"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

// demoStrategy lets swarmd run without a real reasoning backend. It proposes two canned
// solutions, picks the higher scored one and simulates the work by sleeping.
type demoStrategy struct {
	specialization string
	work           time.Duration
}

func newDemoStrategy(cfg worker.Config, work time.Duration) *demoStrategy {
	spec := "general"
	if len(cfg.Specializations) > 0 {
		spec = cfg.Specializations[0]
	}
	return &demoStrategy{specialization: spec, work: work}
}

func (d *demoStrategy) Specialization() string { return d.specialization }

func (d *demoStrategy) Analyze(_ context.Context, task *tasks.Task, pc worker.ProjectContext) (worker.Analysis, error) {
	return worker.Analysis{
		Problem: task.Description,
		Context: pc,
		Constraints: []string{
			fmt.Sprintf("stay within the %s layer", d.specialization),
		},
	}, nil
}

func (d *demoStrategy) ProposeOptions(_ context.Context, a worker.Analysis) ([]worker.Solution, error) {
	return []worker.Solution{
		{ID: "minimal", Description: "smallest change that solves " + a.Problem, Score: 0.6},
		{ID: "thorough", Description: "change plus tests for " + a.Problem, Score: 0.8},
	}, nil
}

func (d *demoStrategy) SelectBest(_ context.Context, options []worker.Solution) (worker.Solution, error) {
	best := options[0]
	for _, o := range options[1:] {
		if o.Score > best.Score {
			best = o
		}
	}
	return best, nil
}

func (d *demoStrategy) Execute(ctx context.Context, s worker.Solution, task *tasks.Task, _ worker.ProjectContext) (worker.Outcome, error) {
	if strings.Contains(strings.ToLower(task.Description), "fail") {
		return worker.Outcome{Success: false, Error: "simulated failure"}, nil
	}

	t := time.NewTimer(d.work)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return worker.Outcome{}, ctx.Err()
	case <-t.C:
	}

	file := fmt.Sprintf("%s/%s.go", d.specialization, strings.ReplaceAll(task.Type, " ", "_"))
	return worker.Outcome{Success: true, FilesChanged: []string{file}}, nil
}

func (d *demoStrategy) AnswerQuestion(_ context.Context, msg bus.Message) (interface{}, error) {
	return fmt.Sprintf("%s agent says: ask again after the current task (%v)", d.specialization, msg.Payload), nil
}

func (d *demoStrategy) HandleCollaboration(_ context.Context, _ bus.Message) (interface{}, error) {
	return map[string]interface{}{"accepted": true, "agent": d.specialization}, nil
}

func (d *demoStrategy) Scan(_ context.Context, pc worker.ProjectContext) error {
	logger.Log.Debug().Str("specialization", d.specialization).Int("files", len(pc.Files)).Msg("Monitoring pass")
	return nil
}
