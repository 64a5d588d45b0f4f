package queue

import (
	"github.com/robfig/cron/v3"

	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

// Enqueuer is the part of Queue the scheduler needs.
type Enqueuer interface {
	Enqueue(spec tasks.Spec, p tasks.Priority) *tasks.Task
}

// Scheduler enqueues recurring tasks on cron schedules.
type Scheduler struct {
	q    Enqueuer
	cron *cron.Cron
}

// NewScheduler creates a scheduler feeding q. Specs accept an optional seconds field and
// descriptors such as "@every 1m".
func NewScheduler(q Enqueuer) *Scheduler {
	return &Scheduler{
		q:    q,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
	}
}

// Schedule registers a job that enqueues a fresh task built from spec every time the cron
// expression fires. Each run gets its own task id.
func (s *Scheduler) Schedule(expr string, spec tasks.Spec, p tasks.Priority) (cron.EntryID, error) {
	return s.cron.AddFunc(expr, func() {
		task := s.q.Enqueue(spec, p)
		logger.Log.Info().
			Str("task_id", task.ID).
			Str("type", task.Type).
			Str("spec", expr).
			Msg("Scheduled task enqueued")
	})
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the cron scheduler in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
