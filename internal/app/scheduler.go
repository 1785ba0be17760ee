package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *logrus.Entry
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs) *Scheduler {
	logger := logrus.WithField("component", "scheduler")
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(logger))))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
	}
}

// Start registers the jobs and starts the cron scheduler. An empty schedule disables its job.
func (s *Scheduler) Start(staleSweepSchedule, unmatchedReplaySchedule string) {
	s.schedule("stale transfer sweep", staleSweepSchedule, s.jobs.SweepStaleTransfers)
	s.schedule("unmatched callback replay", unmatchedReplaySchedule, s.jobs.ReplayUnmatchedCallbacks)
	s.cron.Start()
}

func (s *Scheduler) schedule(name, expr string, job func()) {
	log := s.logger.WithFields(logrus.Fields{"job": name, "schedule": expr})
	if expr == "" {
		log.Info("job disabled")
		return
	}
	if _, err := s.cron.AddFunc(expr, job); err != nil {
		log.WithError(err).Error("failed to schedule job")
		return
	}
	log.Info("scheduled job")
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
