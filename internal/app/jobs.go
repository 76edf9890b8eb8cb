/**
 * @description
 * Cron scheduler setup for the periodic ledger sweep. The sweep re-verifies
 * listings that have not moved within the configured TTL and corrects rows
 * the chain contradicts.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	reconciler *Reconciler
	staleTTL   time.Duration
	timeout    time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(reconciler *Reconciler, staleTTL time.Duration) *Jobs {
	if staleTTL <= 0 {
		staleTTL = 30 * time.Minute
	}
	return &Jobs{
		reconciler: reconciler,
		staleTTL:   staleTTL,
		timeout:    5 * time.Minute,
	}
}

// SweepStaleListings runs one reconciliation sweep. Each run carries its own
// id so overlapping log lines stay attributable.
func (j *Jobs) SweepStaleListings() {
	runID := uuid.New().String()
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	log.Printf("level=info component=sweep_job run_id=%s msg=\"starting stale listing sweep\" ttl=%s", runID, j.staleTTL)
	report, err := j.reconciler.SweepStaleListings(ctx, j.staleTTL)
	if err != nil {
		log.Printf("level=error component=sweep_job run_id=%s msg=\"sweep failed\" err=%v", runID, err)
		return
	}
	log.Printf("level=info component=sweep_job run_id=%s examined=%d corrected=%d skipped=%d msg=\"sweep finished\"", runID, report.Examined, report.Corrected, report.Skipped)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, schedule string) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.SweepStaleListings); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule sweep job\" schedule=%q err=%v", s.schedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled sweep job\" schedule=%q", s.schedule)
	}
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
