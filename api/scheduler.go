/*
scheduler.go - Monthly accrual scheduler

PURPOSE:
  Fires the leave accrual job on a cron schedule (default: 00:00 UTC on the
  1st of every month) and exposes RunNow for the admin endpoint.

DESIGN:
  - robfig/cron drives the schedule; jobs are wrapped with Recover and
    SkipIfStillRunning so a panic or a slow run never takes the process down
  - Each month is applied at most once (AccrualJob + accrual_runs); a second
    trigger is logged as skipped
  - CatchUp runs the current month on Start, so a process that was down on
    the 1st still credits everyone once
  - Failures are logged and counted; there is no retry within the cycle

USAGE:
  scheduler := NewAccrualScheduler(job, "0 0 1 * *", true, log)
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop()

SEE ALSO:
  - workflow/accrual.go: AccrualJob
  - handlers.go: RunAccrual endpoint
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/metrics"
	"github.com/warp/team-desk/workflow"
)

// DefaultAccrualSchedule is midnight UTC on the first day of every month.
const DefaultAccrualSchedule = "0 0 1 * *"

// AccrualScheduler runs the accrual job periodically.
type AccrualScheduler struct {
	Job      *workflow.AccrualJob
	Schedule string
	CatchUp  bool
	Log      logrus.FieldLogger

	cron  *cron.Cron
	entry cron.EntryID
	mu    sync.Mutex
}

// NewAccrualScheduler creates a scheduler. An empty schedule means
// DefaultAccrualSchedule.
func NewAccrualScheduler(job *workflow.AccrualJob, schedule string, catchUp bool, log logrus.FieldLogger) *AccrualScheduler {
	if schedule == "" {
		schedule = DefaultAccrualSchedule
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AccrualScheduler{
		Job:      job,
		Schedule: schedule,
		CatchUp:  catchUp,
		Log:      log.WithField("component", "scheduler"),
	}
}

// Start registers the job and starts the cron loop.
func (s *AccrualScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	logger := cron.PrintfLogger(s.Log)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(s.Schedule, s.run)
	if err != nil {
		return fmt.Errorf("invalid accrual schedule %q: %w", s.Schedule, err)
	}

	if s.CatchUp {
		s.run()
	}

	c.Start()
	s.cron, s.entry = c, id
	s.Log.WithField("schedule", s.Schedule).WithField("next", c.Entry(id).Next).Info("started")
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.Log.Info("stopped")
}

// NextRun returns the next scheduled run, or zero when not started.
func (s *AccrualScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// RunNow applies the accrual for the current month.
func (s *AccrualScheduler) RunNow(ctx context.Context) (*workflow.AccrualRun, error) {
	start := time.Now()
	run, err := s.Job.RunCurrent(ctx)

	switch {
	case err == nil:
		metrics.RecordAccrual("applied", time.Since(start))
	case errors.Is(err, workflow.ErrAlreadyAccrued):
		metrics.RecordAccrual("skipped", time.Since(start))
	default:
		metrics.RecordAccrual("failed", time.Since(start))
	}
	return run, err
}

// run is the cron callback; errors end here.
func (s *AccrualScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	run, err := s.RunNow(ctx)
	switch {
	case err == nil:
		s.Log.WithField("period", run.Period).WithField("users", run.UsersCredited).Info("accrual completed")
	case errors.Is(err, workflow.ErrAlreadyAccrued):
		s.Log.Debug("accrual already applied for this month")
	default:
		s.Log.WithError(err).Error("accrual failed")
	}
}
