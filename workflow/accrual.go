package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ACCRUAL JOB - Monthly leave balance credit
// =============================================================================

// DefaultMonthlyAccrual is credited to every user once per calendar month.
var DefaultMonthlyAccrual = decimal.RequireFromString("2.5")

// periodLayout keys accrual runs by calendar month.
const periodLayout = "2006-01"

// PeriodOf returns the accrual period containing t.
func PeriodOf(t time.Time) string { return t.UTC().Format(periodLayout) }

// AccrualJob credits every user's paid leave balance. Each period is applied
// at most once; the store rejects a second run with ErrAlreadyAccrued.
type AccrualJob struct {
	Store  AccrualStore
	Amount decimal.Decimal
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func NewAccrualJob(store AccrualStore, amount decimal.Decimal, log logrus.FieldLogger) *AccrualJob {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AccrualJob{
		Store:  store,
		Amount: amount,
		Log:    log.WithField("component", "accrual"),
		Now:    time.Now,
	}
}

// Run applies the accrual for period (YYYY-MM).
func (j *AccrualJob) Run(ctx context.Context, period string) (*AccrualRun, error) {
	if _, err := time.Parse(periodLayout, period); err != nil {
		return nil, invalid("period", "must look like YYYY-MM")
	}
	if !j.Amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}

	run, err := j.Store.ApplyAccrual(ctx, AccrualRun{
		Period:    period,
		Amount:    j.Amount,
		AppliedAt: j.now(),
	})
	if errors.Is(err, ErrAlreadyAccrued) {
		j.Log.WithField("period", period).Info("accrual already applied, skipping")
		return nil, err
	}
	if err != nil {
		j.Log.WithError(err).WithField("period", period).Error("accrual failed")
		return nil, err
	}

	j.Log.WithFields(logrus.Fields{
		"period": period,
		"amount": run.Amount.String(),
		"users":  run.UsersCredited,
	}).Info("accrual applied")
	return &run, nil
}

// RunCurrent applies the accrual for the current month.
func (j *AccrualJob) RunCurrent(ctx context.Context) (*AccrualRun, error) {
	return j.Run(ctx, PeriodOf(j.now()))
}

// Runs lists past runs, newest first.
func (j *AccrualJob) Runs(ctx context.Context) ([]AccrualRun, error) {
	runs, err := j.Store.ListAccrualRuns(ctx)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []AccrualRun{}
	}
	return runs, nil
}

func (j *AccrualJob) now() time.Time {
	if j.Now == nil {
		return time.Now().UTC()
	}
	return j.Now().UTC()
}
