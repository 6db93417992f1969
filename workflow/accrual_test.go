package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/team-desk/workflow"
)

func TestAccrual_CreditsEveryUserOnce(t *testing.T) {
	// GIVEN: users with assorted balances
	f := newFixture(t)
	admin := f.addUser(t, "admin", 0)
	alice := f.addUser(t, "alice", 10)
	bob := f.addUser(t, "bob", 1.25)
	ctx := context.Background()

	// WHEN: the job runs once
	run, err := f.accrual.RunCurrent(ctx)
	require.NoError(t, err)

	// THEN: everyone gets exactly 2.5
	assert.Equal(t, "2026-03", run.Period)
	assert.Equal(t, 3, run.UsersCredited)
	assertBalance(t, f, admin.UserID, "2.5")
	assertBalance(t, f, alice.UserID, "12.5")
	assertBalance(t, f, bob.UserID, "3.75")

	// WHEN: re-triggered in the same month
	_, err = f.accrual.RunCurrent(ctx)

	// THEN: nothing changes
	assert.ErrorIs(t, err, workflow.ErrAlreadyAccrued)
	assertBalance(t, f, alice.UserID, "12.5")

	// WHEN: the next month comes around
	f.now = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.accrual.RunCurrent(ctx)
	require.NoError(t, err)
	assertBalance(t, f, alice.UserID, "15")

	runs, err := f.accrual.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "2026-04", runs[0].Period)
}

func TestAccrual_RejectsMalformedPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.accrual.Run(context.Background(), "March 2026")
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)
}

func TestPeriodOf(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2026-04-01 05:00 in UTC+9 is still March in UTC.
	assert.Equal(t, "2026-03", workflow.PeriodOf(time.Date(2026, time.April, 1, 5, 0, 0, 0, loc)))
}
