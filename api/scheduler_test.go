package api

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/team-desk/workflow"
	"github.com/warp/team-desk/workflow/store"
)

func newTestScheduler(t *testing.T, catchUp bool) (*AccrualScheduler, *store.Memory) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	mem := store.NewMemory()
	_, err := mem.InsertUser(context.Background(), workflow.User{ID: "bob", Name: "Bob", Role: workflow.RoleUser})
	require.NoError(t, err)

	job := workflow.NewAccrualJob(mem, workflow.DefaultMonthlyAccrual, log)
	return NewAccrualScheduler(job, "", catchUp, log), mem
}

func TestScheduler_CatchUpOnStart(t *testing.T) {
	// GIVEN: A scheduler that catches up on start
	s, mem := newTestScheduler(t, true)

	// WHEN: It starts
	require.NoError(t, s.Start())
	defer s.Stop()

	// THEN: This month is already credited
	u, err := mem.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, u.PaidLeaveBalance.Equal(decimal.RequireFromString("2.5")))

	// AND: A manual run is a no-op
	_, err = s.RunNow(context.Background())
	assert.ErrorIs(t, err, workflow.ErrAlreadyAccrued)
}

func TestScheduler_NextRunIsFirstOfMonth(t *testing.T) {
	s, _ := newTestScheduler(t, false)
	assert.True(t, s.NextRun().IsZero())

	require.NoError(t, s.Start())
	next := s.NextRun()
	s.Stop()

	assert.Equal(t, 1, next.Day())
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, time.UTC, next.Location())
	assert.True(t, next.After(time.Now()))
	assert.True(t, s.NextRun().IsZero(), "stopped scheduler has no next run")
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, false)
	s.Schedule = "every tuesday"

	assert.Error(t, s.Start())
}

func TestScheduler_StartWithoutCatchUpLeavesBalances(t *testing.T) {
	s, mem := newTestScheduler(t, false)
	require.NoError(t, s.Start())
	defer s.Stop()

	u, err := mem.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, u.PaidLeaveBalance.IsZero())
}
