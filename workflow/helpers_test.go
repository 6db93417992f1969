package workflow_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/team-desk/workflow"
	"github.com/warp/team-desk/workflow/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu        sync.Mutex
	broadcast []workflow.Event
	direct    map[workflow.UserID][]workflow.Event
}

func newRecorder() *recorder {
	return &recorder{direct: make(map[workflow.UserID][]workflow.Event)}
}

func (r *recorder) Broadcast(_ context.Context, ev workflow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, ev)
	return nil
}

func (r *recorder) SendTo(_ context.Context, id workflow.UserID, ev workflow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[id] = append(r.direct[id], ev)
	return nil
}

func (r *recorder) broadcasts(name string) []workflow.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []workflow.Event
	for _, ev := range r.broadcast {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) sentTo(id workflow.UserID) []workflow.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.Event(nil), r.direct[id]...)
}

type fixture struct {
	store    *store.Memory
	pub      *recorder
	requests *workflow.RequestService
	notifier *workflow.Notifier
	users    *workflow.UserDirectory
	accrual  *workflow.AccrualJob
	now      time.Time
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: store.NewMemory(),
		pub:   newRecorder(),
		now:   time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	log := quietLogger()

	f.notifier = workflow.NewNotifier(f.store, f.pub, log)
	f.notifier.Now = clock
	f.requests = workflow.NewRequestService(f.store, f.pub, f.notifier, log)
	f.requests.Now = clock
	f.users = workflow.NewUserDirectory(f.store, log)
	f.users.Now = clock
	f.accrual = workflow.NewAccrualJob(f.store, workflow.DefaultMonthlyAccrual, log)
	f.accrual.Now = clock
	return f
}

// addUser provisions a user with the given balance and returns its identity.
// The first call creates the admin.
func (f *fixture) addUser(t *testing.T, id string, balance float64) workflow.Identity {
	t.Helper()
	ctx := context.Background()

	u, err := f.users.Ensure(ctx, workflow.Profile{ID: workflow.UserID(id), Name: id, Email: id + "@example.com"})
	require.NoError(t, err)
	_, err = f.store.SetBalance(ctx, u.ID, decimal.NewFromFloat(balance))
	require.NoError(t, err)
	return workflow.Identity{UserID: u.ID, Role: u.Role}
}

func (f *fixture) balance(t *testing.T, id workflow.UserID) decimal.Decimal {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u.PaidLeaveBalance
}

func (f *fixture) createLeave(t *testing.T, who workflow.Identity, days float64) *workflow.RequestView {
	t.Helper()
	start := time.Date(2026, time.April, 6, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 4)
	d := decimal.NewFromFloat(days)

	view, err := f.requests.Create(context.Background(), who, workflow.CreateRequestInput{
		Query:       "Family trip",
		RequestType: workflow.TypeLeave,
		StartDate:   &start,
		EndDate:     &end,
		DaysCount:   &d,
	})
	require.NoError(t, err)
	return view
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
