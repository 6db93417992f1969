// Package store provides an in-memory workflow.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/team-desk/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one mutex, which makes every
// operation trivially atomic.
type Memory struct {
	mu            sync.RWMutex
	users         map[workflow.UserID]*workflow.User
	userSeq       map[workflow.UserID]int
	requests      map[workflow.RequestID]*workflow.Request
	notifications []workflow.Notification
	accruals      map[string]workflow.AccrualRun
	seq           int
}

var _ workflow.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[workflow.UserID]*workflow.User),
		userSeq:  make(map[workflow.UserID]int),
		requests: make(map[workflow.RequestID]*workflow.Request),
		accruals: make(map[string]workflow.AccrualRun),
	}
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) InsertUser(_ context.Context, u workflow.User) (workflow.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok {
		return *existing, nil
	}
	if len(m.users) == 0 {
		u.Role = workflow.RoleAdmin
	}
	m.seq++
	m.users[u.ID] = &u
	m.userSeq[u.ID] = m.seq
	return u, nil
}

func (m *Memory) GetUser(_ context.Context, id workflow.UserID) (*workflow.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]workflow.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]workflow.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.userSeq[out[i].ID] > m.userSeq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) UpdateRole(_ context.Context, id workflow.UserID, role workflow.Role) (*workflow.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	u.Role = role
	out := *u
	return &out, nil
}

func (m *Memory) SetBalance(_ context.Context, id workflow.UserID, balance decimal.Decimal) (*workflow.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	u.PaidLeaveBalance = balance
	out := *u
	return &out, nil
}

func (m *Memory) SetBalances(_ context.Context, balances map[workflow.UserID]decimal.Decimal) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, balance := range balances {
		if u, ok := m.users[id]; ok {
			u.PaidLeaveBalance = balance
			n++
		}
	}
	return n, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) CreateRequest(_ context.Context, r workflow.Request) (workflow.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := workflow.FirstRequestNo
	for _, existing := range m.requests {
		if existing.RequestNo >= next {
			next = existing.RequestNo + 1
		}
	}
	r.RequestNo = next
	m.requests[r.ID] = &r
	return r, nil
}

func (m *Memory) GetRequest(_ context.Context, id workflow.RequestID) (*workflow.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (m *Memory) ListRequests(_ context.Context, filter workflow.ListFilter, offset, limit int) ([]workflow.Request, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []workflow.Request
	for _, r := range m.requests {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.UserID != nil && r.UserID != *filter.UserID {
			continue
		}
		matched = append(matched, *r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].RequestNo > matched[j].RequestNo
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []workflow.Request{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *Memory) DeleteRequest(_ context.Context, id workflow.RequestID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[id]; !ok {
		return false, nil
	}
	delete(m.requests, id)
	return true, nil
}

// ApplyTransition checks the expected status and the balance before writing
// anything, so a rejected transition leaves no trace.
func (m *Memory) ApplyTransition(_ context.Context, t workflow.Transition) (workflow.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[t.RequestID]
	if !ok {
		return workflow.Request{}, &workflow.NotFoundError{Kind: "request", ID: string(t.RequestID)}
	}
	if r.Status != t.From {
		return workflow.Request{}, workflow.ErrConcurrentModification
	}

	var owner *workflow.User
	if t.Deduct.IsPositive() {
		owner = m.users[t.Owner]
		if owner == nil || owner.PaidLeaveBalance.LessThan(t.Deduct) {
			available := decimal.Zero
			if owner != nil {
				available = owner.PaidLeaveBalance
			}
			return workflow.Request{}, &workflow.InsufficientBalanceError{
				UserID:    t.Owner,
				Available: available,
				Requested: t.Deduct,
			}
		}
	}

	if owner != nil {
		owner.PaidLeaveBalance = owner.PaidLeaveBalance.Sub(t.Deduct)
	}
	actionBy := t.ActionBy
	r.Status = t.To
	r.Comment = t.Comment
	r.ActionBy = &actionBy
	r.UpdatedAt = t.At
	return *r, nil
}

func (m *Memory) CountByStatus(_ context.Context, userID *workflow.UserID) (workflow.StatusCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := workflow.NewStatusCounts()
	for _, r := range m.requests {
		if userID != nil && r.UserID != *userID {
			continue
		}
		counts[r.Status]++
	}
	return counts, nil
}

func (m *Memory) DailyCounts(_ context.Context, since time.Time) ([]workflow.DailyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDay := make(map[string]int)
	for _, r := range m.requests {
		if r.CreatedAt.Before(since) {
			continue
		}
		byDay[r.CreatedAt.UTC().Format("2006-01-02")]++
	}

	out := make([]workflow.DailyCount, 0, len(byDay))
	for day, n := range byDay {
		out = append(out, workflow.DailyCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) ResolutionDurations(_ context.Context) ([]time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []time.Duration
	for _, r := range m.requests {
		if r.Status == workflow.StatusResolved {
			out = append(out, r.UpdatedAt.Sub(r.CreatedAt))
		}
	}
	return out, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (m *Memory) InsertNotifications(_ context.Context, ns []workflow.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifications = append(m.notifications, ns...)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID workflow.UserID, limit int) ([]workflow.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []workflow.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if m.notifications[i].UserID == userID {
			out = append(out, m.notifications[i])
		}
	}
	return out, nil
}

func (m *Memory) MarkAllRead(_ context.Context, userID workflow.UserID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for i := range m.notifications {
		if m.notifications[i].UserID == userID && !m.notifications[i].IsRead {
			m.notifications[i].IsRead = true
			n++
		}
	}
	return n, nil
}

// =============================================================================
// ACCRUAL
// =============================================================================

func (m *Memory) ApplyAccrual(_ context.Context, run workflow.AccrualRun) (workflow.AccrualRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.accruals[run.Period]; done {
		return workflow.AccrualRun{}, workflow.ErrAlreadyAccrued
	}
	for _, u := range m.users {
		u.PaidLeaveBalance = u.PaidLeaveBalance.Add(run.Amount)
	}
	run.UsersCredited = len(m.users)
	m.accruals[run.Period] = run
	return run, nil
}

func (m *Memory) ListAccrualRuns(_ context.Context) ([]workflow.AccrualRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]workflow.AccrualRun, 0, len(m.accruals))
	for _, r := range m.accruals {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period > out[j].Period })
	return out, nil
}
