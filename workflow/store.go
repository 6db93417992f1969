/*
store.go - Persistence ports for the engine

PURPOSE:
  Defines the interface between the lifecycle engine and the Ledger Store.
  Implementations: store/sqlite (production) and workflow/store (memory).

ATOMICITY CONTRACT:
  Two operations are check-then-act in nature and MUST be atomic inside the
  store, not in the engine:

  CreateRequest:   reading max(requestNo) and inserting max+1
  ApplyTransition: "status = To WHERE status = From" plus the optional
                   balance deduction. If the deduction cannot be covered the
                   status write is rolled back as well.

  ApplyAccrual is keyed by its period: a second run for the same period
  returns ErrAlreadyAccrued and changes nothing.

ERRORS:
  Domain outcomes come back as the workflow sentinels/structured errors.
  Anything else (I/O, driver errors) is wrapped with Unavailable so raw
  storage errors never reach API callers.
*/
package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transition is a conditional status change, optionally carrying a balance
// deduction against the request owner.
type Transition struct {
	RequestID RequestID
	From      RequestStatus
	To        RequestStatus
	Comment   string
	ActionBy  UserID
	At        time.Time

	// Owner and Deduct describe the leave deduction. A zero Deduct means the
	// transition does not touch any balance.
	Owner  UserID
	Deduct decimal.Decimal
}

// AccrualRun records one applied monthly accrual.
type AccrualRun struct {
	Period        string          `json:"period"`
	Amount        decimal.Decimal `json:"amount"`
	UsersCredited int             `json:"usersCredited"`
	AppliedAt     time.Time       `json:"appliedAt"`
}

type RequestStore interface {
	// CreateRequest inserts r, assigning the next RequestNo atomically.
	CreateRequest(ctx context.Context, r Request) (Request, error)

	// GetRequest returns nil, nil when the request does not exist.
	GetRequest(ctx context.Context, id RequestID) (*Request, error)

	// ListRequests returns one page, newest first, plus the filtered total.
	ListRequests(ctx context.Context, filter ListFilter, offset, limit int) ([]Request, int, error)

	// DeleteRequest reports whether a row was removed.
	DeleteRequest(ctx context.Context, id RequestID) (bool, error)

	ApplyTransition(ctx context.Context, t Transition) (Request, error)

	CountByStatus(ctx context.Context, userID *UserID) (StatusCounts, error)
	DailyCounts(ctx context.Context, since time.Time) ([]DailyCount, error)

	// ResolutionDurations returns updatedAt-createdAt for every Resolved request.
	ResolutionDurations(ctx context.Context) ([]time.Duration, error)
}

type UserStore interface {
	// InsertUser stores u. The very first user is stored as admin regardless
	// of u.Role; the decision happens inside the store.
	InsertUser(ctx context.Context, u User) (User, error)

	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// ListUsers returns all users, newest first.
	ListUsers(ctx context.Context) ([]User, error)

	// UpdateRole and SetBalance return nil, nil when the user does not exist.
	UpdateRole(ctx context.Context, id UserID, role Role) (*User, error)
	SetBalance(ctx context.Context, id UserID, balance decimal.Decimal) (*User, error)

	// SetBalances writes every balance in one transaction and returns how
	// many users were updated. Unknown ids are skipped.
	SetBalances(ctx context.Context, balances map[UserID]decimal.Decimal) (int, error)
}

type NotificationStore interface {
	InsertNotifications(ctx context.Context, ns []Notification) error
	ListNotifications(ctx context.Context, userID UserID, limit int) ([]Notification, error)
	MarkAllRead(ctx context.Context, userID UserID) (int64, error)
}

type AccrualStore interface {
	// ApplyAccrual credits every user with run.Amount and records the run.
	ApplyAccrual(ctx context.Context, run AccrualRun) (AccrualRun, error)
	ListAccrualRuns(ctx context.Context) ([]AccrualRun, error)
}

// Store is the full Ledger Store.
type Store interface {
	RequestStore
	UserStore
	NotificationStore
	AccrualStore
}
