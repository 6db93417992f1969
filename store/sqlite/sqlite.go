/*
Package sqlite provides a SQLite-backed implementation of workflow.Store.

PURPOSE:
  Production Ledger Store. Users, requests, notifications and accrual runs
  live in one database so every check-then-act step can run inside a single
  SQL transaction.

INTERFACES IMPLEMENTED:
  workflow.RequestStore:      Request lifecycle persistence
  workflow.UserStore:         Accounts, roles, paid leave balances
  workflow.NotificationStore: Per-user notifications
  workflow.AccrualStore:      Monthly accrual runs

KEY TABLES:
  users:          Accounts with paid_leave_balance (decimal as TEXT)
  requests:       Tickets; request_no is UNIQUE
  notifications:  Per-user messages
  accrual_runs:   One row per applied month (period is the primary key)

ATOMICITY:
  CreateRequest:   MAX(request_no)+1 and the INSERT share a transaction
  ApplyTransition: conditional UPDATE ... WHERE status = ? plus the balance
                   deduction; an uncovered deduction rolls both back
  ApplyAccrual:    run row + every balance credit, or nothing

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; writers are serialized. The pool is
  pinned to one connection, which also keeps ":memory:" databases shared.

ERRORS:
  Driver errors are wrapped with workflow.Unavailable. Domain outcomes
  (not found, concurrent modification, insufficient balance, already
  accrued) come back as the workflow errors.

USAGE:
  store, err := sqlite.New("./data/team-desk.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - workflow/store.go: Interface definitions and the atomicity contract
  - workflow/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/team-desk/workflow"
)

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements workflow.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ workflow.Store = (*Store)(nil)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := NewWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an already opened database without migrating it.
func NewWithDB(db *sql.DB) *Store {
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return workflow.Unavailable("ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		mobile TEXT NOT NULL DEFAULT '',
		profile_image TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		paid_leave_balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_created_at
		ON users(created_at);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		request_no INTEGER NOT NULL,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		query TEXT NOT NULL,
		request_type TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		days_count TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		action_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- requestNo is never reused
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_request_no
		ON requests(request_no);
	CREATE INDEX IF NOT EXISTS idx_requests_user_created
		ON requests(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_created_at
		ON requests(created_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		message TEXT NOT NULL,
		type TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user_created
		ON notifications(user_id, created_at);

	-- One row per applied month; the primary key makes accrual idempotent
	CREATE TABLE IF NOT EXISTS accrual_runs (
		period TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		users_credited INTEGER NOT NULL DEFAULT 0,
		applied_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a database transaction. The caller holds s.mu.
// Only the tx may be used inside fn: the pool has a single connection.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.Unavailable(op, err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return workflow.Unavailable(op, err)
	}
	return nil
}

// =============================================================================
// USER STORE
// =============================================================================

const userColumns = `id, name, email, mobile, profile_image, role, paid_leave_balance, created_at`

// InsertUser stores u unless a user with the same ID exists. The first user
// ever stored becomes admin.
func (s *Store) InsertUser(ctx context.Context, u workflow.User) (workflow.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out workflow.User
	err := s.withTx(ctx, "insert user", func(tx *sql.Tx) error {
		existing, err := getUser(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = *existing
			return nil
		}

		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
			return workflow.Unavailable("count users", err)
		}
		if count == 0 {
			u.Role = workflow.RoleAdmin
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			u.ID, u.Name, u.Email, u.Mobile, u.ProfileImage, u.Role,
			u.PaidLeaveBalance.String(), formatTime(u.CreatedAt),
		)
		if err != nil {
			return workflow.Unavailable("insert user", err)
		}
		out = u
		return nil
	})
	return out, err
}

// GetUser returns nil, nil when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id workflow.UserID) (*workflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getUser(ctx, s.db, id)
}

func getUser(ctx context.Context, db execer, id workflow.UserID) (*workflow.User, error) {
	row := db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, workflow.Unavailable("get user", err)
	}
	return &u, nil
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]workflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, workflow.Unavailable("list users", err)
	}
	defer rows.Close()

	var users []workflow.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, workflow.Unavailable("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("list users", err)
	}
	return users, nil
}

// UpdateRole returns nil, nil when the user does not exist.
func (s *Store) UpdateRole(ctx context.Context, id workflow.UserID, role workflow.Role) (*workflow.User, error) {
	return s.updateUser(ctx, "update role", "UPDATE users SET role = ? WHERE id = ?", role, id)
}

// SetBalance returns nil, nil when the user does not exist.
func (s *Store) SetBalance(ctx context.Context, id workflow.UserID, balance decimal.Decimal) (*workflow.User, error) {
	return s.updateUser(ctx, "set balance", "UPDATE users SET paid_leave_balance = ? WHERE id = ?", balance.String(), id)
}

// SetBalances writes all balances in one transaction.
func (s *Store) SetBalances(ctx context.Context, balances map[workflow.UserID]decimal.Decimal) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.withTx(ctx, "set balances", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "UPDATE users SET paid_leave_balance = ? WHERE id = ?")
		if err != nil {
			return workflow.Unavailable("set balances", err)
		}
		defer stmt.Close()

		for id, balance := range balances {
			res, err := stmt.ExecContext(ctx, balance.String(), id)
			if err != nil {
				return workflow.Unavailable("set balance", err)
			}
			if rows, _ := res.RowsAffected(); rows > 0 {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) updateUser(ctx context.Context, op, query string, value any, id workflow.UserID) (*workflow.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *workflow.User
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, value, id)
		if err != nil {
			return workflow.Unavailable(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		out, err = getUser(ctx, tx, id)
		return err
	})
	return out, err
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `id, request_no, user_id, query, request_type, start_date, end_date,
	days_count, status, comment, action_by, created_at, updated_at`

// CreateRequest inserts r with the next request number.
func (s *Store) CreateRequest(ctx context.Context, r workflow.Request) (workflow.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, "create request", func(tx *sql.Tx) error {
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MAX(request_no) FROM requests").Scan(&last); err != nil {
			return workflow.Unavailable("next request number", err)
		}
		r.RequestNo = workflow.FirstRequestNo
		if last.Valid && last.Int64 >= r.RequestNo {
			r.RequestNo = last.Int64 + 1
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO requests (`+requestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.ID, r.RequestNo, r.UserID, r.Query, r.RequestType,
			nullTime(r.StartDate), nullTime(r.EndDate), r.DaysCount.String(),
			r.Status, r.Comment, nullUserID(r.ActionBy),
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		if err != nil {
			return workflow.Unavailable("insert request", err)
		}
		return nil
	})
	if err != nil {
		return workflow.Request{}, err
	}
	return r, nil
}

// GetRequest returns nil, nil when the request does not exist.
func (s *Store) GetRequest(ctx context.Context, id workflow.RequestID) (*workflow.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, db execer, id workflow.RequestID) (*workflow.Request, error) {
	row := db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = ?", id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, workflow.Unavailable("get request", err)
	}
	return &r, nil
}

// ListRequests returns one page, newest first, plus the filtered total.
func (s *Store) ListRequests(ctx context.Context, filter workflow.ListFilter, offset, limit int) ([]workflow.Request, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests"+clause, args...).Scan(&total); err != nil {
		return nil, 0, workflow.Unavailable("count requests", err)
	}

	query := "SELECT " + requestColumns + " FROM requests" + clause +
		" ORDER BY created_at DESC, request_no DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, workflow.Unavailable("list requests", err)
	}
	defer rows.Close()

	requests := []workflow.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, workflow.Unavailable("scan request", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, workflow.Unavailable("list requests", err)
	}
	return requests, total, nil
}

// DeleteRequest reports whether a row was removed.
func (s *Store) DeleteRequest(ctx context.Context, id workflow.RequestID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE id = ?", id)
	if err != nil {
		return false, workflow.Unavailable("delete request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, workflow.Unavailable("delete request", err)
	}
	return n > 0, nil
}

// ApplyTransition performs the conditional status change and, when t.Deduct
// is positive, the balance deduction in one transaction.
func (s *Store) ApplyTransition(ctx context.Context, t workflow.Transition) (workflow.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out workflow.Request
	err := s.withTx(ctx, "apply transition", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE requests
			SET status = ?, comment = ?, action_by = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, t.To, t.Comment, t.ActionBy, formatTime(t.At), t.RequestID, t.From)
		if err != nil {
			return workflow.Unavailable("update request status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return workflow.Unavailable("update request status", err)
		}
		if n == 0 {
			current, err := getRequest(ctx, tx, t.RequestID)
			if err != nil {
				return err
			}
			if current == nil {
				return &workflow.NotFoundError{Kind: "request", ID: string(t.RequestID)}
			}
			return workflow.ErrConcurrentModification
		}

		if t.Deduct.IsPositive() {
			if err := deduct(ctx, tx, t.Owner, t.Deduct); err != nil {
				return err
			}
		}

		updated, err := getRequest(ctx, tx, t.RequestID)
		if err != nil {
			return err
		}
		out = *updated
		return nil
	})
	if err != nil {
		return workflow.Request{}, err
	}
	return out, nil
}

func deduct(ctx context.Context, tx *sql.Tx, owner workflow.UserID, amount decimal.Decimal) error {
	var raw string
	err := tx.QueryRowContext(ctx, "SELECT paid_leave_balance FROM users WHERE id = ?", owner).Scan(&raw)
	available := decimal.Zero
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &workflow.InsufficientBalanceError{UserID: owner, Available: available, Requested: amount}
	case err != nil:
		return workflow.Unavailable("read balance", err)
	}

	available = parseDecimal(raw)
	if available.LessThan(amount) {
		return &workflow.InsufficientBalanceError{UserID: owner, Available: available, Requested: amount}
	}

	_, err = tx.ExecContext(ctx, "UPDATE users SET paid_leave_balance = ? WHERE id = ?",
		available.Sub(amount).String(), owner)
	if err != nil {
		return workflow.Unavailable("write balance", err)
	}
	return nil
}

// CountByStatus counts requests per status, optionally for one user.
func (s *Store) CountByStatus(ctx context.Context, userID *workflow.UserID) (workflow.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT status, COUNT(*) FROM requests"
	var args []any
	if userID != nil {
		query += " WHERE user_id = ?"
		args = append(args, *userID)
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, workflow.Unavailable("count by status", err)
	}
	defer rows.Close()

	counts := workflow.NewStatusCounts()
	for rows.Next() {
		var (
			status workflow.RequestStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, workflow.Unavailable("scan status count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("count by status", err)
	}
	return counts, nil
}

// DailyCounts groups requests created at or after since by UTC day.
func (s *Store) DailyCounts(ctx context.Context, since time.Time) ([]workflow.DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, COUNT(*)
		FROM requests
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day ASC
	`, formatTime(since))
	if err != nil {
		return nil, workflow.Unavailable("daily counts", err)
	}
	defer rows.Close()

	out := []workflow.DailyCount{}
	for rows.Next() {
		var dc workflow.DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, workflow.Unavailable("scan daily count", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("daily counts", err)
	}
	return out, nil
}

// ResolutionDurations returns updatedAt-createdAt for every Resolved request.
func (s *Store) ResolutionDurations(ctx context.Context) ([]time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT created_at, updated_at FROM requests WHERE status = ?", workflow.StatusResolved)
	if err != nil {
		return nil, workflow.Unavailable("resolution durations", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var createdAt, updatedAt string
		if err := rows.Scan(&createdAt, &updatedAt); err != nil {
			return nil, workflow.Unavailable("scan resolution", err)
		}
		out = append(out, parseTime(updatedAt).Sub(parseTime(createdAt)))
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("resolution durations", err)
	}
	return out, nil
}

// =============================================================================
// NOTIFICATION STORE
// =============================================================================

// InsertNotifications stores ns in one transaction.
func (s *Store) InsertNotifications(ctx context.Context, ns []workflow.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, "insert notifications", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO notifications (id, user_id, message, type, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return workflow.Unavailable("insert notifications", err)
		}
		defer stmt.Close()

		for _, n := range ns {
			if _, err := stmt.ExecContext(ctx, n.ID, n.UserID, n.Message, n.Type, n.IsRead, formatTime(n.CreatedAt)); err != nil {
				return workflow.Unavailable("insert notification", err)
			}
		}
		return nil
	})
}

// ListNotifications returns the latest limit notifications of userID.
func (s *Store) ListNotifications(ctx context.Context, userID workflow.UserID, limit int) ([]workflow.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message, type, is_read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, workflow.Unavailable("list notifications", err)
	}
	defer rows.Close()

	out := []workflow.Notification{}
	for rows.Next() {
		var (
			n         workflow.Notification
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.Type, &n.IsRead, &createdAt); err != nil {
			return nil, workflow.Unavailable("scan notification", err)
		}
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("list notifications", err)
	}
	return out, nil
}

// MarkAllRead flips unread notifications of userID and returns the count.
func (s *Store) MarkAllRead(ctx context.Context, userID workflow.UserID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, workflow.Unavailable("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, workflow.Unavailable("mark read", err)
	}
	return n, nil
}

// =============================================================================
// ACCRUAL STORE
// =============================================================================

// ApplyAccrual records the run and credits every user, or does nothing when
// the period was already applied.
func (s *Store) ApplyAccrual(ctx context.Context, run workflow.AccrualRun) (workflow.AccrualRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, "apply accrual", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO accrual_runs (period, amount, users_credited, applied_at) VALUES (?, ?, 0, ?)",
			run.Period, run.Amount.String(), formatTime(run.AppliedAt))
		if isUniqueConstraintError(err) {
			return workflow.ErrAlreadyAccrued
		}
		if err != nil {
			return workflow.Unavailable("record accrual", err)
		}

		balances, err := readBalances(ctx, tx)
		if err != nil {
			return err
		}
		for id, balance := range balances {
			if _, err := tx.ExecContext(ctx, "UPDATE users SET paid_leave_balance = ? WHERE id = ?",
				balance.Add(run.Amount).String(), id); err != nil {
				return workflow.Unavailable("credit balance", err)
			}
		}

		run.UsersCredited = len(balances)
		if _, err := tx.ExecContext(ctx, "UPDATE accrual_runs SET users_credited = ? WHERE period = ?",
			run.UsersCredited, run.Period); err != nil {
			return workflow.Unavailable("record accrual", err)
		}
		return nil
	})
	if err != nil {
		return workflow.AccrualRun{}, err
	}
	return run, nil
}

func readBalances(ctx context.Context, tx *sql.Tx) (map[workflow.UserID]decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, paid_leave_balance FROM users")
	if err != nil {
		return nil, workflow.Unavailable("read balances", err)
	}
	defer rows.Close()

	out := make(map[workflow.UserID]decimal.Decimal)
	for rows.Next() {
		var (
			id  workflow.UserID
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, workflow.Unavailable("scan balance", err)
		}
		out[id] = parseDecimal(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("read balances", err)
	}
	return out, nil
}

// ListAccrualRuns returns every applied run, newest period first.
func (s *Store) ListAccrualRuns(ctx context.Context) ([]workflow.AccrualRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT period, amount, users_credited, applied_at FROM accrual_runs ORDER BY period DESC")
	if err != nil {
		return nil, workflow.Unavailable("list accrual runs", err)
	}
	defer rows.Close()

	out := []workflow.AccrualRun{}
	for rows.Next() {
		var (
			r                 workflow.AccrualRun
			amount, appliedAt string
		)
		if err := rows.Scan(&r.Period, &amount, &r.UsersCredited, &appliedAt); err != nil {
			return nil, workflow.Unavailable("scan accrual run", err)
		}
		r.Amount = parseDecimal(amount)
		r.AppliedAt = parseTime(appliedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Unavailable("list accrual runs", err)
	}
	return out, nil
}

// =============================================================================
// SCANNING
// =============================================================================

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (workflow.User, error) {
	var (
		u                  workflow.User
		balance, createdAt string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Mobile, &u.ProfileImage, &u.Role, &balance, &createdAt)
	if err != nil {
		return u, err
	}
	u.PaidLeaveBalance = parseDecimal(balance)
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func scanRequest(row scanner) (workflow.Request, error) {
	var (
		r                    workflow.Request
		startDate, endDate   sql.NullString
		actionBy             sql.NullString
		days                 string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&r.ID, &r.RequestNo, &r.UserID, &r.Query, &r.RequestType, &startDate, &endDate,
		&days, &r.Status, &r.Comment, &actionBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}

	r.DaysCount = parseDecimal(days)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if startDate.Valid {
		t := parseTime(startDate.String)
		r.StartDate = &t
	}
	if endDate.Valid {
		t := parseTime(endDate.String)
		r.EndDate = &t
	}
	if actionBy.Valid {
		id := workflow.UserID(actionBy.String)
		r.ActionBy = &id
	}
	return r, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullUserID(id *workflow.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
