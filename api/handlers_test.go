/*
handlers_test.go - HTTP API tests

Tests for:
- Authentication (missing, invalid, expired tokens)
- Request lifecycle over HTTP (create, list scoping, approve, delete)
- Leave approval against the balance
- Admin-only routes and announcements
- Manual accrual trigger
- Error-to-status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/team-desk/realtime"
	"github.com/warp/team-desk/store/sqlite"
	"github.com/warp/team-desk/workflow"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	decimal.MarshalJSONWithoutQuotes = true
	os.Exit(m.Run())
}

// =============================================================================
// TEST HELPERS
// =============================================================================

type testEnv struct {
	t      *testing.T
	router *chi.Mux
	store  *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	hub := realtime.NewHub(log, nil, nil)
	t.Cleanup(hub.Close)

	users := workflow.NewUserDirectory(store, log)
	notifier := workflow.NewNotifier(store, hub, log)
	requests := workflow.NewRequestService(store, hub, notifier, log)
	job := workflow.NewAccrualJob(store, workflow.DefaultMonthlyAccrual, log)

	h := &Handler{
		Requests:  requests,
		Notifier:  notifier,
		Users:     users,
		Scheduler: NewAccrualScheduler(job, "", false, log),
		Hub:       hub,
		DB:        store,
		Log:       log,
	}
	router := NewRouter(h, RouterOptions{
		Auth:           NewAuthenticator(testSecret, users, log),
		AllowedOrigins: []string{"http://localhost:3000"},
		Log:            log,
	})
	return &testEnv{t: t, router: router, store: store}
}

func (e *testEnv) token(id, name string) string {
	e.t.Helper()
	tok, err := IssueToken(testSecret, workflow.Profile{
		ID:    workflow.UserID(id),
		Name:  name,
		Email: id + "@example.com",
	}, time.Hour)
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			buf, err := json.Marshal(b)
			require.NoError(e.t, err)
			rdr = bytes.NewReader(buf)
		}
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createRequest posts body as tok and returns the created request.
func (e *testEnv) createRequest(tok string, body map[string]any) workflow.RequestView {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/requests", tok, body)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[workflow.RequestView](e.t, rec)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	env := newTestEnv(t)

	// WHEN: No token at all
	rec := env.do(http.MethodGet, "/api/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Not authorized", decode[ErrorResponse](t, rec).Error)

	// WHEN: A token signed with another secret
	forged, err := IssueToken("other-secret", workflow.Profile{ID: "mallory"}, time.Hour)
	require.NoError(t, err)
	rec = env.do(http.MethodGet, "/api/requests", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Not authorized, token failed", decode[ErrorResponse](t, rec).Error)

	// WHEN: An expired token
	expired, err := IssueToken(testSecret, workflow.Profile{ID: "bob"}, -time.Minute)
	require.NoError(t, err)
	rec = env.do(http.MethodGet, "/api/requests", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_TokenFromQueryParameter(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("alice", "Alice")

	req := httptest.NewRequest(http.MethodGet, "/api/me?token="+tok, nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMe_FirstUserIsAdmin(t *testing.T) {
	env := newTestEnv(t)

	// GIVEN: Alice signs in first, Bob second
	alice := decode[workflow.User](t, env.do(http.MethodGet, "/api/me", env.token("alice", "Alice"), nil))
	bob := decode[workflow.User](t, env.do(http.MethodGet, "/api/me", env.token("bob", "Bob"), nil))

	// THEN: Only Alice is admin; both start with no balance
	assert.Equal(t, workflow.RoleAdmin, alice.Role)
	assert.Equal(t, workflow.RoleUser, bob.Role)
	assert.Equal(t, "bob@example.com", bob.Email)
	assert.True(t, bob.PaidLeaveBalance.IsZero())
}

// =============================================================================
// HEALTH & METRICS
// =============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Empty(t, resp.NextAccrual, "scheduler not started")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/health", "", nil)

	rec := env.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "team_desk_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/api/health"`)
}

// =============================================================================
// REQUESTS
// =============================================================================

func TestCreateRequest(t *testing.T) {
	env := newTestEnv(t)
	bob := env.token("bob", "Bob")

	// WHEN: Bob opens a general request
	view := env.createRequest(bob, map[string]any{"query": "  VPN access  "})

	// THEN: It is numbered from 1001 and pending
	assert.Equal(t, int64(1001), view.RequestNo)
	assert.Equal(t, "VPN access", view.Query)
	assert.Equal(t, workflow.StatusPending, view.Status)
	assert.Equal(t, workflow.TypeGeneral, view.RequestType)
	require.NotNil(t, view.User)
	assert.Equal(t, workflow.UserID("bob"), view.User.ID)

	// AND: The next one gets 1002
	assert.Equal(t, int64(1002), env.createRequest(bob, map[string]any{"query": "Monitor"}).RequestNo)
}

func TestCreateRequest_Invalid(t *testing.T) {
	env := newTestEnv(t)
	bob := env.token("bob", "Bob")

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"query":`},
		{"empty query", map[string]any{"query": "   "}},
		{"unknown type", map[string]any{"query": "x", "requestType": "Loan"}},
		{"bad date", map[string]any{"query": "x", "requestType": "Leave", "startDate": "09/03/2026", "endDate": "2026-03-10"}},
		{"leave without dates", map[string]any{"query": "x", "requestType": "Leave"}},
		{"end before start", map[string]any{"query": "x", "requestType": "Leave", "startDate": "2026-03-10", "endDate": "2026-03-09"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/requests", bob, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestListRequests_ScopedToOwnerUnlessAdmin(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	bob := env.token("bob", "Bob")
	carol := env.token("carol", "Carol")
	env.do(http.MethodGet, "/api/me", alice, nil)

	// GIVEN: Bob has two requests, Carol one
	env.createRequest(bob, map[string]any{"query": "one"})
	env.createRequest(bob, map[string]any{"query": "two"})
	env.createRequest(carol, map[string]any{"query": "three"})

	// THEN: Bob only sees his own, newest first
	page := decode[workflow.Page](t, env.do(http.MethodGet, "/api/requests", bob, nil))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Requests, 2)
	assert.Equal(t, "two", page.Requests[0].Query)

	// AND: Alice sees everything, paged
	page = decode[workflow.Page](t, env.do(http.MethodGet, "/api/requests?limit=2&page=2", alice, nil))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Len(t, page.Requests, 1)

	// AND: Bob cannot read Carol's request by id
	all := decode[workflow.Page](t, env.do(http.MethodGet, "/api/requests", alice, nil))
	var carolsID workflow.RequestID
	for _, r := range all.Requests {
		if r.Query == "three" {
			carolsID = r.ID
		}
	}
	rec := env.do(http.MethodGet, "/api/requests/"+string(carolsID), bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListRequests_BadQuery(t *testing.T) {
	env := newTestEnv(t)
	bob := env.token("bob", "Bob")

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/requests?page=abc", bob, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/requests?limit=x", bob, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/requests?status=Bogus", bob, nil).Code)
}

func TestLeaveApproval_DeductsBalance(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	bob := env.token("bob", "Bob")
	env.do(http.MethodGet, "/api/me", alice, nil)

	// GIVEN: Bob asks for two days off with no balance
	leave := env.createRequest(bob, map[string]any{
		"query":       "Family trip",
		"requestType": "Leave",
		"startDate":   "2026-03-09",
		"endDate":     "2026-03-10",
	})
	assert.True(t, leave.DaysCount.Equal(decimal.NewFromInt(2)))
	path := "/api/requests/" + string(leave.ID)

	// WHEN: Alice approves
	rec := env.do(http.MethodPut, path, alice, UpdateStatusBody{Status: "Approved"})

	// THEN: The balance does not cover it and nothing changes
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	got := decode[workflow.RequestView](t, env.do(http.MethodGet, path, bob, nil))
	assert.Equal(t, workflow.StatusPending, got.Status)

	// WHEN: Alice tops Bob up to 5 and approves again
	rec = env.do(http.MethodPut, "/api/admin/users/bob/balance", alice, map[string]any{"paidLeaveBalance": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPut, path, alice, UpdateStatusBody{Status: "Approved", Comment: "enjoy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Two days are deducted and Bob is notified
	approved := decode[workflow.RequestView](t, rec)
	assert.Equal(t, workflow.StatusApproved, approved.Status)
	require.NotNil(t, approved.ActionBy)
	assert.Equal(t, workflow.UserID("alice"), approved.ActionBy.ID)

	me := decode[workflow.User](t, env.do(http.MethodGet, "/api/me", bob, nil))
	assert.True(t, me.PaidLeaveBalance.Equal(decimal.NewFromInt(3)), me.PaidLeaveBalance.String())

	notes := decode[[]workflow.Notification](t, env.do(http.MethodGet, "/api/notifications", bob, nil))
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "Approved")
	assert.Equal(t, workflow.NotifyLeaveUpdate, notes[0].Type)
}

func TestDeleteRequest(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/me", env.token("alice", "Alice"), nil)
	bob := env.token("bob", "Bob")
	carol := env.token("carol", "Carol")

	view := env.createRequest(bob, map[string]any{"query": "Old laptop"})
	path := "/api/requests/" + string(view.ID)

	// Carol cannot delete Bob's request
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, path, carol, nil).Code)

	rec := env.do(http.MethodDelete, path, bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Request deleted", decode[MessageResponse](t, rec).Message)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, path, bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, path, bob, nil).Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	bob := env.token("bob", "Bob")
	env.do(http.MethodGet, "/api/me", alice, nil)

	env.createRequest(bob, map[string]any{"query": "one"})
	env.createRequest(alice, map[string]any{"query": "two"})

	counts := decode[map[string]int](t, env.do(http.MethodGet, "/api/requests/stats", bob, nil))
	assert.Equal(t, map[string]int{"Pending": 1, "Approved": 0, "Resolved": 0, "Cancelled": 0}, counts)

	counts = decode[map[string]int](t, env.do(http.MethodGet, "/api/requests/stats", alice, nil))
	assert.Equal(t, 2, counts["Pending"])

	rec := env.do(http.MethodGet, "/api/requests/detailed", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detailed := decode[workflow.DetailedStats](t, rec)
	require.Len(t, detailed.DailyCounts, 1)
	assert.Equal(t, 2, detailed.DailyCounts[0].Count)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminRoutes_ForbiddenForUsers(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/me", env.token("alice", "Alice"), nil)
	bob := env.token("bob", "Bob")
	view := env.createRequest(bob, map[string]any{"query": "promote me"})

	tests := []struct {
		method, path string
		body         any
	}{
		{http.MethodPut, "/api/requests/" + string(view.ID), UpdateStatusBody{Status: "Resolved"}},
		{http.MethodGet, "/api/requests/detailed", nil},
		{http.MethodGet, "/api/admin/users", nil},
		{http.MethodPut, "/api/admin/users/role", RoleBody{UserID: "bob", Role: "admin"}},
		{http.MethodPost, "/api/admin/announcements", AnnouncementBody{Message: "hi"}},
		{http.MethodPost, "/api/admin/accrual/run", nil},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, bob, tt.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "Admin access required", decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestSetRole(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	bob := env.token("bob", "Bob")
	env.do(http.MethodGet, "/api/me", alice, nil)
	env.do(http.MethodGet, "/api/me", bob, nil)

	rec := env.do(http.MethodPut, "/api/admin/users/role", alice, RoleBody{UserID: "bob", Role: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Bob's next request sees the new role from the ledger
	users := decode[[]workflow.User](t, env.do(http.MethodGet, "/api/admin/users", bob, nil))
	assert.Len(t, users, 2)

	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPut, "/api/admin/users/role", alice, RoleBody{UserID: "bob", Role: "owner"}).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPut, "/api/admin/users/role", alice, RoleBody{UserID: "ghost", Role: "user"}).Code)
}

func TestSetBalance_Invalid(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	env.do(http.MethodGet, "/api/me", alice, nil)

	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPut, "/api/admin/users/alice/balance", alice, map[string]any{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPut, "/api/admin/users/alice/balance", alice, map[string]any{"paidLeaveBalance": -1}).Code)
}

func TestAnnouncement_ReachesEveryUser(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	bob := env.token("bob", "Bob")
	carol := env.token("carol", "Carol")
	for _, tok := range []string{alice, bob, carol} {
		env.do(http.MethodGet, "/api/me", tok, nil)
	}

	// WHEN: Alice announces
	rec := env.do(http.MethodPost, "/api/admin/announcements", alice, AnnouncementBody{Message: "Office closed Friday"})

	// THEN: Everyone, Alice included, gets it
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[AnnounceResponse](t, rec).Recipients)

	notes := decode[[]workflow.Notification](t, env.do(http.MethodGet, "/api/notifications", carol, nil))
	require.Len(t, notes, 1)
	assert.Equal(t, "Office closed Friday", notes[0].Message)
	assert.False(t, notes[0].IsRead)

	// AND: Marking read flips it once
	rec = env.do(http.MethodPut, "/api/notifications/mark-read", carol, nil)
	assert.Equal(t, int64(1), decode[MarkReadResponse](t, rec).Updated)
	rec = env.do(http.MethodPut, "/api/notifications/mark-read", carol, nil)
	assert.Equal(t, int64(0), decode[MarkReadResponse](t, rec).Updated)

	// AND: Empty messages are rejected
	rec = env.do(http.MethodPost, "/api/admin/announcements", alice, AnnouncementBody{Message: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunAccrual_OncePerMonth(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token("alice", "Alice")
	bob := env.token("bob", "Bob")
	env.do(http.MethodGet, "/api/me", alice, nil)
	env.do(http.MethodGet, "/api/me", bob, nil)

	// WHEN: Alice triggers the accrual
	rec := env.do(http.MethodPost, "/api/admin/accrual/run", alice, nil)

	// THEN: Everyone is credited 2.5
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[workflow.AccrualRun](t, rec)
	assert.Equal(t, workflow.PeriodOf(time.Now()), run.Period)
	assert.Equal(t, 2, run.UsersCredited)

	me := decode[workflow.User](t, env.do(http.MethodGet, "/api/me", bob, nil))
	assert.True(t, me.PaidLeaveBalance.Equal(decimal.RequireFromString("2.5")), me.PaidLeaveBalance.String())

	// AND: A second trigger in the same month conflicts
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/admin/accrual/run", alice, nil).Code)

	runs := decode[[]workflow.AccrualRun](t, env.do(http.MethodGet, "/api/admin/accrual/runs", alice, nil))
	assert.Len(t, runs, 1)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&workflow.ValidationError{Field: "query", Message: "must not be empty"}, http.StatusBadRequest},
		{workflow.ErrForbidden, http.StatusForbidden},
		{&workflow.NotFoundError{Kind: "request", ID: "x"}, http.StatusNotFound},
		{&workflow.InsufficientBalanceError{}, http.StatusConflict},
		{workflow.ErrAlreadyAccrued, http.StatusConflict},
		{workflow.ErrConcurrentModification, http.StatusConflict},
		{workflow.Unavailable("get user", errors.New("disk I/O error")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteDomainError_HidesServerErrors(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	rec := httptest.NewRecorder()
	writeDomainError(rec, log, workflow.Unavailable("list requests", errors.New("database is locked")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestWriteDomainError_ClientErrorsCarryMessage(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	rec := httptest.NewRecorder()
	writeDomainError(rec, log, &workflow.ValidationError{Field: "page", Message: "out of range"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "out of range")

	rec = httptest.NewRecorder()
	writeDomainError(rec, log, workflow.ErrConcurrentModification)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	writeDomainError(rec, log, errors.New("nil pointer somewhere"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decode[ErrorResponse](t, rec).Error)
}

func TestListRequests_PageOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	bob := env.token("bob", "Bob")

	rec := env.do(http.MethodGet, "/api/requests?limit=2&page=4611686018427387905", bob, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestHealth_DatabaseDown(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := &Handler{DB: failingPinger{}, Log: log}

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[HealthResponse](t, rec).Database)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("closed") }
