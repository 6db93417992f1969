/*
handlers.go - HTTP API handlers

PURPOSE:
  Exposes the request lifecycle, notifications and admin operations over
  REST. Handlers parse the HTTP request, call workflow with the caller's
  Identity, and serialize the result.

ENDPOINTS:
  Requests:
    POST   /api/requests                 Create
    GET    /api/requests                 List (status, page, limit)
    GET    /api/requests/stats           Counts per status
    GET    /api/requests/detailed        Daily counts + avg resolution (admin)
    GET    /api/requests/{id}            Get
    PUT    /api/requests/{id}            Update status (admin)
    DELETE /api/requests/{id}            Delete (owner or admin)

  Notifications:
    GET    /api/notifications            Latest 20
    PUT    /api/notifications/mark-read  Mark all read

  Admin:
    POST   /api/admin/announcements      Announce to everyone
    GET    /api/admin/users              List users
    PUT    /api/admin/users/role         Change a role
    PUT    /api/admin/users/{id}/balance Set paid leave balance
    POST   /api/admin/accrual/run        Apply this month's accrual
    GET    /api/admin/accrual/runs       Accrual history

ERROR HANDLING:
  workflow errors map to HTTP status in statusFor:
  - 400: ErrInvalidInput
  - 403: ErrForbidden
  - 404: ErrNotFound
  - 409: ErrInsufficientBalance, ErrAlreadyAccrued, ErrConcurrentModification
  - 503: ErrUnavailable
  - 500: anything else
  Server-side errors are logged; their text never reaches the client.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Identity middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/metrics"
	"github.com/warp/team-desk/realtime"
	"github.com/warp/team-desk/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Requests  *workflow.RequestService
	Notifier  *workflow.Notifier
	Users     *workflow.UserDirectory
	Scheduler *AccrualScheduler
	Hub       *realtime.Hub

	// DB is optional; the memory store has nothing to ping.
	DB  Pinger
	Log logrus.FieldLogger
}

// =============================================================================
// HEALTH & PROFILE
// =============================================================================

// Health reports liveness. It answers 503 when the database is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}
	if h.Hub != nil {
		resp.Clients = h.Hub.Clients()
	}
	if h.Scheduler != nil {
		if next := h.Scheduler.NextRun(); !next.IsZero() {
			resp.NextAccrual = next.Format(time.RFC3339)
		}
	}

	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			h.Log.WithError(err).Error("health check failed")
			resp.Status, resp.Database = "degraded", "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Me returns the caller's account, balance included.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.Users.Get(r.Context(), identity(r).UserID)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest opens a new request for the caller.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := body.toInput()
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}

	view, err := h.Requests.Create(r.Context(), identity(r), in)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListRequests returns one page of requests visible to the caller.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	limit, err := intParam(q.Get("limit"), workflow.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	var filter workflow.ListFilter
	if s := q.Get("status"); s != "" {
		status := workflow.RequestStatus(s)
		filter.Status = &status
	}

	result, err := h.Requests.List(r.Context(), identity(r), filter, page, limit)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRequest returns one request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := h.Requests.Get(r.Context(), identity(r), requestID(r))
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateStatus changes the status of a request.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body UpdateStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status := workflow.RequestStatus(body.Status)
	view, err := h.Requests.UpdateStatus(r.Context(), identity(r), requestID(r), status, body.Comment)
	if status.Valid() {
		metrics.RecordTransition(string(status), err)
	}
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteRequest removes a request.
func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.Requests.Delete(r.Context(), identity(r), requestID(r)); err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Request deleted"})
}

// Stats returns request counts per status.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Requests.Stats(r.Context(), identity(r))
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// DetailedStats returns the weekly activity report.
func (h *Handler) DetailedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Requests.DetailedStats(r.Context(), identity(r))
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListNotifications returns the caller's latest notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	notes, err := h.Notifier.List(r.Context(), identity(r).UserID)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// MarkAllRead marks the caller's notifications as read.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Notifier.MarkAllRead(r.Context(), identity(r).UserID)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Announce sends a message to every user.
func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	var body AnnouncementBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	n, err := h.Notifier.Announce(r.Context(), identity(r), body.Message)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, AnnounceResponse{Message: "Announcement sent", Recipients: n})
}

// ListUsers returns every user.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.List(r.Context(), identity(r))
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// SetRole changes a user's role.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	var body RoleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	user, err := h.Users.SetRole(r.Context(), identity(r), workflow.UserID(body.UserID), workflow.Role(body.Role))
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// SetBalance overwrites a user's paid leave balance.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	var body BalanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.PaidLeaveBalance == nil {
		writeError(w, http.StatusBadRequest, "paidLeaveBalance is required", nil)
		return
	}

	id := workflow.UserID(chi.URLParam(r, "id"))
	user, err := h.Users.SetBalance(r.Context(), identity(r), id, *body.PaidLeaveBalance)
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// RunAccrual applies this month's accrual now.
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	h.Log.WithField("period", run.Period).WithField("by", identity(r).UserID).Info("accrual triggered manually")
	writeJSON(w, http.StatusOK, run)
}

// ListAccrualRuns returns past accrual runs.
func (h *Handler) ListAccrualRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Scheduler.Job.Runs(r.Context())
	if err != nil {
		writeDomainError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// REALTIME
// =============================================================================

// ServeWS upgrades the caller to the realtime channel.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeWS(w, r, identity(r).UserID)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a workflow error onto the HTTP contract.
func writeDomainError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	switch {
	case workflow.IsClientError(err):
		writeError(w, statusFor(err), err.Error(), nil)
	case errors.Is(err, workflow.ErrUnavailable):
		log.WithError(err).Error("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable", nil)
	default:
		log.WithError(err).Error("unexpected error")
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInsufficientBalance),
		errors.Is(err, workflow.ErrAlreadyAccrued),
		errors.Is(err, workflow.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestID(r *http.Request) workflow.RequestID {
	return workflow.RequestID(chi.URLParam(r, "id"))
}

// intParam parses a query parameter, returning def when it is absent.
func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
