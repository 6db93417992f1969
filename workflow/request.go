/*
request.go - Request lifecycle engine

PURPOSE:
  Handles the full lifecycle of tickets:
  1. Creation: validate, assign the sequential requestNo, start in Pending
  2. Listing: scoped to the caller unless the caller is an admin
  3. Status changes: admin-only, with the leave-balance side effect
  4. Deletion: owner or admin

STATUS FLOW:
  ┌──────────┐   admin sets any status   ┌──────────┐
  │ Pending  │ ────────────────────────▶ │ Approved │──▶ deduct daysCount (Leave only,
  └──────────┘                           └──────────┘    only when entering Approved)
        │                                      │
        ▼                                      ▼
  ┌──────────┐                           ┌──────────┐
  │ Resolved │ ◀───────────────────────▶ │Cancelled │
  └──────────┘                           └──────────┘

  Any status may follow any other; the only guarded edge is "into Approved"
  for Leave requests. Leaving Approved does not refund the balance.

DEDUCTION AT MOST ONCE:
  UpdateStatus reads the current status, then asks the store for a
  conditional transition keyed on that status. The store applies the status
  write and the deduction in one unit or not at all. When another writer
  got there first the store reports ErrConcurrentModification and we re-read;
  the second reader then sees Approved and does not deduct again.

SEE ALSO:
  - store.go: Transition and the atomicity contract
  - notify.go: owner notifications sent after a transition
*/
package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	maxTransitionAttempts = 3
)

// RequestService orchestrates the request lifecycle.
type RequestService struct {
	Store     Store
	Publisher Publisher
	Notifier  *Notifier
	Log       logrus.FieldLogger

	// Now is overridable for tests.
	Now func() time.Time
}

func NewRequestService(store Store, pub Publisher, notifier *Notifier, log logrus.FieldLogger) *RequestService {
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RequestService{
		Store:     store,
		Publisher: pub,
		Notifier:  notifier,
		Log:       log.WithField("component", "requests"),
		Now:       time.Now,
	}
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates the input and stores a new Pending request owned by actor.
func (rs *RequestService) Create(ctx context.Context, actor Identity, in CreateRequestInput) (*RequestView, error) {
	req, err := rs.newRequest(actor, in)
	if err != nil {
		return nil, err
	}

	created, err := rs.Store.CreateRequest(ctx, *req)
	if err != nil {
		return nil, err
	}

	view := rs.enrich(ctx, created)
	rs.broadcast(ctx, EventNewRequest, view)

	rs.Log.WithFields(logrus.Fields{
		"request_no": created.RequestNo,
		"type":       created.RequestType,
		"user":       created.UserID,
	}).Info("request created")

	return view, nil
}

func (rs *RequestService) newRequest(actor Identity, in CreateRequestInput) (*Request, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, invalid("query", "must not be empty")
	}
	if len([]rune(query)) > MaxQueryLength {
		return nil, invalid("query", fmt.Sprintf("must be at most %d characters", MaxQueryLength))
	}

	reqType := in.RequestType
	if reqType == "" {
		reqType = TypeGeneral
	}
	if !reqType.Valid() {
		return nil, invalid("requestType", fmt.Sprintf("unknown type %q", reqType))
	}

	now := rs.now()
	req := &Request{
		ID:          RequestID(uuid.NewString()),
		UserID:      actor.UserID,
		Query:       query,
		RequestType: reqType,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if reqType == TypeLeave {
		if err := applyLeaveFields(req, in); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// applyLeaveFields validates the date range and the day count. An omitted
// day count is derived from the inclusive calendar span.
func applyLeaveFields(req *Request, in CreateRequestInput) error {
	if in.StartDate == nil || in.EndDate == nil {
		return invalid("startDate", "leave requests need startDate and endDate")
	}
	start, end := truncateDay(*in.StartDate), truncateDay(*in.EndDate)
	if end.Before(start) {
		return invalid("endDate", "must not be before startDate")
	}

	span := decimal.NewFromInt(int64(end.Sub(start)/(24*time.Hour)) + 1)
	days := span
	if in.DaysCount != nil {
		days = *in.DaysCount
	}
	if !days.IsPositive() {
		return invalid("daysCount", "must be positive")
	}
	if days.GreaterThan(span) {
		return invalid("daysCount", fmt.Sprintf("must not exceed the %s days between startDate and endDate", span))
	}

	req.StartDate = &start
	req.EndDate = &end
	req.DaysCount = days
	return nil
}

// =============================================================================
// READ
// =============================================================================

// List returns a page of requests, newest first. Non-admins only ever see
// their own requests, whatever filter they pass.
func (rs *RequestService) List(ctx context.Context, actor Identity, filter ListFilter, page, limit int) (*Page, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	if page < 1 {
		return nil, invalid("page", "must be at least 1")
	}
	if limit < 1 {
		return nil, invalid("limit", "must be at least 1")
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if page-1 > math.MaxInt/limit {
		return nil, invalid("page", "out of range")
	}
	if !actor.IsAdmin() {
		own := actor.UserID
		filter.UserID = &own
	}

	rows, total, err := rs.Store.ListRequests(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	users := make(map[UserID]*User)
	views := make([]RequestView, 0, len(rows))
	for _, r := range rows {
		views = append(views, *rs.enrichCached(ctx, r, users))
	}

	return &Page{
		Requests: views,
		Total:    total,
		Page:     page,
		Pages:    (total + limit - 1) / limit,
	}, nil
}

// Get returns one request to its owner or to an admin.
func (rs *RequestService) Get(ctx context.Context, actor Identity, id RequestID) (*RequestView, error) {
	req, err := rs.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && req.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: request belongs to another user", ErrForbidden)
	}
	return rs.enrich(ctx, *req), nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// UpdateStatus moves a request to status. Only admins may call it.
//
// For Leave requests entering Approved the owner's balance is reduced by
// daysCount in the same store transaction; an uncovered deduction fails
// with ErrInsufficientBalance and leaves the request untouched.
func (rs *RequestService) UpdateStatus(ctx context.Context, actor Identity, id RequestID, status RequestStatus, comment string) (*RequestView, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can change request status", ErrForbidden)
	}
	if !status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", status))
	}

	var (
		updated   Request
		oldStatus RequestStatus
	)
	for attempt := 1; ; attempt++ {
		current, err := rs.load(ctx, id)
		if err != nil {
			return nil, err
		}
		oldStatus = current.Status

		t := Transition{
			RequestID: id,
			From:      oldStatus,
			To:        status,
			Comment:   comment,
			ActionBy:  actor.UserID,
			At:        rs.now(),
		}
		if current.IsLeave() && status == StatusApproved && oldStatus != StatusApproved {
			t.Owner = current.UserID
			t.Deduct = current.DaysCount
		}

		updated, err = rs.Store.ApplyTransition(ctx, t)
		if err == nil {
			break
		}
		if IsRetryable(err) && attempt < maxTransitionAttempts {
			rs.Log.WithField("request", id).WithField("attempt", attempt).Debug("status changed underneath, retrying")
			continue
		}
		if !IsRetryable(err) {
			rs.Log.WithError(err).WithField("request", id).Warn("status transition rejected")
		}
		return nil, err
	}

	rs.Log.WithFields(logrus.Fields{
		"request_no": updated.RequestNo,
		"from":       oldStatus,
		"to":         updated.Status,
		"by":         actor.UserID,
	}).Info("request status updated")

	if oldStatus != updated.Status {
		rs.notifyOwner(ctx, updated)
	}

	view := rs.enrich(ctx, updated)
	rs.broadcast(ctx, EventStatusUpdate, view)
	return view, nil
}

func (rs *RequestService) notifyOwner(ctx context.Context, r Request) {
	if rs.Notifier == nil {
		return
	}
	kind, typ := "request", NotifyRequestUpdate
	if r.IsLeave() {
		kind, typ = "leave request", NotifyLeaveUpdate
	}
	msg := fmt.Sprintf("Your %s #%d is now %s", kind, r.RequestNo, r.Status)
	if c := strings.TrimSpace(r.Comment); c != "" {
		msg += ": " + c
	}
	if _, err := rs.Notifier.Notify(ctx, r.UserID, msg, typ); err != nil {
		rs.Log.WithError(err).WithField("user", r.UserID).Warn("owner notification failed")
	}
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a request. Owners may delete their own, admins any.
func (rs *RequestService) Delete(ctx context.Context, actor Identity, id RequestID) error {
	req, err := rs.load(ctx, id)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() && req.UserID != actor.UserID {
		return fmt.Errorf("%w: only the owner or an admin can delete a request", ErrForbidden)
	}

	removed, err := rs.Store.DeleteRequest(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return &NotFoundError{Kind: "request", ID: string(id)}
	}

	rs.broadcast(ctx, EventRequestDeleted, DeletedPayload{ID: id})
	rs.Log.WithField("request_no", req.RequestNo).WithField("by", actor.UserID).Info("request deleted")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (rs *RequestService) load(ctx context.Context, id RequestID) (*Request, error) {
	req, err := rs.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, &NotFoundError{Kind: "request", ID: string(id)}
	}
	return req, nil
}

func (rs *RequestService) enrich(ctx context.Context, r Request) *RequestView {
	return rs.enrichCached(ctx, r, make(map[UserID]*User))
}

// enrichCached attaches requester and actioner summaries. Lookup failures
// degrade to a view without the summary; the mutation already happened.
func (rs *RequestService) enrichCached(ctx context.Context, r Request, cache map[UserID]*User) *RequestView {
	view := &RequestView{Request: r}
	view.User = rs.lookupUser(ctx, r.UserID, cache).Summary()
	if r.ActionBy != nil {
		if u := rs.lookupUser(ctx, *r.ActionBy, cache); u != nil {
			view.ActionBy = &UserSummary{ID: u.ID, Name: u.Name}
		}
	}
	return view
}

func (rs *RequestService) lookupUser(ctx context.Context, id UserID, cache map[UserID]*User) *User {
	if u, ok := cache[id]; ok {
		return u
	}
	u, err := rs.Store.GetUser(ctx, id)
	if err != nil {
		rs.Log.WithError(err).WithField("user", id).Warn("user lookup failed")
		return nil
	}
	cache[id] = u
	return u
}

func (rs *RequestService) broadcast(ctx context.Context, name string, data any) {
	if err := rs.Publisher.Broadcast(ctx, Event{Name: name, Data: data}); err != nil {
		rs.Log.WithError(err).WithField("event", name).Warn("broadcast failed")
	}
}

func (rs *RequestService) now() time.Time {
	if rs.Now == nil {
		return time.Now().UTC()
	}
	return rs.Now().UTC()
}
