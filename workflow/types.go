/*
Package workflow provides the request lifecycle and leave-balance engine.

PURPOSE:
  Everything with state-machine or invariant-preserving logic lives here:
  request creation and status transitions, the leave-balance deduction tied
  to approval, notification fan-out and the monthly accrual job. HTTP,
  persistence and realtime transport are adapters behind the interfaces in
  store.go and events.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identity: the typed {userID, role} pair handed in by the identity provider
  - User: account with a decimal paid-leave balance
  - Request: a General or Leave ticket moving through Pending/Approved/Resolved/Cancelled
  - Notification: a per-user message with a read flag

JSON CONTRACT:
  Status and request type values are part of the client contract and are
  case-sensitive ("Pending", "Leave", ...). Field names keep the
  document shape clients already use (_id, requestNo, paidLeaveBalance, ...).

SEE ALSO:
  - request.go: RequestService (lifecycle engine)
  - notify.go: Notifier (fan-out)
  - accrual.go: AccrualJob
  - store.go: persistence ports
*/
package workflow

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & ENUMS
// =============================================================================

type UserID string
type RequestID string
type NotificationID string

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAdmin }

type RequestStatus string

const (
	StatusPending   RequestStatus = "Pending"
	StatusApproved  RequestStatus = "Approved"
	StatusResolved  RequestStatus = "Resolved"
	StatusCancelled RequestStatus = "Cancelled"
)

// Statuses lists every status in display order.
var Statuses = []RequestStatus{StatusPending, StatusApproved, StatusResolved, StatusCancelled}

func (s RequestStatus) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type RequestType string

const (
	TypeGeneral RequestType = "General"
	TypeLeave   RequestType = "Leave"
)

func (t RequestType) Valid() bool { return t == TypeGeneral || t == TypeLeave }

type NotificationType string

const (
	NotifyLeaveUpdate       NotificationType = "leave_update"
	NotifyRequestUpdate     NotificationType = "request_update"
	NotifyAdminAnnouncement NotificationType = "admin_announcement"
)

// MaxQueryLength bounds the free-text query of a request, in characters.
const MaxQueryLength = 1000

// FirstRequestNo is assigned when no request exists yet.
const FirstRequestNo int64 = 1001

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the caller as resolved by the identity provider. The engine
// trusts it as-is.
type Identity struct {
	UserID UserID
	Role   Role
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// =============================================================================
// USER
// =============================================================================

type User struct {
	ID               UserID          `json:"_id"`
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	Mobile           string          `json:"mobile"`
	ProfileImage     string          `json:"profileImage"`
	Role             Role            `json:"role"`
	PaidLeaveBalance decimal.Decimal `json:"paidLeaveBalance"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// UserSummary is the display projection attached to requests.
type UserSummary struct {
	ID           UserID `json:"_id"`
	Name         string `json:"name"`
	ProfileImage string `json:"profileImage,omitempty"`
	Role         Role   `json:"role,omitempty"`
}

func (u *User) Summary() *UserSummary {
	if u == nil {
		return nil
	}
	return &UserSummary{ID: u.ID, Name: u.Name, ProfileImage: u.ProfileImage, Role: u.Role}
}

// =============================================================================
// REQUEST
// =============================================================================

type Request struct {
	ID          RequestID       `json:"_id"`
	RequestNo   int64           `json:"requestNo"`
	UserID      UserID          `json:"-"`
	Query       string          `json:"query"`
	RequestType RequestType     `json:"requestType"`
	StartDate   *time.Time      `json:"startDate,omitempty"`
	EndDate     *time.Time      `json:"endDate,omitempty"`
	DaysCount   decimal.Decimal `json:"daysCount"`
	Status      RequestStatus   `json:"status"`
	Comment     string          `json:"comment"`
	ActionBy    *UserID         `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsLeave reports whether approving the request consumes leave balance.
func (r *Request) IsLeave() bool { return r.RequestType == TypeLeave }

// RequestView is a request enriched with requester and actioner display
// fields. It is what every mutating operation returns and publishes.
type RequestView struct {
	Request
	User     *UserSummary `json:"user"`
	ActionBy *UserSummary `json:"actionBy,omitempty"`
}

// CreateRequestInput carries the caller-supplied fields of a new request.
type CreateRequestInput struct {
	Query       string
	RequestType RequestType
	StartDate   *time.Time
	EndDate     *time.Time
	DaysCount   *decimal.Decimal
}

// ListFilter narrows List results. UserID is forced for non-admins.
type ListFilter struct {
	Status *RequestStatus
	UserID *UserID
}

// Page is one page of List results.
type Page struct {
	Requests []RequestView `json:"requests"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	Pages    int           `json:"pages"`
}

// StatusCounts always carries all four statuses.
type StatusCounts map[RequestStatus]int

func NewStatusCounts() StatusCounts {
	c := make(StatusCounts, len(Statuses))
	for _, s := range Statuses {
		c[s] = 0
	}
	return c
}

// Total sums all counts.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

type DailyCount struct {
	Date  string `json:"_id"`
	Count int    `json:"count"`
}

type DetailedStats struct {
	DailyCounts         []DailyCount `json:"dailyCounts"`
	AvgResolutionTimeMs float64      `json:"avgResolutionTime"`
}

// =============================================================================
// NOTIFICATION
// =============================================================================

type Notification struct {
	ID        NotificationID   `json:"_id"`
	UserID    UserID           `json:"user"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}

// =============================================================================
// HELPERS
// =============================================================================

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// truncateDay drops the clock part, keeping the date in UTC.
func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
