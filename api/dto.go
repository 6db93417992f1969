/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Request bodies the handlers decode, plus the few response wrappers that
  are not domain types. Domain types (workflow.RequestView, workflow.User,
  workflow.Notification) already carry their JSON contract and are written
  as-is.

NAMING CONVENTION:
  - *Body:     Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Shape checks (JSON, dates, numbers) happen here and in the handlers;
  business rules live in workflow.
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/team-desk/workflow"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// CreateRequestBody is the body of POST /api/requests.
type CreateRequestBody struct {
	Query       string           `json:"query"`
	RequestType string           `json:"requestType"`
	StartDate   string           `json:"startDate"`
	EndDate     string           `json:"endDate"`
	DaysCount   *decimal.Decimal `json:"daysCount"`
}

// toInput converts the body, parsing dates as YYYY-MM-DD or RFC3339.
func (b CreateRequestBody) toInput() (workflow.CreateRequestInput, error) {
	in := workflow.CreateRequestInput{
		Query:       b.Query,
		RequestType: workflow.RequestType(b.RequestType),
		DaysCount:   b.DaysCount,
	}

	var err error
	if in.StartDate, err = parseDate("startDate", b.StartDate); err != nil {
		return in, err
	}
	if in.EndDate, err = parseDate("endDate", b.EndDate); err != nil {
		return in, err
	}
	return in, nil
}

// UpdateStatusBody is the body of PUT /api/requests/{id}.
type UpdateStatusBody struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

// AnnouncementBody is the body of POST /api/admin/announcements.
type AnnouncementBody struct {
	Message string `json:"message"`
}

// RoleBody is the body of PUT /api/admin/users/role.
type RoleBody struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// BalanceBody is the body of PUT /api/admin/users/{id}/balance.
type BalanceBody struct {
	PaidLeaveBalance *decimal.Decimal `json:"paidLeaveBalance"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Clients     int    `json:"clients"`
	NextAccrual string `json:"nextAccrual,omitempty"`
}

type AnnounceResponse struct {
	Message    string `json:"message"`
	Recipients int    `json:"recipients"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDate(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, &workflow.ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", s)}
}
