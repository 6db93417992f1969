package workflow

import (
	"context"
)

// Event names pushed over the realtime channel.
const (
	EventNewRequest        = "new_request"
	EventStatusUpdate      = "status_update"
	EventRequestDeleted    = "request_deleted"
	EventNotification      = "notification"
	EventAdminAnnouncement = "admin_announcement"
)

// Event is one realtime message. Data must be JSON-encodable.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Publisher is the publish/subscribe port the engine calls after state
// changes. Delivery is best-effort and at-most-once; clients reconcile by
// listing. Errors are logged by the engine, never returned to callers.
type Publisher interface {
	Broadcast(ctx context.Context, ev Event) error
	SendTo(ctx context.Context, userID UserID, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Broadcast(context.Context, Event) error      { return nil }
func (NopPublisher) SendTo(context.Context, UserID, Event) error { return nil }

// DeletedPayload is the body of a request_deleted event.
type DeletedPayload struct {
	ID RequestID `json:"id"`
}
