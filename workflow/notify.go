/*
notify.go - Notification fan-out

PURPOSE:
  Persists notifications and pushes them over the realtime port.

  Notify:      one record, pushed to the target user's private channel only
  Announce:    one record per existing user, ONE broadcast for everybody
  MarkAllRead: unread -> read for one user

  Persistence happens first; the push is best-effort and its failure only
  gets logged. Clients that missed a push catch up through List.
*/
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NotificationListLimit is how many notifications List returns.
const NotificationListLimit = 20

type Notifier struct {
	Store     Store
	Publisher Publisher
	Log       logrus.FieldLogger
	Now       func() time.Time
}

func NewNotifier(store Store, pub Publisher, log logrus.FieldLogger) *Notifier {
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Notifier{
		Store:     store,
		Publisher: pub,
		Log:       log.WithField("component", "notifier"),
		Now:       time.Now,
	}
}

// AnnouncementPayload is the body of the admin_announcement broadcast.
type AnnouncementPayload struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notify stores a notification for userID and pushes it to that user.
func (n *Notifier) Notify(ctx context.Context, userID UserID, message string, typ NotificationType) (*Notification, error) {
	if isBlank(message) {
		return nil, invalid("message", "must not be empty")
	}

	note := Notification{
		ID:        NotificationID(uuid.NewString()),
		UserID:    userID,
		Message:   strings.TrimSpace(message),
		Type:      typ,
		CreatedAt: n.now(),
	}
	if err := n.Store.InsertNotifications(ctx, []Notification{note}); err != nil {
		return nil, err
	}

	if err := n.Publisher.SendTo(ctx, userID, Event{Name: EventNotification, Data: note}); err != nil {
		n.Log.WithError(err).WithField("user", userID).Warn("notification push failed")
	}
	return &note, nil
}

// Announce stores one admin_announcement per user and broadcasts once.
// It returns the number of notifications created.
func (n *Notifier) Announce(ctx context.Context, actor Identity, message string) (int, error) {
	if !actor.IsAdmin() {
		return 0, fmt.Errorf("%w: only admins can announce", ErrForbidden)
	}
	if isBlank(message) {
		return 0, invalid("message", "must not be empty")
	}
	message = strings.TrimSpace(message)

	users, err := n.Store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	now := n.now()
	notes := make([]Notification, 0, len(users))
	for _, u := range users {
		notes = append(notes, Notification{
			ID:        NotificationID(uuid.NewString()),
			UserID:    u.ID,
			Message:   message,
			Type:      NotifyAdminAnnouncement,
			CreatedAt: now,
		})
	}
	if len(notes) > 0 {
		if err := n.Store.InsertNotifications(ctx, notes); err != nil {
			return 0, err
		}
	}

	ev := Event{Name: EventAdminAnnouncement, Data: AnnouncementPayload{
		Message:   message,
		Type:      string(NotifyAdminAnnouncement),
		CreatedAt: now,
	}}
	if err := n.Publisher.Broadcast(ctx, ev); err != nil {
		n.Log.WithError(err).Warn("announcement broadcast failed")
	}

	n.Log.WithField("recipients", len(notes)).WithField("by", actor.UserID).Info("announcement sent")
	return len(notes), nil
}

// MarkAllRead flips every unread notification of userID to read and
// returns how many changed.
func (n *Notifier) MarkAllRead(ctx context.Context, userID UserID) (int64, error) {
	return n.Store.MarkAllRead(ctx, userID)
}

// List returns the latest notifications of userID, newest first.
func (n *Notifier) List(ctx context.Context, userID UserID) ([]Notification, error) {
	notes, err := n.Store.ListNotifications(ctx, userID, NotificationListLimit)
	if err != nil {
		return nil, err
	}
	if notes == nil {
		notes = []Notification{}
	}
	return notes, nil
}

func (n *Notifier) now() time.Time {
	if n.Now == nil {
		return time.Now().UTC()
	}
	return n.Now().UTC()
}
