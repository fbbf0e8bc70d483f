package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devicecloud/quotad/internal/metrics"
)

// Action names a ledger state change. The event subject is "quota.<action>".
type Action string

const (
	ActionCreated  Action = "created"
	ActionDeducted Action = "deducted"
	ActionRestored Action = "restored"
	ActionExceeded Action = "exceeded"
	ActionUpdated  Action = "updated"
	ActionRenewed  Action = "renewed"
	ActionDeleted  Action = "deleted"
	ActionExpired  Action = "expired"
	ActionAlert    Action = "alert"
)

// SubjectPrefix is the subject namespace of every ledger event.
const SubjectPrefix = "quota."

// Subject returns the subject an action is published on.
func (a Action) Subject() string {
	return SubjectPrefix + string(a)
}

// Event is the payload of every ledger notification.
type Event struct {
	UserID         uuid.UUID   `json:"user_id"`
	QuotaID        uuid.UUID   `json:"quota_id"`
	Action         Action      `json:"action"`
	Usage          Usage       `json:"usage"`
	Limits         Limits      `json:"limits"`
	Status         Status      `json:"status"`
	PreviousStatus Status      `json:"previous_status,omitempty"`
	Percentage     Percentages `json:"percentage"`
	Version        int64       `json:"version"`
	Timestamp      time.Time   `json:"timestamp"`
}

// MessageID identifies one action at one committed version of a quota, so a
// re-published event is recognised as a duplicate by the broker.
func (e Event) MessageID() string {
	return fmt.Sprintf("%s:%d:%s", e.QuotaID, e.Version, e.Action)
}

// NewEvent snapshots q for action.
func NewEvent(action Action, q *Quota, prev Status, at time.Time) Event {
	return Event{
		UserID:         q.UserID,
		QuotaID:        q.ID,
		Action:         action,
		Usage:          q.Usage,
		Limits:         q.Limits,
		Status:         q.Status,
		PreviousStatus: prev,
		Percentage:     q.UsagePercentage(),
		Version:        q.Version,
		Timestamp:      at,
	}
}

// Publisher delivers a payload on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// LogPublisher only logs events. It stands in when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, subject string, data any) error {
	slog.Debug("event published", "subject", subject, "payload", data)
	return nil
}

// emit publishes best-effort: a failure is logged and counted, never returned.
func (s *Service) emit(ctx context.Context, action Action, q *Quota, prev Status) {
	ev := NewEvent(action, q, prev, s.now())
	if err := s.events.Publish(ctx, action.Subject(), ev); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(action), "error").Inc()
		slog.Warn("ledger: publishing event failed",
			"action", action,
			"user_id", q.UserID,
			"quota_id", q.ID,
			"error", err,
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(action), "ok").Inc()
}
