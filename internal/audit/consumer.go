// Package audit persists the ledger's event stream so every state change of
// a quota can be reviewed later.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/devicecloud/quotad/internal/nats"
	"github.com/devicecloud/quotad/internal/metrics"
	"github.com/devicecloud/quotad/internal/quota"
)

const (
	consumerName = "quota-audit"
	maxDeliver   = 5
)

// Inserter stores audit entries. It reports false when an entry with the
// same MessageID was already stored.
type Inserter interface {
	Insert(ctx context.Context, e *Entry) (bool, error)
}

// Consumer reads every quota event from JetStream and writes it to the
// audit table.
type Consumer struct {
	repo        Inserter
	consumerMgr *inats.ConsumerManager
	ackWait     time.Duration
}

// NewConsumer creates a new audit Consumer. ackWait bounds how long one
// insert may take before JetStream redelivers the event.
func NewConsumer(repo Inserter, consumerMgr *inats.ConsumerManager, ackWait time.Duration) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
		ackWait:     ackWait,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.ConsumerSpec{
		Stream:        inats.StreamQuotaEvents,
		Durable:       consumerName,
		FilterSubject: inats.SubjectQuotaAll,
		MaxDeliver:    maxDeliver,
		AckWait:       c.ackWait,
	})
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(20, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	entry, err := entryFromMessage(msg.Subject(), msg.Headers().Get(nats.MsgIdHdr), msg.Data())
	if err != nil {
		// Redelivery cannot fix a payload we cannot parse.
		slog.Error("audit consumer: dropping malformed event", "subject", msg.Subject(), "error", err)
		metrics.AuditEntriesTotal.WithLabelValues("dropped").Inc()
		_ = msg.Term()
		return
	}

	inserted, err := c.repo.Insert(ctx, entry)
	if err != nil {
		slog.Error("audit consumer: persisting entry", "error", err, "action", entry.Action)
		metrics.AuditEntriesTotal.WithLabelValues("retried").Inc()
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
	if !inserted {
		slog.Debug("audit consumer: skipping redelivered event", "message_id", entry.MessageID)
		metrics.AuditEntriesTotal.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.AuditEntriesTotal.WithLabelValues("stored").Inc()

	slog.Debug("audit consumer: persisted event",
		"action", entry.Action,
		"user_id", entry.UserID,
		"quota_id", entry.QuotaID,
	)
}

// entryFromMessage maps a ledger event or a usage alert to an audit entry.
// The raw payload is kept verbatim. msgID is the broker message ID; ledger
// events published without one fall back to their own identity.
func entryFromMessage(subject, msgID string, data []byte) (*Entry, error) {
	action := quota.Action(strings.TrimPrefix(subject, quota.SubjectPrefix))

	e := &Entry{ID: uuid.New(), MessageID: msgID, Action: string(action), Payload: data, CreatedAt: time.Now().UTC()}
	if action == quota.ActionAlert {
		var a quota.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decoding alert: %w", err)
		}
		e.UserID, e.QuotaID, e.Status = a.UserID, a.QuotaID, string(a.Severity)
		return e, nil
	}

	var ev quota.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if ev.UserID == uuid.Nil || ev.QuotaID == uuid.Nil {
		return nil, errors.New("event without user or quota id")
	}
	e.UserID, e.QuotaID, e.Status = ev.UserID, ev.QuotaID, string(ev.Status)
	if e.MessageID == "" && ev.Version > 0 {
		e.MessageID = ev.MessageID()
	}
	if !ev.Timestamp.IsZero() {
		e.CreatedAt = ev.Timestamp
	}
	return e, nil
}
