package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Identified payloads carry a stable message ID. JetStream drops a second
// publish with the same ID inside the stream's duplicate window.
type Identified interface {
	MessageID() string
}

// Publisher writes ledger payloads to JetStream as JSON.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Publish waits for the stream acknowledgement. A duplicate is not an error.
func (p *Publisher) Publish(ctx context.Context, subject string, data any) error {
	msg, err := newMessage(subject, data)
	if err != nil {
		return err
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func newMessage(subject string, data any) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload for %s: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	if ided, ok := data.(Identified); ok {
		msg.Header.Set(nats.MsgIdHdr, ided.MessageID())
	}
	return msg, nil
}
