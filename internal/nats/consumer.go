package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerSpec describes a durable pull consumer.
type ConsumerSpec struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

// ConsumerManager creates durable consumers on demand.
type ConsumerManager struct {
	js jetstream.JetStream
}

func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates spec's consumer. Redeliveries back off
// linearly in AckWait steps so a failing sink is not hammered.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, spec ConsumerSpec) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       spec.Durable,
		FilterSubject: spec.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       spec.AckWait,
		MaxDeliver:    spec.MaxDeliver,
		BackOff:       redeliveryBackoff(spec.AckWait, spec.MaxDeliver),
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, spec.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", spec.Durable, spec.Stream, err)
	}
	return consumer, nil
}

func redeliveryBackoff(step time.Duration, maxDeliver int) []time.Duration {
	if step <= 0 || maxDeliver < 2 {
		return nil
	}
	out := make([]time.Duration, maxDeliver-1)
	for i := range out {
		out[i] = step * time.Duration(i+1)
	}
	return out
}
