package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/devicecloud/quotad/internal/config"
	"github.com/devicecloud/quotad/internal/metrics"
)

// ErrDisconnected is returned by Ping while the connection is down.
var ErrDisconnected = errors.New("nats: not connected")

// Client owns the broker connection of one quotad instance: JetStream for
// ledger events, core NATS for cache invalidations.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects and makes sure the ledger event stream exists with the
// configured retention and duplicate window.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("quotad"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.NATSConnectionEventsTotal.WithLabelValues("disconnected").Inc()
			slog.Warn("nats: disconnected, ledger events will fail until reconnect", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.NATSConnectionEventsTotal.WithLabelValues("reconnected").Inc()
			slog.Info("nats: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Client{conn: nc, js: js}
	if err := c.ensureEventStream(ctx, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("nats: connected", "url", cfg.URL, "stream", StreamQuotaEvents)
	return c, nil
}

func (c *Client) ensureEventStream(ctx context.Context, cfg config.NATSConfig) error {
	sc := jetstream.StreamConfig{
		Name:        StreamQuotaEvents,
		Description: "quota ledger state changes and usage alerts",
		Subjects:    []string{SubjectQuotaAll},
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		Storage:     jetstream.FileStorage,
		MaxAge:      cfg.StreamMaxAge,
		Duplicates:  cfg.DedupWindow,
	}
	if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("ensuring stream %s: %w", sc.Name, err)
	}
	slog.Debug("nats: stream ready", "name", sc.Name, "max_age", sc.MaxAge, "duplicates", sc.Duplicates)
	return nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Ping round-trips to the server, bounded by ctx.
func (c *Client) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return ErrDisconnected
	}
	timeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := c.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats: ping: %w", err)
	}
	return nil
}

// Close drains in-flight messages, then closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("nats: draining connection", "error", err)
	}
}
