package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

const (
	WebhooksStream  = "BACKOFFICE_WEBHOOKS"
	WebhooksSubject = "backoffice.webhooks"
	EventsStream    = "BACKOFFICE_EVENTS"
	EventsSubject   = "backoffice.events"
)

type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
}

// Connect establishes the NATS connection and makes sure both streams exist.
func Connect(url string, log *zap.Logger) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")

	opts := []nats.Option{
		nats.Name("backoffice-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("async error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Client{nc: nc, js: js, log: log}
	if err := c.ensureStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure streams: %w", err)
	}
	return c, nil
}

// Close drains and closes the NATS connection.
func (c *Client) Close() error {
	return c.nc.Drain()
}

func (c *Client) JS() nats.JetStreamContext {
	return c.js
}

// Ping round-trips to the server.
func (c *Client) Ping(ctx context.Context) error {
	if c.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("nats status %s", c.nc.Status())
	}
	timeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return ctx.Err()
		}
	}
	return c.nc.FlushTimeout(timeout)
}

// Publish sends a domain event to backoffice.events.<entity>.<action>.
func (c *Client) Publish(ctx context.Context, ev models.DomainEvent) error {
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = c.js.Publish(EventsSubject+"."+ev.Subject(), data, nats.Context(ctx))
	return err
}

// PublishDelivery queues a claimed webhook delivery for the consumer. The
// ledger id doubles as the JetStream message id so a retried publish is
// deduplicated by the stream.
func (c *Client) PublishDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	data, err := msgpack.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	subject := DeliverySubject(d.Provider, d.EventType)
	_, err = c.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(d.ID))
	return err
}

// DeliverySubject returns backoffice.webhooks.<provider>.<event>.
func DeliverySubject(provider, eventType string) string {
	if eventType == "" {
		eventType = "unknown"
	}
	return WebhooksSubject + "." + provider + "." + eventType
}

func (c *Client) ensureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:       WebhooksStream,
			Subjects:   []string{WebhooksSubject + ".>"},
			Retention:  nats.WorkQueuePolicy,
			MaxAge:     72 * time.Hour,
			MaxMsgSize: 2 * 1024 * 1024,
			Duplicates: 10 * time.Minute,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{EventsSubject + ".>"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			MaxBytes:   1024 * 1024 * 1024,
			MaxMsgSize: 1 * 1024 * 1024,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
		},
	}

	for _, cfg := range streams {
		_, err := c.js.StreamInfo(cfg.Name)
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, err := c.js.AddStream(cfg); err != nil {
				return fmt.Errorf("create stream %s: %w", cfg.Name, err)
			}
			c.log.Info("created stream", zap.String("stream", cfg.Name))
			continue
		}
		if err != nil {
			return fmt.Errorf("get stream info %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// NopPublisher discards events when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.DomainEvent) error { return nil }
