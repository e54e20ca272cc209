package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"backoffice-backend/internal/clerksync"
	"backoffice-backend/internal/models"
	"backoffice-backend/internal/natsbus"
	"backoffice-backend/internal/storage"
)

const (
	consumerName = "backoffice-webhooks"
	nakDelay     = 5 * time.Second
)

// DeliveryHandler processes one delivery and records its outcome.
type DeliveryHandler interface {
	Handle(ctx context.Context, d *models.WebhookDelivery) (clerksync.Outcome, error)
}

// DeliveryLoader reads the current ledger row for a queued delivery.
type DeliveryLoader interface {
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
}

// WebhookConsumer drains BACKOFFICE_WEBHOOKS and runs each delivery through
// the sync router. The ledger owns retry scheduling: once an outcome is
// recorded the message is acked and the replay worker takes over. Messages
// are only redelivered when the outcome could not be recorded.
type WebhookConsumer struct {
	js      nats.JetStreamContext
	ledger  DeliveryLoader
	handler DeliveryHandler
	sub     *nats.Subscription
	done    chan struct{}
	log     *zap.Logger
}

func NewWebhookConsumer(js nats.JetStreamContext, ledger DeliveryLoader, handler DeliveryHandler, log *zap.Logger) *WebhookConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookConsumer{
		js:      js,
		ledger:  ledger,
		handler: handler,
		done:    make(chan struct{}),
		log:     log.Named("webhook_consumer"),
	}
}

// Start begins consuming deliveries from JetStream.
func (c *WebhookConsumer) Start(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(
		natsbus.WebhooksSubject+".>",
		consumerName,
		nats.BindStream(natsbus.WebhooksStream),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(10),
		nats.MaxAckPending(1000),
	)
	if err != nil {
		return err
	}
	c.sub = sub

	go c.consumeLoop(ctx)
	c.log.Info("webhook consumer started")
	return nil
}

func (c *WebhookConsumer) consumeLoop(ctx context.Context) {
	defer close(c.done)

	fetch := newFetchSizer(16, 4, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.sub.Fetch(fetch.size, nats.MaxWait(5*time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
					return
				}
				c.log.Warn("fetch error", zap.Error(err))
			}
			fetch.observe(0)
			continue
		}
		fetch.observe(len(msgs))

		for _, msg := range msgs {
			c.process(ctx, msg)
		}
	}
}

func (c *WebhookConsumer) process(ctx context.Context, msg *nats.Msg) {
	var queued models.WebhookDelivery
	if err := msgpack.Unmarshal(msg.Data, &queued); err != nil {
		c.log.Error("undecodable delivery, terminating", zap.String("subject", msg.Subject), zap.Error(err))
		_ = msg.Term()
		return
	}
	log := c.log.With(zap.String("delivery_id", queued.DeliveryID), zap.String("event", queued.EventType))

	d, err := c.ledger.GetDelivery(ctx, queued.ID)
	if errors.Is(err, storage.ErrDeliveryNotFound) {
		log.Warn("queued delivery missing from ledger, terminating")
		_ = msg.Term()
		return
	}
	if err != nil {
		log.Warn("load delivery", zap.Error(err))
		_ = msg.NakWithDelay(nakDelay)
		return
	}
	if d.Terminal() {
		log.Debug("delivery already finished", zap.String("status", d.Status))
		_ = msg.Ack()
		return
	}

	outcome, err := c.handler.Handle(ctx, d)
	if outcome == "" {
		log.Warn("delivery outcome not recorded, redelivering", zap.Error(err))
		_ = msg.NakWithDelay(nakDelay)
		return
	}
	if err != nil {
		log.Info("delivery failed", zap.String("outcome", string(outcome)), zap.Error(err))
	}
	_ = msg.Ack()
}

// Stop drains the subscription and waits for the loop to exit.
func (c *WebhookConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Drain()
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
	}
	return err
}

// fetchSizer grows the batch size after consecutive full fetches and shrinks
// it after consecutive empty ones.
type fetchSizer struct {
	size, min, max int
	full, empty    int
}

func newFetchSizer(size, min, max int) *fetchSizer {
	return &fetchSizer{size: size, min: min, max: max}
}

func (f *fetchSizer) observe(n int) {
	switch {
	case n == 0:
		f.empty++
		f.full = 0
		if f.empty >= 3 && f.size > f.min {
			f.size /= 2
			if f.size < f.min {
				f.size = f.min
			}
			f.empty = 0
		}
	case n == f.size:
		f.full++
		f.empty = 0
		if f.full >= 3 && f.size < f.max {
			f.size *= 2
			if f.size > f.max {
				f.size = f.max
			}
			f.full = 0
		}
	default:
		f.full = 0
		f.empty = 0
	}
}
