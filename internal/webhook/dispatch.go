package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"backoffice-backend/internal/clerksync"
	"backoffice-backend/internal/models"
)

// Result is what the endpoint answers for a claimed delivery.
type Result struct {
	StatusCode int
	Status     string
	Error      string
}

// Dispatcher hands a claimed delivery to the sync.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *models.WebhookDelivery) Result
}

type DeliveryHandler interface {
	Handle(ctx context.Context, d *models.WebhookDelivery) (clerksync.Outcome, error)
}

// InlineDispatcher runs the sync within the request. Only retryable failures
// answer 5xx, which is what makes the sender redeliver.
type InlineDispatcher struct {
	handler DeliveryHandler
}

func NewInlineDispatcher(handler DeliveryHandler) *InlineDispatcher {
	return &InlineDispatcher{handler: handler}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, delivery *models.WebhookDelivery) Result {
	outcome, err := d.handler.Handle(ctx, delivery)
	res := Result{StatusCode: clerksync.StatusCode(err), Status: string(outcome)}
	if outcome == "" {
		res.Status = "error"
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// QueuePublisher puts deliveries on the JetStream work queue.
type QueuePublisher interface {
	PublishDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// Deferrer hands a delivery to the replay worker when it cannot be queued.
type Deferrer interface {
	DeferDelivery(ctx context.Context, id string, cause error, at time.Time) error
}

// QueueDispatcher publishes deliveries to NATS and answers 202. When the
// publish fails the delivery is scheduled for immediate replay instead.
type QueueDispatcher struct {
	queue  QueuePublisher
	ledger Deferrer
	log    *zap.Logger
}

func NewQueueDispatcher(queue QueuePublisher, ledger Deferrer, log *zap.Logger) *QueueDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueDispatcher{queue: queue, ledger: ledger, log: log.Named("queue_dispatch")}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, delivery *models.WebhookDelivery) Result {
	err := d.queue.PublishDelivery(ctx, delivery)
	if err == nil {
		return Result{StatusCode: http.StatusAccepted, Status: "queued"}
	}

	d.log.Warn("queue delivery, falling back to replay", zap.String("delivery_id", delivery.DeliveryID), zap.Error(err))
	cause := errors.Join(errors.New("queue publish failed"), err)
	// No sync ran, so the attempt budget is left alone.
	if ferr := d.ledger.DeferDelivery(ctx, delivery.ID, cause, time.Now().UTC()); ferr != nil {
		d.log.Error("record queue failure", zap.Error(ferr))
		return Result{StatusCode: http.StatusServiceUnavailable, Status: "error", Error: "delivery could not be queued"}
	}
	return Result{StatusCode: http.StatusAccepted, Status: "queued"}
}
