package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"backoffice-backend/internal/clerksync"
	"backoffice-backend/internal/models"
)

// DueDeliveries claims retry_ready deliveries whose next attempt is due.
type DueDeliveries interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error)
}

type DeliveryHandler interface {
	Handle(ctx context.Context, d *models.WebhookDelivery) (clerksync.Outcome, error)
}

// ReplayWorker feeds due deliveries back into the sync router.
type ReplayWorker struct {
	ledger   DueDeliveries
	handler  DeliveryHandler
	interval time.Duration
	batch    int
	now      func() time.Time
	log      *zap.Logger
	done     chan struct{}
}

func NewReplayWorker(ledger DueDeliveries, handler DeliveryHandler, interval time.Duration, batch int, log *zap.Logger) *ReplayWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReplayWorker{
		ledger:   ledger,
		handler:  handler,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.Named("replay"),
		done:     make(chan struct{}),
	}
}

// Start runs the worker until ctx is done.
func (w *ReplayWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
	w.log.Info("replay worker started", zap.Duration("interval", w.interval))
}

// Wait blocks until a started worker has returned, including any batch it
// was handling when ctx was cancelled.
func (w *ReplayWorker) Wait() {
	<-w.done
}

// RunOnce drains due deliveries batch by batch and returns how many were
// handled.
func (w *ReplayWorker) RunOnce(ctx context.Context) int {
	handled := 0
	for ctx.Err() == nil {
		due, err := w.ledger.ClaimDueDeliveries(ctx, w.now(), w.batch)
		if err != nil {
			w.log.Warn("claim due deliveries", zap.Error(err))
			return handled
		}
		if len(due) == 0 {
			return handled
		}

		for i := range due {
			d := &due[i]
			outcome, err := w.handler.Handle(ctx, d)
			handled++
			if err != nil {
				w.log.Info("replayed delivery failed",
					zap.String("delivery_id", d.DeliveryID),
					zap.String("event", d.EventType),
					zap.String("outcome", string(outcome)),
					zap.Error(err))
				continue
			}
			w.log.Debug("replayed delivery",
				zap.String("delivery_id", d.DeliveryID),
				zap.String("outcome", string(outcome)))
		}

		if len(due) < w.batch {
			return handled
		}
	}
	return handled
}
