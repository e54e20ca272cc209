package clerksync

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"backoffice-backend/internal/metrics"
	"backoffice-backend/internal/models"
)

// Outcome is the ledger state a delivery ends up in after one Handle call.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRetry     Outcome = "retry"
	OutcomeDead      Outcome = "dead"
)

// Ledger records delivery transitions.
type Ledger interface {
	CompleteDelivery(ctx context.Context, id string) error
	IgnoreDelivery(ctx context.Context, id string) error
	FailDelivery(ctx context.Context, id string, cause error, nextAttemptAt time.Time, maxAttempts int, terminal bool) (*models.WebhookDelivery, error)
}

// DeadLetterNotifier is told about deliveries that will not be retried.
type DeadLetterNotifier interface {
	NotifyDeadDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// Store is everything the router's handlers read and write.
type Store interface {
	UserStore
	OrganizationStore
	Ledger
}

type handlerFunc func(ctx context.Context, data json.RawMessage) error

type RouterConfig struct {
	Retry         RetryPolicy
	DeliveryRetry DeliveryRetryPolicy
	MaxAttempts   int
	Now           func() time.Time
}

// Router dispatches Clerk events to the entity syncs and records the result
// of each delivery in the ledger.
type Router struct {
	ledger   Ledger
	handlers map[string]handlerFunc
	cfg      RouterConfig
	metrics  *metrics.Metrics
	notifier DeadLetterNotifier
	log      *zap.Logger
}

func NewRouter(store Store, publisher EventPublisher, cfg RouterConfig, m *metrics.Metrics, notifier DeadLetterNotifier, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DeliveryRetry == nil {
		cfg.DeliveryRetry = ExponentialRetryPolicy{Initial: 30 * time.Second, Max: time.Hour}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 8
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	r := &Router{
		ledger:   store,
		cfg:      cfg,
		metrics:  m,
		notifier: notifier,
		log:      log.Named("sync"),
	}

	policy := cfg.Retry
	if m != nil {
		prev := policy.OnRetry
		policy.OnRetry = func(op string, n int, delay time.Duration, err error) {
			m.SyncRetries.WithLabelValues(op).Inc()
			if prev != nil {
				prev(op, n, delay, err)
			}
		}
	}

	users := NewUserSync(store, publisher, policy, log)
	orgs := NewOrganizationSync(store, publisher, policy, log)
	r.handlers = map[string]handlerFunc{
		EventUserCreated:         users.Upsert,
		EventUserUpdated:         users.Upsert,
		EventUserDeleted:         users.Delete,
		EventOrganizationCreated: orgs.Upsert,
		EventOrganizationUpdated: orgs.Upsert,
		EventOrganizationDeleted: orgs.Delete,
		EventMembershipCreated:   orgs.UpsertMembership,
		EventMembershipUpdated:   orgs.UpsertMembership,
		EventMembershipDeleted:   orgs.DeleteMembership,
	}
	return r
}

// Supports reports whether eventType has a handler.
func (r *Router) Supports(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// Handle processes one claimed delivery. The returned error is the sync
// failure, if any; the outcome says what the ledger now holds. Ledger write
// failures are returned as retryable errors.
func (r *Router) Handle(ctx context.Context, d *models.WebhookDelivery) (Outcome, error) {
	log := r.log.With(
		zap.String("delivery_id", d.DeliveryID),
		zap.String("event", d.EventType),
		zap.Int("attempt", d.Attempts+1))

	handler, ok := r.handlers[d.EventType]
	if !ok {
		if err := r.ledger.IgnoreDelivery(ctx, d.ID); err != nil {
			return "", Retryable("ledger.ignore", err)
		}
		log.Debug("ignoring unsupported event")
		r.count(d.EventType, OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	var event models.ClerkEvent
	err := json.Unmarshal(d.Payload, &event)
	if err != nil {
		err = Validation("decode", "decode envelope: %v", err)
	} else {
		start := time.Now()
		err = handler(ctx, event.Data)
		if r.metrics != nil {
			r.metrics.SyncDuration.WithLabelValues(d.EventType).Observe(time.Since(start).Seconds())
		}
	}

	if err == nil {
		if err := r.ledger.CompleteDelivery(ctx, d.ID); err != nil {
			return "", Retryable("ledger.complete", err)
		}
		r.count(d.EventType, OutcomeProcessed)
		return OutcomeProcessed, nil
	}

	kind := Classify(err)
	next := r.cfg.Now().Add(r.cfg.DeliveryRetry.NextDelay(d.Attempts + 1))
	updated, ferr := r.ledger.FailDelivery(ctx, d.ID, err, next, r.cfg.MaxAttempts, kind != KindRetryable)
	if ferr != nil {
		log.Error("record delivery failure", zap.Error(ferr), zap.NamedError("cause", err))
		return "", Retryable("ledger.fail", ferr)
	}

	if updated.Status == models.DeliveryStatusDead {
		log.Warn("delivery dead", zap.Stringer("kind", kind), zap.Error(err))
		r.count(d.EventType, OutcomeDead)
		if r.notifier != nil {
			if nerr := r.notifier.NotifyDeadDelivery(ctx, updated); nerr != nil {
				log.Warn("dead delivery notification failed", zap.Error(nerr))
			}
		}
		return OutcomeDead, err
	}

	log.Info("delivery scheduled for retry",
		zap.Stringer("kind", kind),
		zap.Timep("next_attempt_at", updated.NextAttemptAt),
		zap.Error(err))
	r.count(d.EventType, OutcomeRetry)
	return OutcomeRetry, err
}

func (r *Router) count(event string, outcome Outcome) {
	if r.metrics == nil {
		return
	}
	r.metrics.SyncOperations.WithLabelValues(event, string(outcome)).Inc()
}
