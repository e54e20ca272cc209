package clerksync

import (
	"context"

	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

// EventPublisher announces entity changes made by the sync.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.DomainEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.DomainEvent) error { return nil }

// publish is best effort: the database is the source of truth, so a failed
// announcement is logged and does not fail the sync.
func publish(ctx context.Context, p EventPublisher, log *zap.Logger, entity, action, id string, data interface{}) {
	ev, err := models.NewDomainEvent(entity, action, id, models.SourceSync, data)
	if err != nil {
		log.Warn("encode domain event", zap.Error(err))
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn("publish domain event",
			zap.String("subject", ev.Subject()),
			zap.String("entity_id", id),
			zap.Error(err))
	}
}
