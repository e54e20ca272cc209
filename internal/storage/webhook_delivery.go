package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"backoffice-backend/internal/models"
)

var ErrDeliveryNotReplayable = errors.New("webhook delivery is not in a replayable state")

const deliveryReturning = `
	RETURNING id, provider, delivery_id, event_type, payload, status, attempts,
		last_error, next_attempt_at, created_at, updated_at
`

var deliveryColumns = []string{
	"id", "provider", "delivery_id", "event_type", "payload", "status", "attempts",
	"last_error", "next_attempt_at", "created_at", "updated_at",
}

// ClaimDelivery records a new delivery as processing. A delivery that already
// exists is claimed again only when it is waiting for a retry or its previous
// processing lease expired. claimed is false for duplicates, in which case
// the stored record is returned.
func (s *Storage) ClaimDelivery(ctx context.Context, d models.WebhookDelivery, lease time.Duration) (*models.WebhookDelivery, bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	query := `
		INSERT INTO webhook_deliveries (id, provider, delivery_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5::jsonb, 'processing')
		ON CONFLICT (provider, delivery_id) DO UPDATE
		SET status = 'processing', updated_at = NOW()
		WHERE webhook_deliveries.status = 'retry_ready'
			OR (webhook_deliveries.status IN ('pending', 'processing')
				AND webhook_deliveries.updated_at < NOW() - make_interval(secs => $6))
	` + deliveryReturning

	var claimed models.WebhookDelivery
	err := s.db.GetContext(ctx, &claimed, query,
		d.ID, d.Provider, d.DeliveryID, d.EventType, string(d.Payload), lease.Seconds(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetDeliveryByDeliveryID(ctx, d.Provider, d.DeliveryID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim delivery: %w", err)
	}
	return &claimed, true, nil
}

// staleLease is how long a delivery may sit in pending or processing before
// the replay worker assumes its owner died.
const staleLease = 10 * time.Minute

// ClaimDueDeliveries moves up to limit deliveries into processing and returns
// them: retry_ready rows whose next attempt time has passed, and rows whose
// processing lease went stale.
func (s *Storage) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	query := `
		UPDATE webhook_deliveries SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE (status = 'retry_ready' AND next_attempt_at <= $1::timestamptz)
				OR (status IN ('pending', 'processing') AND updated_at < $1::timestamptz - make_interval(secs => $3))
			ORDER BY next_attempt_at NULLS FIRST
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	` + deliveryReturning

	deliveries := []models.WebhookDelivery{}
	if err := s.db.SelectContext(ctx, &deliveries, query, now, limit, staleLease.Seconds()); err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	return deliveries, nil
}

func (s *Storage) CompleteDelivery(ctx context.Context, id string) error {
	return s.finishDelivery(ctx, id, models.DeliveryStatusProcessed)
}

func (s *Storage) IgnoreDelivery(ctx context.Context, id string) error {
	return s.finishDelivery(ctx, id, models.DeliveryStatusIgnored)
}

func (s *Storage) finishDelivery(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = attempts + 1, last_error = NULL, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrDeliveryNotFound)
}

// FailDelivery records a failed attempt. The delivery becomes dead when
// terminal is set or the attempt budget is exhausted, otherwise retry_ready at
// nextAttemptAt.
func (s *Storage) FailDelivery(ctx context.Context, id string, cause error, nextAttemptAt time.Time, maxAttempts int, terminal bool) (*models.WebhookDelivery, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	query := `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN $4::boolean OR attempts + 1 >= $5::int THEN 'dead' ELSE 'retry_ready' END,
			next_attempt_at = CASE WHEN $4::boolean OR attempts + 1 >= $5::int THEN NULL ELSE $3::timestamptz END,
			updated_at = NOW()
		WHERE id = $1
	` + deliveryReturning

	var d models.WebhookDelivery
	if err := s.db.GetContext(ctx, &d, query, id, message, nextAttemptAt, terminal, maxAttempts); err != nil {
		return nil, notFound(err, ErrDeliveryNotFound)
	}
	return &d, nil
}

// DeferDelivery schedules an in-flight delivery for the replay worker without
// counting an attempt. It is used when the delivery never reached a sync.
func (s *Storage) DeferDelivery(ctx context.Context, id string, cause error, at time.Time) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'retry_ready', last_error = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, message, at)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrDeliveryNotFound)
}

// RequeueDelivery schedules a dead or retry_ready delivery for the replay
// worker at the given time. Dead deliveries get a fresh attempt budget.
func (s *Storage) RequeueDelivery(ctx context.Context, id string, at time.Time) (*models.WebhookDelivery, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'retry_ready',
			attempts = CASE WHEN status = 'dead' THEN 0 ELSE attempts END,
			next_attempt_at = $2,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('dead', 'retry_ready')
	` + deliveryReturning

	var d models.WebhookDelivery
	err := s.db.GetContext(ctx, &d, query, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetDelivery(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrDeliveryNotReplayable
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Storage) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	return s.getDeliveryWhere(ctx, sq.Eq{"id": id})
}

func (s *Storage) GetDeliveryByDeliveryID(ctx context.Context, provider, deliveryID string) (*models.WebhookDelivery, error) {
	return s.getDeliveryWhere(ctx, sq.Eq{"provider": provider, "delivery_id": deliveryID})
}

func (s *Storage) getDeliveryWhere(ctx context.Context, pred interface{}) (*models.WebhookDelivery, error) {
	query, args, err := psql.Select(deliveryColumns...).From("webhook_deliveries").Where(pred).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}

	var d models.WebhookDelivery
	if err := s.db.GetContext(ctx, &d, query, args...); err != nil {
		return nil, notFound(err, ErrDeliveryNotFound)
	}
	return &d, nil
}

func (s *Storage) ListDeliveries(ctx context.Context, filter models.DeliveryFilter, params models.ListParams) (models.Page[models.WebhookDelivery], error) {
	params = params.Normalize()
	page := models.Page[models.WebhookDelivery]{Items: []models.WebhookDelivery{}, Page: params.Page, PageSize: params.PageSize}

	where := sq.And{}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": filter.Status})
	}
	if filter.EventType != "" {
		where = append(where, sq.Eq{"event_type": filter.EventType})
	}
	if params.Search != "" {
		where = append(where, sq.ILike{"delivery_id": searchPattern(params.Search)})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("webhook_deliveries").Where(where).ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		return page, fmt.Errorf("count deliveries: %w", err)
	}

	sortable := map[string]string{"created_at": "created_at", "updated_at": "updated_at", "attempts": "attempts"}
	query, args, err := psql.Select(deliveryColumns...).
		From("webhook_deliveries").
		Where(where).
		OrderBy(orderBy(sortColumn(sortable, params.Sort, "created_at"), params.Desc || params.Sort == ""), "id ASC").
		Limit(uint64(params.PageSize)).
		Offset(uint64(params.Offset())).
		ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.SelectContext(ctx, &page.Items, query, args...); err != nil {
		return page, fmt.Errorf("list deliveries: %w", err)
	}

	return page, nil
}
