package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

var orgColumns = []string{
	"o.id", "o.external_id", "o.name", "o.slug", "o.image_url", "o.created_by",
	"o.max_memberships", "o.created_at", "o.updated_at",
	"(SELECT COUNT(*) FROM members m WHERE m.organization_id = o.id) AS members_count",
}

var orgSortColumns = map[string]string{
	"name":          "o.name",
	"slug":          "o.slug",
	"created_at":    "o.created_at",
	"updated_at":    "o.updated_at",
	"members_count": "members_count",
}

func (s *Storage) ListOrganizations(ctx context.Context, params models.ListParams) (models.Page[models.Organization], error) {
	params = params.Normalize()
	page := models.Page[models.Organization]{Items: []models.Organization{}, Page: params.Page, PageSize: params.PageSize}

	var where sq.And
	if params.Search != "" {
		pattern := searchPattern(params.Search)
		where = append(where, sq.Or{sq.ILike{"o.name": pattern}, sq.ILike{"o.slug": pattern}})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("organizations o").Where(where).ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		return page, fmt.Errorf("count organizations: %w", err)
	}

	query, args, err := psql.Select(orgColumns...).
		From("organizations o").
		Where(where).
		OrderBy(orderBy(sortColumn(orgSortColumns, params.Sort, "o.created_at"), params.Desc), "o.id ASC").
		Limit(uint64(params.PageSize)).
		Offset(uint64(params.Offset())).
		ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.SelectContext(ctx, &page.Items, query, args...); err != nil {
		return page, fmt.Errorf("list organizations: %w", err)
	}

	return page, nil
}

func (s *Storage) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	return s.getOrganizationWhere(ctx, s.db, sq.Eq{"o.id": id}, false)
}

func (s *Storage) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	return s.getOrganizationWhere(ctx, s.db, sq.Eq{"o.slug": slug}, false)
}

func (s *Storage) GetOrganizationByExternalID(ctx context.Context, externalID string) (*models.Organization, error) {
	return s.getOrganizationWhere(ctx, s.db, sq.Eq{"o.external_id": externalID}, false)
}

func (s *Storage) getOrganizationWhere(ctx context.Context, q sqlx.QueryerContext, pred interface{}, forUpdate bool) (*models.Organization, error) {
	b := psql.Select(orgColumns...).From("organizations o").Where(pred).Limit(1)
	if forUpdate {
		b = b.Suffix("FOR UPDATE OF o")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	var org models.Organization
	if err := sqlx.GetContext(ctx, q, &org, query, args...); err != nil {
		return nil, notFound(err, ErrOrgNotFound)
	}
	return &org, nil
}

func (s *Storage) CreateOrganization(ctx context.Context, org *models.Organization) error {
	return s.createOrganization(ctx, s.db, org)
}

func (s *Storage) createOrganization(ctx context.Context, q sqlx.QueryerContext, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}

	query := `
		INSERT INTO organizations (id, external_id, name, slug, image_url, created_by, max_memberships)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := q.QueryRowxContext(ctx, query,
		org.ID, org.ExternalID, org.Name, org.Slug, org.ImageURL, org.CreatedBy, org.MaxMemberships,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	return mapWriteError(err)
}

func (s *Storage) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	return s.updateOrganization(ctx, s.db, org)
}

func (s *Storage) updateOrganization(ctx context.Context, q sqlx.QueryerContext, org *models.Organization) error {
	query := `
		UPDATE organizations
		SET external_id = $2, name = $3, slug = $4, image_url = $5, created_by = $6,
			max_memberships = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := q.QueryRowxContext(ctx, query,
		org.ID, org.ExternalID, org.Name, org.Slug, org.ImageURL, org.CreatedBy, org.MaxMemberships,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrgNotFound
	}
	return mapWriteError(err)
}

func (s *Storage) DeleteOrganization(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrOrgNotFound)
}

func (s *Storage) DeleteOrganizationByExternalID(ctx context.Context, externalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE external_id = $1`, externalID)
	if err != nil {
		return false, err
	}
	return anyAffected(res)
}

// UpsertOrganizationByExternalID mirrors UpsertUserByExternalID: an unlinked
// organization with the same slug is adopted.
func (s *Storage) UpsertOrganizationByExternalID(ctx context.Context, org *models.Organization) (bool, error) {
	if org.ExternalID == nil || *org.ExternalID == "" {
		return false, errors.New("upsert organization: external id is required")
	}

	created := false
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.getOrganizationWhere(ctx, tx, sq.Eq{"o.external_id": *org.ExternalID}, true)
		if errors.Is(err, ErrOrgNotFound) {
			existing, err = s.getOrganizationWhere(ctx, tx, sq.Eq{"o.slug": org.Slug, "o.external_id": nil}, true)
		}
		switch {
		case errors.Is(err, ErrOrgNotFound):
			created = true
			return s.createOrganization(ctx, tx, org)
		case err != nil:
			return err
		}

		if existing.ExternalID == nil {
			s.log.Info("linking existing organization to external id",
				zap.String("organization_id", existing.ID),
				zap.String("external_id", *org.ExternalID))
		}
		org.ID = existing.ID
		org.MembersCount = existing.MembersCount
		return s.updateOrganization(ctx, tx, org)
	})
	if err != nil {
		if created && (errors.Is(err, ErrExternalIDTaken) || errors.Is(err, ErrSlugTaken)) && s.orgUpsertRaced(ctx, org) {
			return false, fmt.Errorf("%w: %w", ErrUpsertRace, err)
		}
		return false, err
	}
	return created, nil
}

func (s *Storage) orgUpsertRaced(ctx context.Context, org *models.Organization) bool {
	_, err := s.getOrganizationWhere(ctx, s.db, sq.Or{
		sq.Eq{"o.external_id": *org.ExternalID},
		sq.Eq{"o.slug": org.Slug, "o.external_id": nil},
	}, false)
	return err == nil
}
