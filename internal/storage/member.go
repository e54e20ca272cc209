package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"backoffice-backend/internal/models"
)

var memberColumns = []string{
	"m.id", "m.external_id", "m.organization_id", "m.user_id", "m.role", "m.created_at", "m.updated_at",
	"u.email AS user_email",
	"TRIM(u.first_name || ' ' || u.last_name) AS user_name",
	"o.name AS organization_name",
}

var memberSortColumns = map[string]string{
	"role":              "m.role",
	"created_at":        "m.created_at",
	"updated_at":        "m.updated_at",
	"user_email":        "u.email",
	"organization_name": "o.name",
}

func memberSelect() sq.SelectBuilder {
	return psql.Select(memberColumns...).
		From("members m").
		Join("users u ON u.id = m.user_id").
		Join("organizations o ON o.id = m.organization_id")
}

func (s *Storage) ListMembers(ctx context.Context, filter models.MemberFilter, params models.ListParams) (models.Page[models.Member], error) {
	params = params.Normalize()
	page := models.Page[models.Member]{Items: []models.Member{}, Page: params.Page, PageSize: params.PageSize}

	where := sq.And{}
	if filter.OrganizationID != "" {
		where = append(where, sq.Eq{"m.organization_id": filter.OrganizationID})
	}
	if filter.UserID != "" {
		where = append(where, sq.Eq{"m.user_id": filter.UserID})
	}
	if filter.Role != "" {
		where = append(where, sq.Eq{"m.role": models.NormalizeRole(filter.Role)})
	}
	if params.Search != "" {
		pattern := searchPattern(params.Search)
		where = append(where, sq.Or{
			sq.ILike{"u.email": pattern},
			sq.ILike{"u.first_name": pattern},
			sq.ILike{"u.last_name": pattern},
			sq.ILike{"o.name": pattern},
		})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").
		From("members m").
		Join("users u ON u.id = m.user_id").
		Join("organizations o ON o.id = m.organization_id").
		Where(where).
		ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		return page, fmt.Errorf("count members: %w", err)
	}

	query, args, err := memberSelect().
		Where(where).
		OrderBy(orderBy(sortColumn(memberSortColumns, params.Sort, "m.created_at"), params.Desc), "m.id ASC").
		Limit(uint64(params.PageSize)).
		Offset(uint64(params.Offset())).
		ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.SelectContext(ctx, &page.Items, query, args...); err != nil {
		return page, fmt.Errorf("list members: %w", err)
	}

	return page, nil
}

func (s *Storage) GetMember(ctx context.Context, id string) (*models.Member, error) {
	return s.getMemberWhere(ctx, s.db, sq.Eq{"m.id": id})
}

func (s *Storage) getMemberWhere(ctx context.Context, q sqlx.QueryerContext, pred interface{}) (*models.Member, error) {
	query, args, err := memberSelect().Where(pred).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}

	var member models.Member
	if err := sqlx.GetContext(ctx, q, &member, query, args...); err != nil {
		return nil, notFound(err, ErrMemberNotFound)
	}
	return &member, nil
}

func (s *Storage) CreateMember(ctx context.Context, member *models.Member) error {
	if member.ID == "" {
		member.ID = uuid.New().String()
	}
	member.Role = models.NormalizeRole(member.Role)

	query := `
		INSERT INTO members (id, external_id, organization_id, user_id, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowxContext(ctx, query,
		member.ID, member.ExternalID, member.OrganizationID, member.UserID, member.Role,
	).Scan(&member.CreatedAt, &member.UpdatedAt)
	return mapWriteError(err)
}

func (s *Storage) UpdateMemberRole(ctx context.Context, id, role string) (*models.Member, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET role = $2, updated_at = NOW() WHERE id = $1
	`, id, models.NormalizeRole(role))
	if err != nil {
		return nil, err
	}
	if err := expectAffected(res, ErrMemberNotFound); err != nil {
		return nil, err
	}
	return s.GetMember(ctx, id)
}

func (s *Storage) DeleteMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrMemberNotFound)
}

// UpsertMemberByExternalID links the membership to the (organization, user)
// pair, updating the role if the pair already exists.
func (s *Storage) UpsertMemberByExternalID(ctx context.Context, member *models.Member) (bool, error) {
	if member.ID == "" {
		member.ID = uuid.New().String()
	}
	member.Role = models.NormalizeRole(member.Role)

	query := `
		INSERT INTO members (id, external_id, organization_id, user_id, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, user_id)
		DO UPDATE SET external_id = EXCLUDED.external_id, role = EXCLUDED.role, updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`
	var inserted bool
	err := s.db.QueryRowxContext(ctx, query,
		member.ID, member.ExternalID, member.OrganizationID, member.UserID, member.Role,
	).Scan(&member.ID, &member.CreatedAt, &member.UpdatedAt, &inserted)
	if err != nil {
		return false, mapWriteError(err)
	}
	return inserted, nil
}

// DeleteMemberByExternalID removes a membership by its external id, falling
// back to the (organization, user) pair when the link was never recorded.
func (s *Storage) DeleteMemberByExternalID(ctx context.Context, externalID, organizationID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE external_id = $1`, externalID)
	if err != nil {
		return false, err
	}
	deleted, err := anyAffected(res)
	if err != nil || deleted || organizationID == "" || userID == "" {
		return deleted, err
	}

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM members WHERE organization_id = $1 AND user_id = $2
	`, organizationID, userID)
	if err != nil {
		return false, err
	}
	return anyAffected(res)
}
