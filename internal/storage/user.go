package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

var userColumns = []string{
	"id", "external_id", "email", "first_name", "last_name", "username",
	"image_url", "password_hash", "is_admin", "created_at", "updated_at",
}

var userSortColumns = map[string]string{
	"email":      "email",
	"first_name": "first_name",
	"last_name":  "last_name",
	"username":   "username",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func (s *Storage) ListUsers(ctx context.Context, params models.ListParams) (models.Page[models.User], error) {
	params = params.Normalize()
	page := models.Page[models.User]{Items: []models.User{}, Page: params.Page, PageSize: params.PageSize}

	var where sq.And
	if params.Search != "" {
		pattern := searchPattern(params.Search)
		where = append(where, sq.Or{
			sq.ILike{"email": pattern},
			sq.ILike{"first_name": pattern},
			sq.ILike{"last_name": pattern},
			sq.ILike{"username": pattern},
		})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("users").Where(where).ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		return page, fmt.Errorf("count users: %w", err)
	}

	query, args, err := psql.Select(userColumns...).
		From("users").
		Where(where).
		OrderBy(orderBy(sortColumn(userSortColumns, params.Sort, "created_at"), params.Desc), "id ASC").
		Limit(uint64(params.PageSize)).
		Offset(uint64(params.Offset())).
		ToSql()
	if err != nil {
		return page, err
	}
	if err := s.db.SelectContext(ctx, &page.Items, query, args...); err != nil {
		return page, fmt.Errorf("list users: %w", err)
	}

	return page, nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUserWhere(ctx, s.db, sq.Eq{"id": id}, false)
}

func (s *Storage) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return s.getUserWhere(ctx, s.db, sq.Eq{"external_id": externalID}, false)
}

func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUserWhere(ctx, s.db, sq.Expr("lower(email) = lower(?)", email), false)
}

func (s *Storage) getUserWhere(ctx context.Context, q sqlx.QueryerContext, pred interface{}, forUpdate bool) (*models.User, error) {
	b := psql.Select(userColumns...).From("users").Where(pred).Limit(1)
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := sqlx.GetContext(ctx, q, &user, query, args...); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &user, nil
}

func (s *Storage) CreateUser(ctx context.Context, user *models.User) error {
	return s.createUser(ctx, s.db, user)
}

func (s *Storage) createUser(ctx context.Context, q sqlx.QueryerContext, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.TrimSpace(user.Email)

	query := `
		INSERT INTO users (id, external_id, email, first_name, last_name, username, image_url, password_hash, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := q.QueryRowxContext(ctx, query,
		user.ID, user.ExternalID, user.Email, user.FirstName, user.LastName,
		user.Username, user.ImageURL, user.PasswordHash, user.IsAdmin,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	return mapWriteError(err)
}

func (s *Storage) UpdateUser(ctx context.Context, user *models.User) error {
	return s.updateUser(ctx, s.db, user)
}

func (s *Storage) updateUser(ctx context.Context, q sqlx.QueryerContext, user *models.User) error {
	query := `
		UPDATE users
		SET external_id = $2, email = $3, first_name = $4, last_name = $5, username = $6,
			image_url = $7, is_admin = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := q.QueryRowxContext(ctx, query,
		user.ID, user.ExternalID, strings.TrimSpace(user.Email), user.FirstName, user.LastName,
		user.Username, user.ImageURL, user.IsAdmin,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	return mapWriteError(err)
}

// SetUserPassword stores a bcrypt hash for an admin operator.
func (s *Storage) SetUserPassword(ctx context.Context, id, passwordHash string, isAdmin bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, is_admin = $3, updated_at = NOW() WHERE id = $1
	`, id, passwordHash, isAdmin)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrUserNotFound)
}

func (s *Storage) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrUserNotFound)
}

// DeleteUserByExternalID removes the user linked to externalID. It reports
// whether a row was deleted.
func (s *Storage) DeleteUserByExternalID(ctx context.Context, externalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE external_id = $1`, externalID)
	if err != nil {
		return false, err
	}
	return anyAffected(res)
}

// UpsertUserByExternalID reconciles an identity-provider user with the local
// table. A local user with the same email and no external link is adopted
// instead of inserting a duplicate. It reports whether a new row was created.
func (s *Storage) UpsertUserByExternalID(ctx context.Context, user *models.User) (bool, error) {
	if user.ExternalID == nil || *user.ExternalID == "" {
		return false, errors.New("upsert user: external id is required")
	}

	created := false
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.getUserWhere(ctx, tx, sq.Eq{"external_id": *user.ExternalID}, true)
		if errors.Is(err, ErrUserNotFound) {
			existing, err = s.getUserWhere(ctx, tx, sq.Expr("lower(email) = lower(?) AND external_id IS NULL", user.Email), true)
		}
		switch {
		case errors.Is(err, ErrUserNotFound):
			created = true
			return s.createUser(ctx, tx, user)
		case err != nil:
			return err
		}

		if existing.ExternalID == nil {
			s.log.Info("linking existing user to external id",
				zap.String("user_id", existing.ID),
				zap.String("external_id", *user.ExternalID))
		}
		user.ID = existing.ID
		user.IsAdmin = existing.IsAdmin
		return s.updateUser(ctx, tx, user)
	})
	if err != nil {
		if created && (errors.Is(err, ErrExternalIDTaken) || errors.Is(err, ErrEmailTaken)) && s.userUpsertRaced(ctx, user) {
			return false, fmt.Errorf("%w: %w", ErrUpsertRace, err)
		}
		return false, err
	}
	return created, nil
}

// userUpsertRaced reports whether a row the upsert would now adopt exists,
// meaning the failed insert lost to another writer.
func (s *Storage) userUpsertRaced(ctx context.Context, user *models.User) bool {
	_, err := s.getUserWhere(ctx, s.db, sq.Or{
		sq.Eq{"external_id": *user.ExternalID},
		sq.Expr("lower(email) = lower(?) AND external_id IS NULL", user.Email),
	}, false)
	return err == nil
}

func anyAffected(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func expectAffected(res sql.Result, sentinel error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sentinel
	}
	return nil
}
