package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrOrgNotFound      = errors.New("organization not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	ErrEmailTaken       = errors.New("email already taken")
	ErrSlugTaken        = errors.New("organization slug already taken")
	ErrMemberExists     = errors.New("user is already a member of this organization")
	ErrExternalIDTaken  = errors.New("external id already linked")
	ErrInvalidReference = errors.New("referenced record does not exist")

	// ErrUpsertRace wraps the unique violation of an upsert insert that lost
	// to a concurrent upsert of the same entity. Running the upsert again
	// takes the update path.
	ErrUpsertRace = errors.New("concurrent upsert")
)

// psql builds queries with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Storage struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewStorage(db *sqlx.DB, log *zap.Logger) *Storage {
	if log == nil {
		log = zap.NewNop()
	}
	return &Storage{db: db, log: log.Named("storage")}
}

func (s *Storage) DB() *sqlx.DB {
	return s.db
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Storage) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// sortColumn resolves a requested sort key against a whitelist, falling back
// to def for unknown keys.
func sortColumn(allowed map[string]string, requested, def string) string {
	if col, ok := allowed[strings.ToLower(requested)]; ok {
		return col
	}
	return def
}

func orderBy(col string, desc bool) string {
	if desc {
		return col + " DESC"
	}
	return col + " ASC"
}

func searchPattern(search string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(search)
	return "%" + escaped + "%"
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

func violatedConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// mapWriteError turns constraint violations into sentinel errors.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", ErrInvalidReference, violatedConstraint(err))
	}
	if !isUniqueViolation(err) {
		return err
	}
	switch violatedConstraint(err) {
	case "users_email_lower_key":
		return ErrEmailTaken
	case "organizations_slug_key":
		return ErrSlugTaken
	case "members_organization_user_key":
		return ErrMemberExists
	case "users_external_id_key", "organizations_external_id_key", "members_external_id_key":
		return ErrExternalIDTaken
	}
	return err
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
