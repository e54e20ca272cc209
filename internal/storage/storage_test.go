package storage

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestSortColumn(t *testing.T) {
	allowed := map[string]string{"email": "u.email"}
	assert.Equal(t, "u.email", sortColumn(allowed, "EMAIL", "u.created_at"))
	assert.Equal(t, "u.created_at", sortColumn(allowed, "password_hash", "u.created_at"))
	assert.Equal(t, "u.created_at", sortColumn(allowed, "", "u.created_at"))
}

func TestOrderBy(t *testing.T) {
	assert.Equal(t, "o.name DESC", orderBy("o.name", true))
	assert.Equal(t, "o.name ASC", orderBy("o.name", false))
}

func TestSearchPatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, "%ada%", searchPattern("ada"))
	assert.Equal(t, `%100\%\_off\\%`, searchPattern(`100%_off\`))
}

func TestMapWriteError(t *testing.T) {
	unique := func(constraint string) error {
		return &pq.Error{Code: "23505", Constraint: constraint}
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "email", err: unique("users_email_lower_key"), want: ErrEmailTaken},
		{name: "slug", err: unique("organizations_slug_key"), want: ErrSlugTaken},
		{name: "member pair", err: unique("members_organization_user_key"), want: ErrMemberExists},
		{name: "external id", err: unique("users_external_id_key"), want: ErrExternalIDTaken},
		{name: "foreign key", err: &pq.Error{Code: "23503", Constraint: "members_user_id_fkey"}, want: ErrInvalidReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapWriteError(tt.err), tt.want)
		})
	}

	assert.NoError(t, mapWriteError(nil))

	other := &pq.Error{Code: "23505", Constraint: "something_else"}
	assert.Same(t, other, mapWriteError(other))

	plain := errors.New("boom")
	assert.Same(t, plain, mapWriteError(plain))
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(sql.ErrNoRows, ErrOrgNotFound), ErrOrgNotFound)

	plain := errors.New("boom")
	assert.Same(t, plain, notFound(plain, ErrOrgNotFound))
}

type stubResult struct {
	affected int64
	err      error
}

func (r stubResult) LastInsertId() (int64, error) { return 0, nil }
func (r stubResult) RowsAffected() (int64, error) { return r.affected, r.err }

func TestAnyAffected(t *testing.T) {
	deleted, err := anyAffected(stubResult{affected: 1})
	assert.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = anyAffected(stubResult{})
	assert.NoError(t, err)
	assert.False(t, deleted)

	boom := errors.New("driver lost the count")
	deleted, err = anyAffected(stubResult{affected: 1, err: boom})
	assert.ErrorIs(t, err, boom)
	assert.False(t, deleted)

	assert.ErrorIs(t, expectAffected(stubResult{}, ErrMemberNotFound), ErrMemberNotFound)
	assert.ErrorIs(t, expectAffected(stubResult{err: boom}, ErrMemberNotFound), boom)
}
