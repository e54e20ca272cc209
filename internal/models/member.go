package models

import (
	"strings"
	"time"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Member links a user to an organization with a role.
type Member struct {
	ID             string    `db:"id" json:"id"`
	ExternalID     *string   `db:"external_id" json:"external_id,omitempty"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Role           string    `db:"role" json:"role"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`

	// Populated by list queries only.
	UserEmail        string `db:"user_email" json:"user_email,omitempty"`
	UserName         string `db:"user_name" json:"user_name,omitempty"`
	OrganizationName string `db:"organization_name" json:"organization_name,omitempty"`
}

type CreateMemberInput struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Role   string `json:"role" validate:"omitempty,role"`
}

type UpdateMemberInput struct {
	Role string `json:"role" validate:"required,role"`
}

// MemberFilter narrows membership listings. Empty fields match everything.
type MemberFilter struct {
	OrganizationID string
	UserID         string
	Role           string
}

// NormalizeRole strips the identity provider's "org:" prefix and lowercases
// the role. An empty role becomes RoleMember.
func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	role = strings.TrimPrefix(role, "org:")
	if role == "" {
		return RoleMember
	}
	return role
}
