package models

import "time"

type Organization struct {
	ID             string    `db:"id" json:"id"`
	ExternalID     *string   `db:"external_id" json:"external_id,omitempty"`
	Name           string    `db:"name" json:"name"`
	Slug           string    `db:"slug" json:"slug"`
	ImageURL       string    `db:"image_url" json:"image_url"`
	CreatedBy      string    `db:"created_by" json:"created_by"`
	MaxMemberships int       `db:"max_memberships" json:"max_memberships"`
	MembersCount   int       `db:"members_count" json:"members_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

type CreateOrganizationInput struct {
	Name           string `json:"name" validate:"required,min=2,max=255"`
	Slug           string `json:"slug" validate:"required,min=2,max=63,slug"`
	ImageURL       string `json:"image_url" validate:"omitempty,url,max=2048"`
	MaxMemberships int    `json:"max_memberships" validate:"min=0"`
}

type UpdateOrganizationInput struct {
	Name           *string `json:"name" validate:"omitempty,min=2,max=255"`
	Slug           *string `json:"slug" validate:"omitempty,min=2,max=63,slug"`
	ImageURL       *string `json:"image_url" validate:"omitempty,url,max=2048"`
	MaxMemberships *int    `json:"max_memberships" validate:"omitempty,min=0"`
}

func (in UpdateOrganizationInput) Apply(o *Organization) {
	if in.Name != nil {
		o.Name = *in.Name
	}
	if in.Slug != nil {
		o.Slug = *in.Slug
	}
	if in.ImageURL != nil {
		o.ImageURL = *in.ImageURL
	}
	if in.MaxMemberships != nil {
		o.MaxMemberships = *in.MaxMemberships
	}
}
