package models

import "time"

type User struct {
	ID           string    `json:"id" db:"id"`
	ExternalID   *string   `json:"external_id,omitempty" db:"external_id"`
	Email        string    `json:"email" db:"email"`
	FirstName    string    `json:"first_name" db:"first_name"`
	LastName     string    `json:"last_name" db:"last_name"`
	Username     string    `json:"username" db:"username"`
	ImageURL     string    `json:"image_url" db:"image_url"`
	PasswordHash *string   `json:"-" db:"password_hash"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// FullName joins first and last name, skipping empty parts.
func (u *User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

type CreateUserInput struct {
	Email     string `json:"email" validate:"required,email,max=320"`
	FirstName string `json:"first_name" validate:"max=255"`
	LastName  string `json:"last_name" validate:"max=255"`
	Username  string `json:"username" validate:"omitempty,min=2,max=64"`
	ImageURL  string `json:"image_url" validate:"omitempty,url,max=2048"`
	IsAdmin   bool   `json:"is_admin"`
}

// UpdateUserInput holds a partial update; nil fields are left untouched.
type UpdateUserInput struct {
	Email     *string `json:"email" validate:"omitempty,email,max=320"`
	FirstName *string `json:"first_name" validate:"omitempty,max=255"`
	LastName  *string `json:"last_name" validate:"omitempty,max=255"`
	Username  *string `json:"username" validate:"omitempty,min=2,max=64"`
	ImageURL  *string `json:"image_url" validate:"omitempty,url,max=2048"`
	IsAdmin   *bool   `json:"is_admin"`
}

// Apply copies the set fields of in onto u.
func (in UpdateUserInput) Apply(u *User) {
	if in.Email != nil {
		u.Email = *in.Email
	}
	if in.FirstName != nil {
		u.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		u.LastName = *in.LastName
	}
	if in.Username != nil {
		u.Username = *in.Username
	}
	if in.ImageURL != nil {
		u.ImageURL = *in.ImageURL
	}
	if in.IsAdmin != nil {
		u.IsAdmin = *in.IsAdmin
	}
}
