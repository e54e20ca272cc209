package clerksync

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// UserStore is the slice of storage the user sync needs.
type UserStore interface {
	UpsertUserByExternalID(ctx context.Context, user *models.User) (bool, error)
	DeleteUserByExternalID(ctx context.Context, externalID string) (bool, error)
}

type clerkEmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type clerkUser struct {
	ID                    string              `json:"id"`
	EmailAddresses        []clerkEmailAddress `json:"email_addresses"`
	PrimaryEmailAddressID string              `json:"primary_email_address_id"`
	FirstName             *string             `json:"first_name"`
	LastName              *string             `json:"last_name"`
	Username              *string             `json:"username"`
	ImageURL              string              `json:"image_url"`
	Deleted               bool                `json:"deleted"`
}

// primaryEmail returns the address marked primary, falling back to the
// first address when the primary id is unset.
func (u clerkUser) primaryEmail() string {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return strings.TrimSpace(e.EmailAddress)
		}
	}
	if u.PrimaryEmailAddressID == "" && len(u.EmailAddresses) > 0 {
		return strings.TrimSpace(u.EmailAddresses[0].EmailAddress)
	}
	return ""
}

type UserSync struct {
	store     UserStore
	publisher EventPublisher
	policy    RetryPolicy
	log       *zap.Logger
}

func NewUserSync(store UserStore, publisher EventPublisher, policy RetryPolicy, log *zap.Logger) *UserSync {
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &UserSync{
		store:     store,
		publisher: publisher,
		policy:    policy,
		log:       log.Named("user_sync"),
	}
}

// Upsert applies a user.created or user.updated payload.
func (s *UserSync) Upsert(ctx context.Context, data json.RawMessage) error {
	const op = "user.upsert"

	var payload clerkUser
	if err := json.Unmarshal(data, &payload); err != nil {
		return Validation(op, "decode user: %v", err)
	}
	if payload.ID == "" {
		return Validation(op, "user id is missing")
	}
	email := payload.primaryEmail()
	if email == "" {
		return Validation(op, "user %s has no primary email address", payload.ID)
	}

	externalID := payload.ID
	user := &models.User{
		ExternalID: &externalID,
		Email:      email,
		FirstName:  deref(payload.FirstName),
		LastName:   deref(payload.LastName),
		Username:   deref(payload.Username),
		ImageURL:   payload.ImageURL,
	}

	var created bool
	err := WithRetry(ctx, s.policy, op, func(ctx context.Context) error {
		var err error
		created, err = s.store.UpsertUserByExternalID(ctx, user)
		return err
	})
	if err != nil {
		return err
	}

	action := models.ActionUpdated
	if created {
		action = models.ActionCreated
	}
	s.log.Info("user synced",
		zap.String("external_id", externalID),
		zap.String("user_id", user.ID),
		zap.String("action", action))
	publish(ctx, s.publisher, s.log, models.EntityUser, action, user.ID, user)
	return nil
}

// Delete applies a user.deleted payload. Deleting an unknown user succeeds.
func (s *UserSync) Delete(ctx context.Context, data json.RawMessage) error {
	const op = "user.delete"

	var payload clerkUser
	if err := json.Unmarshal(data, &payload); err != nil {
		return Validation(op, "decode user: %v", err)
	}
	if payload.ID == "" {
		return Validation(op, "user id is missing")
	}

	var deleted bool
	err := WithRetry(ctx, s.policy, op, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteUserByExternalID(ctx, payload.ID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		s.log.Debug("user already absent", zap.String("external_id", payload.ID))
		return nil
	}

	s.log.Info("user deleted", zap.String("external_id", payload.ID))
	publish(ctx, s.publisher, s.log, models.EntityUser, models.ActionDeleted, payload.ID, nil)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
