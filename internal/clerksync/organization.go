package clerksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"backoffice-backend/internal/models"
	"backoffice-backend/internal/storage"
)

const (
	EventOrganizationCreated = "organization.created"
	EventOrganizationUpdated = "organization.updated"
	EventOrganizationDeleted = "organization.deleted"

	EventMembershipCreated = "organizationMembership.created"
	EventMembershipUpdated = "organizationMembership.updated"
	EventMembershipDeleted = "organizationMembership.deleted"
)

// OrganizationStore is the slice of storage the organization and
// membership sync needs.
type OrganizationStore interface {
	UpsertOrganizationByExternalID(ctx context.Context, org *models.Organization) (bool, error)
	DeleteOrganizationByExternalID(ctx context.Context, externalID string) (bool, error)
	GetOrganizationByExternalID(ctx context.Context, externalID string) (*models.Organization, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)
	UpsertMemberByExternalID(ctx context.Context, member *models.Member) (bool, error)
	DeleteMemberByExternalID(ctx context.Context, externalID, organizationID, userID string) (bool, error)
}

type clerkOrganization struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Slug                  string `json:"slug"`
	ImageURL              string `json:"image_url"`
	CreatedBy             string `json:"created_by"`
	MaxAllowedMemberships int    `json:"max_allowed_memberships"`
	Deleted               bool   `json:"deleted"`
}

type clerkPublicUserData struct {
	UserID     string `json:"user_id"`
	Identifier string `json:"identifier"`
}

type clerkMembership struct {
	ID             string              `json:"id"`
	Role           string              `json:"role"`
	Organization   clerkOrganization   `json:"organization"`
	PublicUserData clerkPublicUserData `json:"public_user_data"`
}

type OrganizationSync struct {
	store     OrganizationStore
	publisher EventPublisher
	policy    RetryPolicy
	log       *zap.Logger
}

func NewOrganizationSync(store OrganizationStore, publisher EventPublisher, policy RetryPolicy, log *zap.Logger) *OrganizationSync {
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &OrganizationSync{
		store:     store,
		publisher: publisher,
		policy:    policy,
		log:       log.Named("organization_sync"),
	}
}

// Upsert applies an organization.created or organization.updated payload.
func (s *OrganizationSync) Upsert(ctx context.Context, data json.RawMessage) error {
	const op = "organization.upsert"

	var payload clerkOrganization
	if err := json.Unmarshal(data, &payload); err != nil {
		return Validation(op, "decode organization: %v", err)
	}
	if payload.ID == "" {
		return Validation(op, "organization id is missing")
	}
	name := strings.TrimSpace(payload.Name)
	slug := strings.ToLower(strings.TrimSpace(payload.Slug))
	if name == "" || slug == "" {
		return Validation(op, "organization %s requires name and slug", payload.ID)
	}

	externalID := payload.ID
	org := &models.Organization{
		ExternalID:     &externalID,
		Name:           name,
		Slug:           slug,
		ImageURL:       payload.ImageURL,
		CreatedBy:      payload.CreatedBy,
		MaxMemberships: payload.MaxAllowedMemberships,
	}

	var created bool
	err := WithRetry(ctx, s.policy, op, func(ctx context.Context) error {
		var err error
		created, err = s.store.UpsertOrganizationByExternalID(ctx, org)
		return err
	})
	if err != nil {
		return err
	}

	action := models.ActionUpdated
	if created {
		action = models.ActionCreated
	}
	s.log.Info("organization synced",
		zap.String("external_id", externalID),
		zap.String("organization_id", org.ID),
		zap.String("action", action))
	publish(ctx, s.publisher, s.log, models.EntityOrganization, action, org.ID, org)
	return nil
}

// Delete applies an organization.deleted payload. Memberships go with the
// organization through the foreign key cascade.
func (s *OrganizationSync) Delete(ctx context.Context, data json.RawMessage) error {
	const op = "organization.delete"

	var payload clerkOrganization
	if err := json.Unmarshal(data, &payload); err != nil {
		return Validation(op, "decode organization: %v", err)
	}
	if payload.ID == "" {
		return Validation(op, "organization id is missing")
	}

	var deleted bool
	err := WithRetry(ctx, s.policy, op, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteOrganizationByExternalID(ctx, payload.ID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		s.log.Debug("organization already absent", zap.String("external_id", payload.ID))
		return nil
	}

	s.log.Info("organization deleted", zap.String("external_id", payload.ID))
	publish(ctx, s.publisher, s.log, models.EntityOrganization, models.ActionDeleted, payload.ID, nil)
	return nil
}

// UpsertMembership applies an organizationMembership.created or .updated
// payload. The organization and user must already be synced; Clerk does not
// order deliveries, so a missing parent is retryable.
func (s *OrganizationSync) UpsertMembership(ctx context.Context, data json.RawMessage) error {
	const op = "membership.upsert"

	payload, err := decodeMembership(op, data)
	if err != nil {
		return err
	}

	var (
		member  *models.Member
		created bool
	)
	err = WithRetry(ctx, s.policy, op, func(ctx context.Context) error {
		org, user, err := s.resolveParents(ctx, op, payload)
		if err != nil {
			return err
		}

		externalID := payload.ID
		member = &models.Member{
			ExternalID:     &externalID,
			OrganizationID: org.ID,
			UserID:         user.ID,
			Role:           models.NormalizeRole(payload.Role),
		}
		created, err = s.store.UpsertMemberByExternalID(ctx, member)
		return err
	})
	if err != nil {
		return err
	}

	action := models.ActionUpdated
	if created {
		action = models.ActionCreated
	}
	s.log.Info("membership synced",
		zap.String("external_id", payload.ID),
		zap.String("organization_id", member.OrganizationID),
		zap.String("user_id", member.UserID),
		zap.String("role", member.Role),
		zap.String("action", action))
	publish(ctx, s.publisher, s.log, models.EntityMember, action, member.ID, member)
	return nil
}

// DeleteMembership applies an organizationMembership.deleted payload. When
// the parents are already gone the cascade removed the row and nothing is
// left to do.
func (s *OrganizationSync) DeleteMembership(ctx context.Context, data json.RawMessage) error {
	const op = "membership.delete"

	payload, err := decodeMembership(op, data)
	if err != nil {
		return err
	}

	var deleted bool
	err = WithRetry(ctx, s.policy, op, func(ctx context.Context) error {
		var orgID, userID string
		org, err := s.store.GetOrganizationByExternalID(ctx, payload.Organization.ID)
		switch {
		case err == nil:
			orgID = org.ID
		case !errors.Is(err, storage.ErrOrgNotFound):
			return err
		}
		user, err := s.store.GetUserByExternalID(ctx, payload.PublicUserData.UserID)
		switch {
		case err == nil:
			userID = user.ID
		case !errors.Is(err, storage.ErrUserNotFound):
			return err
		}

		deleted, err = s.store.DeleteMemberByExternalID(ctx, payload.ID, orgID, userID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		s.log.Debug("membership already absent", zap.String("external_id", payload.ID))
		return nil
	}

	s.log.Info("membership deleted", zap.String("external_id", payload.ID))
	publish(ctx, s.publisher, s.log, models.EntityMember, models.ActionDeleted, payload.ID, nil)
	return nil
}

func (s *OrganizationSync) resolveParents(ctx context.Context, op string, m clerkMembership) (*models.Organization, *models.User, error) {
	org, err := s.store.GetOrganizationByExternalID(ctx, m.Organization.ID)
	if errors.Is(err, storage.ErrOrgNotFound) {
		return nil, nil, Retryable(op, fmt.Errorf("organization %s not synced yet", m.Organization.ID))
	}
	if err != nil {
		return nil, nil, err
	}

	user, err := s.store.GetUserByExternalID(ctx, m.PublicUserData.UserID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, nil, Retryable(op, fmt.Errorf("user %s not synced yet", m.PublicUserData.UserID))
	}
	if err != nil {
		return nil, nil, err
	}
	return org, user, nil
}

func decodeMembership(op string, data json.RawMessage) (clerkMembership, error) {
	var payload clerkMembership
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, Validation(op, "decode membership: %v", err)
	}
	if payload.ID == "" {
		return payload, Validation(op, "membership id is missing")
	}
	if payload.Organization.ID == "" || payload.PublicUserData.UserID == "" {
		return payload, Validation(op, "membership %s requires organization.id and public_user_data.user_id", payload.ID)
	}
	return payload, nil
}
