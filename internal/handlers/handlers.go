package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"backoffice-backend/internal/models"
	"backoffice-backend/internal/storage"
)

const maxRequestBody = 1 << 20

// Store is the storage surface behind the admin API.
type Store interface {
	ListUsers(ctx context.Context, params models.ListParams) (models.Page[models.User], error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error

	ListOrganizations(ctx context.Context, params models.ListParams) (models.Page[models.Organization], error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
	UpdateOrganization(ctx context.Context, org *models.Organization) error
	DeleteOrganization(ctx context.Context, id string) error

	ListMembers(ctx context.Context, filter models.MemberFilter, params models.ListParams) (models.Page[models.Member], error)
	GetMember(ctx context.Context, id string) (*models.Member, error)
	CreateMember(ctx context.Context, member *models.Member) error
	UpdateMemberRole(ctx context.Context, id, role string) (*models.Member, error)
	DeleteMember(ctx context.Context, id string) error

	ListDeliveries(ctx context.Context, filter models.DeliveryFilter, params models.ListParams) (models.Page[models.WebhookDelivery], error)
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	RequeueDelivery(ctx context.Context, id string, at time.Time) (*models.WebhookDelivery, error)
}

// Publisher announces successful mutations.
type Publisher interface {
	Publish(ctx context.Context, ev models.DomainEvent) error
}

type Handler struct {
	store     Store
	publisher Publisher
	validate  *validator.Validate
	now       func() time.Time
	log       *zap.Logger
}

func New(store Store, publisher Publisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:     store,
		publisher: publisher,
		validate:  newValidator(),
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.Named("api"),
	}
}

// RegisterRoutes mounts the admin API. The caller is responsible for
// authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Users
	r.Get("/users", h.ListUsers)
	r.Post("/users", h.CreateUser)
	r.Get("/users/{id}", h.GetUser)
	r.Patch("/users/{id}", h.UpdateUser)
	r.Delete("/users/{id}", h.DeleteUser)
	r.Get("/users/{id}/memberships", h.ListUserMemberships)

	// Organizations
	r.Get("/organizations", h.ListOrganizations)
	r.Post("/organizations", h.CreateOrganization)
	r.Get("/organizations/{id}", h.GetOrganization)
	r.Patch("/organizations/{id}", h.UpdateOrganization)
	r.Delete("/organizations/{id}", h.DeleteOrganization)
	r.Get("/organizations/{id}/members", h.ListOrganizationMembers)
	r.Post("/organizations/{id}/members", h.AddMember)
	r.Patch("/organizations/{id}/members/{memberID}", h.UpdateMember)
	r.Delete("/organizations/{id}/members/{memberID}", h.RemoveMember)

	// Memberships across organizations
	r.Get("/members", h.ListMembers)

	// Webhook ledger
	r.Get("/webhooks/deliveries", h.ListDeliveries)
	r.Get("/webhooks/deliveries/{id}", h.GetDelivery)
	r.Post("/webhooks/deliveries/{id}/replay", h.ReplayDelivery)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondStoreError maps storage sentinels onto HTTP statuses.
func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrEmailTaken),
		errors.Is(err, storage.ErrSlugTaken),
		errors.Is(err, storage.ErrMemberExists),
		errors.Is(err, storage.ErrExternalIDTaken),
		errors.Is(err, storage.ErrDeliveryNotReplayable):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidReference):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrUserNotFound) ||
		errors.Is(err, storage.ErrOrgNotFound) ||
		errors.Is(err, storage.ErrMemberNotFound) ||
		errors.Is(err, storage.ErrDeliveryNotFound)
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether to continue.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fieldErrors(verrs)})
			return false
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// publish announces a mutation. Failures are logged only.
func (h *Handler) publish(r *http.Request, entity, action, id string, data any) {
	if h.publisher == nil {
		return
	}
	ev, err := models.NewDomainEvent(entity, action, id, models.SourceAPI, data)
	if err != nil {
		h.log.Warn("encode domain event", zap.Error(err))
		return
	}
	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		h.log.Warn("publish domain event", zap.String("subject", ev.Subject()), zap.Error(err))
	}
}
