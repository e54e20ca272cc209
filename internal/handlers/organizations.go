package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"backoffice-backend/internal/auth"
	"backoffice-backend/internal/models"
)

// ListOrganizations returns a page of organizations with member counts
// @Summary List organizations
// @Tags organizations
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size (max 100)" default(20)
// @Param search query string false "Matches name and slug"
// @Param sort query string false "name, slug, created_at, updated_at, members_count"
// @Param order query string false "asc or desc"
// @Success 200 {object} models.Page[models.Organization]
// @Security BearerAuth
// @Router /api/v1/organizations [get]
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.ListOrganizations(r.Context(), models.ParseListParams(r.URL.Query()))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// CreateOrganization adds an organization
// @Summary Create organization
// @Tags organizations
// @Accept json
// @Produce json
// @Param organization body models.CreateOrganizationInput true "Organization"
// @Success 201 {object} models.Organization
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse "Slug already taken"
// @Security BearerAuth
// @Router /api/v1/organizations [post]
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var in models.CreateOrganizationInput
	if !h.decodeAndValidate(w, r, &in) {
		return
	}

	createdBy, _ := auth.UserIDFromContext(r.Context())
	org := &models.Organization{
		Name:           strings.TrimSpace(in.Name),
		Slug:           in.Slug,
		ImageURL:       in.ImageURL,
		CreatedBy:      createdBy,
		MaxMemberships: in.MaxMemberships,
	}
	if err := h.store.CreateOrganization(r.Context(), org); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityOrganization, models.ActionCreated, org.ID, org)
	respondJSON(w, http.StatusCreated, org)
}

// GetOrganization returns one organization
// @Summary Get organization
// @Tags organizations
// @Produce json
// @Param id path string true "Organization ID"
// @Success 200 {object} models.Organization
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/organizations/{id} [get]
func (h *Handler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.store.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, org)
}

// UpdateOrganization applies a partial update
// @Summary Update organization
// @Tags organizations
// @Accept json
// @Produce json
// @Param id path string true "Organization ID"
// @Param organization body models.UpdateOrganizationInput true "Fields to change"
// @Success 200 {object} models.Organization
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/organizations/{id} [patch]
func (h *Handler) UpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var in models.UpdateOrganizationInput
	if !h.decodeAndValidate(w, r, &in) {
		return
	}

	org, err := h.store.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	in.Apply(org)
	if err := h.store.UpdateOrganization(r.Context(), org); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityOrganization, models.ActionUpdated, org.ID, org)
	respondJSON(w, http.StatusOK, org)
}

// DeleteOrganization removes an organization and its memberships
// @Summary Delete organization
// @Tags organizations
// @Param id path string true "Organization ID"
// @Success 204
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/organizations/{id} [delete]
func (h *Handler) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteOrganization(r.Context(), id); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityOrganization, models.ActionDeleted, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
