package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"backoffice-backend/internal/models"
)

// ListUsers returns a page of users
// @Summary List users
// @Tags users
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size (max 100)" default(20)
// @Param search query string false "Matches email, names and username"
// @Param sort query string false "email, first_name, last_name, created_at, updated_at"
// @Param order query string false "asc or desc"
// @Success 200 {object} models.Page[models.User]
// @Security BearerAuth
// @Router /api/v1/users [get]
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.ListUsers(r.Context(), models.ParseListParams(r.URL.Query()))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// CreateUser adds a user that is not managed by the identity provider
// @Summary Create user
// @Tags users
// @Accept json
// @Produce json
// @Param user body models.CreateUserInput true "User"
// @Success 201 {object} models.User
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse "Email already taken"
// @Security BearerAuth
// @Router /api/v1/users [post]
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in models.CreateUserInput
	if !h.decodeAndValidate(w, r, &in) {
		return
	}

	user := &models.User{
		Email:     strings.TrimSpace(in.Email),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Username:  strings.TrimSpace(in.Username),
		ImageURL:  in.ImageURL,
		IsAdmin:   in.IsAdmin,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityUser, models.ActionCreated, user.ID, user)
	respondJSON(w, http.StatusCreated, user)
}

// GetUser returns one user
// @Summary Get user
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} models.User
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/users/{id} [get]
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// UpdateUser applies a partial update
// @Summary Update user
// @Tags users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param user body models.UpdateUserInput true "Fields to change"
// @Success 200 {object} models.User
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/users/{id} [patch]
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var in models.UpdateUserInput
	if !h.decodeAndValidate(w, r, &in) {
		return
	}

	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	in.Apply(user)
	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityUser, models.ActionUpdated, user.ID, user)
	respondJSON(w, http.StatusOK, user)
}

// DeleteUser removes a user and their memberships
// @Summary Delete user
// @Tags users
// @Param id path string true "User ID"
// @Success 204
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/users/{id} [delete]
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityUser, models.ActionDeleted, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ListUserMemberships returns the organizations a user belongs to
// @Summary List a user's memberships
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} models.Page[models.Member]
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/users/{id}/memberships [get]
func (h *Handler) ListUserMemberships(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	page, err := h.store.ListMembers(r.Context(), models.MemberFilter{UserID: user.ID}, models.ParseListParams(r.URL.Query()))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}
