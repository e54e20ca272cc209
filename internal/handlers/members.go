package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"backoffice-backend/internal/models"
)

// ListOrganizationMembers returns the members of one organization
// @Summary List organization members
// @Tags members
// @Produce json
// @Param id path string true "Organization ID"
// @Param role query string false "Filter by role"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size (max 100)" default(20)
// @Success 200 {object} models.Page[models.Member]
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/organizations/{id}/members [get]
func (h *Handler) ListOrganizationMembers(w http.ResponseWriter, r *http.Request) {
	org, err := h.store.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := models.MemberFilter{OrganizationID: org.ID, Role: q.Get("role")}
	page, err := h.store.ListMembers(r.Context(), filter, models.ParseListParams(q))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// AddMember adds a user to an organization
// @Summary Add member
// @Tags members
// @Accept json
// @Produce json
// @Param id path string true "Organization ID"
// @Param member body models.CreateMemberInput true "Membership"
// @Success 201 {object} models.Member
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse "Organization not found"
// @Failure 409 {object} errorResponse "Already a member or limit reached"
// @Failure 422 {object} errorResponse "User not found"
// @Security BearerAuth
// @Router /api/v1/organizations/{id}/members [post]
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	var in models.CreateMemberInput
	if !h.decodeAndValidate(w, r, &in) {
		return
	}

	org, err := h.store.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	if org.MaxMemberships > 0 && org.MembersCount >= org.MaxMemberships {
		respondError(w, http.StatusConflict, "organization membership limit reached")
		return
	}

	if _, err := h.store.GetUser(r.Context(), in.UserID); err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusUnprocessableEntity, "user does not exist")
			return
		}
		h.respondStoreError(w, r, err)
		return
	}

	member := &models.Member{
		OrganizationID: org.ID,
		UserID:         in.UserID,
		Role:           models.NormalizeRole(in.Role),
	}
	if err := h.store.CreateMember(r.Context(), member); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityMember, models.ActionCreated, member.ID, member)
	respondJSON(w, http.StatusCreated, member)
}

// UpdateMember changes a member's role
// @Summary Update member role
// @Tags members
// @Accept json
// @Produce json
// @Param id path string true "Organization ID"
// @Param memberID path string true "Member ID"
// @Param member body models.UpdateMemberInput true "New role"
// @Success 200 {object} models.Member
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/organizations/{id}/members/{memberID} [patch]
func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	var in models.UpdateMemberInput
	if !h.decodeAndValidate(w, r, &in) {
		return
	}

	member, ok := h.memberInOrg(w, r)
	if !ok {
		return
	}

	updated, err := h.store.UpdateMemberRole(r.Context(), member.ID, in.Role)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityMember, models.ActionUpdated, updated.ID, updated)
	respondJSON(w, http.StatusOK, updated)
}

// RemoveMember removes a user from an organization
// @Summary Remove member
// @Tags members
// @Param id path string true "Organization ID"
// @Param memberID path string true "Member ID"
// @Success 204
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/organizations/{id}/members/{memberID} [delete]
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	member, ok := h.memberInOrg(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteMember(r.Context(), member.ID); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.publish(r, models.EntityMember, models.ActionDeleted, member.ID, member)
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers lists memberships across all organizations
// @Summary List memberships
// @Tags members
// @Produce json
// @Param organization_id query string false "Filter by organization"
// @Param user_id query string false "Filter by user"
// @Param role query string false "Filter by role"
// @Param search query string false "Matches user email, user name and organization name"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size (max 100)" default(20)
// @Success 200 {object} models.Page[models.Member]
// @Security BearerAuth
// @Router /api/v1/members [get]
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.MemberFilter{
		OrganizationID: q.Get("organization_id"),
		UserID:         q.Get("user_id"),
		Role:           q.Get("role"),
	}
	page, err := h.store.ListMembers(r.Context(), filter, models.ParseListParams(q))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// memberInOrg loads {memberID} and checks it belongs to {id}. A member of a
// different organization is reported as not found.
func (h *Handler) memberInOrg(w http.ResponseWriter, r *http.Request) (*models.Member, bool) {
	member, err := h.store.GetMember(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return nil, false
	}
	if member.OrganizationID != chi.URLParam(r, "id") {
		respondError(w, http.StatusNotFound, "member not found")
		return nil, false
	}
	return member, true
}
