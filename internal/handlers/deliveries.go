package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

// ListDeliveries pages through the webhook ledger
// @Summary List webhook deliveries
// @Tags webhooks
// @Produce json
// @Param status query string false "pending, processing, processed, retry_ready, dead or ignored"
// @Param event_type query string false "Clerk event type"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size (max 100)" default(20)
// @Success 200 {object} models.Page[models.WebhookDelivery]
// @Security BearerAuth
// @Router /api/v1/webhooks/deliveries [get]
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DeliveryFilter{Status: q.Get("status"), EventType: q.Get("event_type")}
	if filter.Status != "" && !validDeliveryStatus(filter.Status) {
		respondError(w, http.StatusBadRequest, "unknown delivery status")
		return
	}

	page, err := h.store.ListDeliveries(r.Context(), filter, models.ParseListParams(q))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// GetDelivery returns one ledger row including its payload
// @Summary Get webhook delivery
// @Tags webhooks
// @Produce json
// @Param id path string true "Delivery ID"
// @Success 200 {object} models.WebhookDelivery
// @Failure 404 {object} errorResponse
// @Security BearerAuth
// @Router /api/v1/webhooks/deliveries/{id} [get]
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// ReplayDelivery schedules a failed delivery for immediate reprocessing
// @Summary Replay webhook delivery
// @Tags webhooks
// @Produce json
// @Param id path string true "Delivery ID"
// @Success 202 {object} models.WebhookDelivery
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse "Delivery is not dead or retry_ready"
// @Security BearerAuth
// @Router /api/v1/webhooks/deliveries/{id}/replay [post]
func (h *Handler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.RequeueDelivery(r.Context(), chi.URLParam(r, "id"), h.now())
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.log.Info("delivery requeued",
		zap.String("delivery_id", d.DeliveryID),
		zap.String("event_type", d.EventType))
	respondJSON(w, http.StatusAccepted, d)
}

func validDeliveryStatus(status string) bool {
	switch status {
	case models.DeliveryStatusPending,
		models.DeliveryStatusProcessing,
		models.DeliveryStatusProcessed,
		models.DeliveryStatusRetryReady,
		models.DeliveryStatusDead,
		models.DeliveryStatusIgnored:
		return true
	}
	return false
}
