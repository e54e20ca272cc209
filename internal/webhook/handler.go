package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"backoffice-backend/internal/metrics"
	"backoffice-backend/internal/models"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultLease        = 5 * time.Minute
	processTimeout      = 30 * time.Second
)

// Ledger records inbound deliveries and deduplicates them.
type Ledger interface {
	ClaimDelivery(ctx context.Context, d models.WebhookDelivery, lease time.Duration) (*models.WebhookDelivery, bool, error)
}

type Config struct {
	MaxBodyBytes int64
	Lease        time.Duration
}

// Handler is the Clerk webhook endpoint.
type Handler struct {
	verifier   *Verifier
	ledger     Ledger
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	cfg        Config
	log        *zap.Logger
}

func NewHandler(verifier *Verifier, ledger Ledger, dispatcher Dispatcher, m *metrics.Metrics, cfg Config, log *zap.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		verifier:   verifier,
		ledger:     ledger,
		dispatcher: dispatcher,
		metrics:    m,
		cfg:        cfg,
		log:        log.Named("webhook"),
	}
}

type response struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ServeHTTP receives a Clerk webhook
// @Summary Clerk webhook
// @Description Verifies the Svix signature, records the delivery and syncs users, organizations and memberships
// @Tags webhooks
// @Accept json
// @Produce json
// @Param svix-id header string true "Svix message id"
// @Param svix-timestamp header string true "Svix timestamp"
// @Param svix-signature header string true "Svix signature"
// @Success 200 {object} response "Processed, ignored or duplicate"
// @Success 202 {object} response "Queued"
// @Failure 400 {object} response "Malformed or invalid payload"
// @Failure 401 {object} response "Invalid signature"
// @Failure 413 {object} response "Payload too large"
// @Failure 422 {object} response "Payload cannot be applied"
// @Failure 429 {object} response "Rate limit exceeded"
// @Failure 503 {object} response "Temporary failure, retry later"
// @Router /webhooks/clerk [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, metrics.ResultTooLarge, "payload too large")
			return
		}
		h.reject(w, http.StatusBadRequest, metrics.ResultMalformed, "could not read body")
		return
	}

	if err := h.verifier.Verify(payload, r.Header); err != nil {
		h.log.Warn("signature verification failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		h.reject(w, http.StatusUnauthorized, metrics.ResultUnauthorized, "invalid signature")
		return
	}

	deliveryID, err := DeliveryID(r.Header)
	if err != nil {
		h.reject(w, http.StatusBadRequest, metrics.ResultMalformed, err.Error())
		return
	}

	var event models.ClerkEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.reject(w, http.StatusBadRequest, metrics.ResultMalformed, "malformed event envelope")
		return
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		h.reject(w, http.StatusBadRequest, metrics.ResultMalformed, "event type is missing")
		return
	}

	// The sender may hang up once its own timeout passes; the ledger must
	// still see the outcome.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), processTimeout)
	defer cancel()

	delivery, claimed, err := h.ledger.ClaimDelivery(ctx, models.WebhookDelivery{
		Provider:   models.ProviderClerk,
		DeliveryID: deliveryID,
		EventType:  event.Type,
		Payload:    payload,
	}, h.cfg.Lease)
	if err != nil {
		h.log.Error("claim delivery", zap.String("delivery_id", deliveryID), zap.Error(err))
		h.count(metrics.ResultFailed)
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", DeliveryID: deliveryID, Error: "delivery could not be recorded"})
		return
	}
	if !claimed {
		h.log.Debug("duplicate delivery",
			zap.String("delivery_id", deliveryID),
			zap.String("ledger_status", delivery.Status))
		h.count(metrics.ResultDuplicate)
		writeJSON(w, http.StatusOK, response{Status: "duplicate", DeliveryID: deliveryID})
		return
	}

	res := h.dispatcher.Dispatch(ctx, delivery)
	switch {
	case res.StatusCode == http.StatusAccepted:
		h.count(metrics.ResultQueued)
	case res.StatusCode < 300:
		h.count(metrics.ResultAccepted)
	default:
		h.count(metrics.ResultFailed)
	}
	writeJSON(w, res.StatusCode, response{Status: res.Status, DeliveryID: deliveryID, Error: res.Error})
}

// CountRateLimited is the OnLimited hook for the webhook rate limiters.
func (h *Handler) CountRateLimited(*http.Request) {
	h.count(metrics.ResultRateLimited)
}

func (h *Handler) reject(w http.ResponseWriter, status int, result, msg string) {
	h.count(result)
	writeJSON(w, status, response{Status: "rejected", Error: msg})
}

func (h *Handler) count(result string) {
	if h.metrics != nil {
		h.metrics.WebhookRequests.WithLabelValues(result).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
