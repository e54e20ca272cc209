package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"
	"go.uber.org/zap/zaptest"

	"backoffice-backend/internal/clerksync"
	"backoffice-backend/internal/metrics"
	"backoffice-backend/internal/models"
)

const testSecret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"

type memLedger struct {
	mu         sync.Mutex
	deliveries map[string]*models.WebhookDelivery
	err        error
}

func newMemLedger() *memLedger {
	return &memLedger{deliveries: map[string]*models.WebhookDelivery{}}
}

func (l *memLedger) ClaimDelivery(_ context.Context, d models.WebhookDelivery, _ time.Duration) (*models.WebhookDelivery, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, false, l.err
	}
	if existing, ok := l.deliveries[d.DeliveryID]; ok {
		return existing, false, nil
	}
	d.ID = "ledger-" + d.DeliveryID
	d.Status = models.DeliveryStatusProcessing
	l.deliveries[d.DeliveryID] = &d
	return &d, true, nil
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.deliveries)
}

type stubDispatcher struct {
	calls  []string
	result Result
}

func (s *stubDispatcher) Dispatch(_ context.Context, d *models.WebhookDelivery) Result {
	s.calls = append(s.calls, d.EventType)
	return s.result
}

type fixture struct {
	ledger     *memLedger
	dispatcher *stubDispatcher
	metrics    *metrics.Metrics
	handler    *Handler
	signer     *svix.Webhook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	verifier, err := NewVerifier(testSecret)
	require.NoError(t, err)
	signer, err := svix.NewWebhook(testSecret)
	require.NoError(t, err)

	f := &fixture{
		ledger:     newMemLedger(),
		dispatcher: &stubDispatcher{result: Result{StatusCode: http.StatusOK, Status: string(clerksync.OutcomeProcessed)}},
		metrics:    metrics.New(),
		signer:     signer,
	}
	f.handler = NewHandler(verifier, f.ledger, f.dispatcher, f.metrics, Config{MaxBodyBytes: 4096}, zaptest.NewLogger(t))
	return f
}

func (f *fixture) signedRequest(t *testing.T, msgID string, body []byte) *http.Request {
	t.Helper()
	now := time.Now()
	sig, err := f.signer.Sign(msgID, now, body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/clerk", bytes.NewReader(body))
	req.Header.Set("svix-id", msgID)
	req.Header.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("svix-signature", sig)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const userCreated = `{"type":"user.created","object":"event","data":{"id":"user_1"},"timestamp":1714000000000}`

func TestHandler_Processed(t *testing.T) {
	f := newFixture(t)

	rec := f.serve(f.signedRequest(t, "msg_1", []byte(userCreated)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processed", resp.Status)
	assert.Equal(t, "msg_1", resp.DeliveryID)
	assert.Equal(t, []string{"user.created"}, f.dispatcher.calls)

	stored := f.ledger.deliveries["msg_1"]
	require.NotNil(t, stored)
	assert.Equal(t, models.ProviderClerk, stored.Provider)
	assert.JSONEq(t, userCreated, string(stored.Payload))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookRequests.WithLabelValues(metrics.ResultAccepted)))
}

func TestHandler_Duplicate(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.serve(f.signedRequest(t, "msg_1", []byte(userCreated))).Code)
	rec := f.serve(f.signedRequest(t, "msg_1", []byte(userCreated)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate","delivery_id":"msg_1"}`, rec.Body.String())
	assert.Len(t, f.dispatcher.calls, 1, "duplicates are not reprocessed")
}

func TestHandler_InvalidSignature(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{"tampered signature", func(r *http.Request) {
			r.Header.Set("svix-signature", "v1,"+strings.Repeat("A", 44))
		}},
		{"missing headers", func(r *http.Request) {
			r.Header.Del("svix-id")
			r.Header.Del("svix-timestamp")
			r.Header.Del("svix-signature")
		}},
		{"stale timestamp", func(r *http.Request) {
			r.Header.Set("svix-timestamp", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.signedRequest(t, "msg_bad", []byte(userCreated))
			tt.mutate(req)

			rec := f.serve(req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	assert.Zero(t, f.ledger.count(), "rejected deliveries are never recorded")
	assert.Empty(t, f.dispatcher.calls)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.WebhookRequests.WithLabelValues(metrics.ResultUnauthorized)))
}

func TestHandler_TamperedBody(t *testing.T) {
	f := newFixture(t)

	req := f.signedRequest(t, "msg_1", []byte(userCreated))
	tampered := strings.Replace(userCreated, "user_1", "user_2", 1)
	req.Body = ioNopCloser(tampered)

	assert.Equal(t, http.StatusUnauthorized, f.serve(req).Code)
}

func TestHandler_TooLarge(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"type":"user.created","data":"` + strings.Repeat("x", 5000) + `"}`)
	rec := f.serve(f.signedRequest(t, "msg_big", body))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.ledger.count())
}

func TestHandler_Malformed(t *testing.T) {
	f := newFixture(t)

	rec := f.serve(f.signedRequest(t, "msg_1", []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.serve(f.signedRequest(t, "msg_2", []byte(`{"object":"event","data":{}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.ledger.count())
}

func TestHandler_LedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errors.New("db down")

	rec := f.serve(f.signedRequest(t, "msg_1", []byte(userCreated)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, f.dispatcher.calls)
}

func TestHandler_DispatchStatusPassthrough(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.result = Result{StatusCode: http.StatusUnprocessableEntity, Status: "dead", Error: "slug taken"}

	rec := f.serve(f.signedRequest(t, "msg_1", []byte(userCreated)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"status":"dead","delivery_id":"msg_1","error":"slug taken"}`, rec.Body.String())
}
