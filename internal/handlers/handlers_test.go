package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"backoffice-backend/internal/models"
)

type testAPI struct {
	store     *fakeStore
	publisher *recordingPublisher
	router    chi.Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := newFakeStore()
	pub := &recordingPublisher{}
	h := New(store, pub, zaptest.NewLogger(t))
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &testAPI{store: store, publisher: pub, router: r}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestUserCRUD(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/users", map[string]any{
		"email":      "ada@example.com",
		"first_name": " Ada ",
		"last_name":  "Lovelace",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.User](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Ada", created.FirstName)

	rec = api.do(t, http.MethodPost, "/users", map[string]any{"email": "ada@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPatch, "/users/"+created.ID, map[string]any{"last_name": "King"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "King", decode[models.User](t, rec).LastName)

	rec = api.do(t, http.MethodGet, "/users?search=ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[models.Page[models.User]](t, rec)
	assert.Equal(t, 1, page.Total)

	rec = api.do(t, http.MethodDelete, "/users/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/users/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"user.created", "user.updated", "user.deleted"}, api.publisher.subjects())
}

func TestCreateUserValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{name: "missing email", body: map[string]any{"first_name": "x"}, field: "email"},
		{name: "bad email", body: map[string]any{"email": "not-an-email"}, field: "email"},
		{name: "bad image url", body: map[string]any{"email": "a@b.co", "image_url": "nope"}, field: "image_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/users", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[errorResponse](t, rec)
			assert.Contains(t, resp.Fields, tt.field)
		})
	}

	rec := api.do(t, http.MethodPost, "/users", `{"email":"a@b.co","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/users", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, api.publisher.subjects())
}

func TestOrganizationSlugRules(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/organizations", map[string]any{"name": "Acme", "slug": "Acme Corp"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Fields, "slug")

	rec = api.do(t, http.MethodPost, "/organizations", map[string]any{"name": "Acme", "slug": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/organizations", map[string]any{"name": "Acme 2", "slug": "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMembershipFlow(t *testing.T) {
	api := newTestAPI(t)

	user := decode[models.User](t, api.do(t, http.MethodPost, "/users", map[string]any{"email": "m@example.com"}))
	org := decode[models.Organization](t, api.do(t, http.MethodPost, "/organizations", map[string]any{
		"name": "Team", "slug": "team", "max_memberships": 1,
	}))
	other := decode[models.Organization](t, api.do(t, http.MethodPost, "/organizations", map[string]any{
		"name": "Other", "slug": "other",
	}))

	rec := api.do(t, http.MethodPost, "/organizations/"+org.ID+"/members", map[string]any{
		"user_id": user.ID, "role": "org:Admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	member := decode[models.Member](t, rec)
	assert.Equal(t, models.RoleAdmin, member.Role)

	// Limit of one membership is reached.
	second := decode[models.User](t, api.do(t, http.MethodPost, "/users", map[string]any{"email": "n@example.com"}))
	rec = api.do(t, http.MethodPost, "/organizations/"+org.ID+"/members", map[string]any{"user_id": second.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/organizations/"+other.ID+"/members", map[string]any{"user_id": user.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = api.do(t, http.MethodPost, "/organizations/"+other.ID+"/members", map[string]any{"user_id": user.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/users/"+user.ID+"/memberships", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[models.Page[models.Member]](t, rec).Total)

	rec = api.do(t, http.MethodGet, "/members?role=admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[models.Page[models.Member]](t, rec).Total)

	// A member addressed through the wrong organization does not exist.
	rec = api.do(t, http.MethodPatch, "/organizations/"+other.ID+"/members/"+member.ID, map[string]any{"role": "member"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPatch, "/organizations/"+org.ID+"/members/"+member.ID, map[string]any{"role": "member"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RoleMember, decode[models.Member](t, rec).Role)

	rec = api.do(t, http.MethodDelete, "/organizations/"+org.ID+"/members/"+member.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/organizations/"+org.ID+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[models.Page[models.Member]](t, rec).Total)
}

func TestAddMemberReferences(t *testing.T) {
	api := newTestAPI(t)
	org := decode[models.Organization](t, api.do(t, http.MethodPost, "/organizations", map[string]any{"name": "Team", "slug": "team"}))

	rec := api.do(t, http.MethodPost, "/organizations/"+org.ID+"/members", map[string]any{
		"user_id": "00000000-0000-0000-0000-000000000001",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(t, http.MethodPost, "/organizations/00000000-0000-0000-0000-000000000002/members", map[string]any{
		"user_id": "00000000-0000-0000-0000-000000000001",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/organizations/"+org.ID+"/members", map[string]any{"user_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliveryReplay(t *testing.T) {
	api := newTestAPI(t)
	api.store.deliveries["d1"] = &models.WebhookDelivery{ID: "d1", EventType: "user.created", Status: models.DeliveryStatusDead, Attempts: 8}
	api.store.deliveries["d2"] = &models.WebhookDelivery{ID: "d2", EventType: "user.updated", Status: models.DeliveryStatusProcessed, Attempts: 1}

	rec := api.do(t, http.MethodGet, "/webhooks/deliveries?status=dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[models.Page[models.WebhookDelivery]](t, rec).Total)

	rec = api.do(t, http.MethodGet, "/webhooks/deliveries?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/webhooks/deliveries/d1/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	d := decode[models.WebhookDelivery](t, rec)
	assert.Equal(t, models.DeliveryStatusRetryReady, d.Status)
	assert.Equal(t, 0, d.Attempts)
	require.NotNil(t, d.NextAttemptAt)
	assert.True(t, d.NextAttemptAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	rec = api.do(t, http.MethodPost, "/webhooks/deliveries/d2/replay", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/webhooks/deliveries/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
