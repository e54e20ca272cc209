package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"backoffice-backend/internal/models"
	"backoffice-backend/internal/storage"
)

// UserStore is what the auth handlers read.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type Handler struct {
	store  UserStore
	issuer *Issuer
	log    *zap.Logger
}

func NewHandler(store UserStore, issuer *Issuer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: store, issuer: issuer, log: log.Named("auth")}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// dummyHash keeps the response time of unknown emails close to that of a
// wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("backoffice-dummy-password"), bcrypt.DefaultCost)

// Login authenticates an admin operator and returns a JWT token
// @Summary Admin login
// @Description Authenticates an admin operator with email and password, returns a JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param credentials body loginRequest true "Login credentials"
// @Success 200 {object} loginResponse
// @Failure 400 {object} map[string]string "Invalid request body or missing credentials"
// @Failure 401 {object} map[string]string "Invalid credentials"
// @Failure 429 {object} map[string]string "Rate limit exceeded"
// @Router /auth/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		h.log.Error("lookup user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || user.PasswordHash == nil || !user.IsAdmin {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.issuer.GenerateToken(user.ID, user.IsAdmin)
	if err != nil {
		h.log.Error("generate token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	h.log.Info("admin logged in", zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

// Logout is a no-op for stateless tokens; clients drop the token
// @Summary Admin logout
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]bool "Success response"
// @Security BearerAuth
// @Router /auth/logout [post]
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Me returns the current authenticated operator
// @Summary Get current operator
// @Tags auth
// @Produce json
// @Success 200 {object} models.User
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "User not found"
// @Security BearerAuth
// @Router /auth/me [get]
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.store.GetUser(r.Context(), userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.log.Error("load current user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// RequireAdmin wraps Issuer.Middleware and also requires the token's
// operator to still exist and hold the admin flag.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return h.issuer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		user, err := h.store.GetUser(r.Context(), userID)
		switch {
		case errors.Is(err, storage.ErrUserNotFound):
			unauthorized(w)
			return
		case err != nil:
			h.log.Error("load token operator", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		case !user.IsAdmin:
			h.log.Info("token rejected for non-admin operator", zap.String("user_id", userID))
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// HashPassword bcrypt-hashes an operator password.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
