package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/middleware"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/storage"
)

type AuthHandler struct {
	users  storage.UserStore
	tokens *auth.TokenService
}

func NewAuthHandler(users storage.UserStore, tokens *auth.TokenService) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      model.UserPublic `json:"user"`
}

func (h *AuthHandler) issue(w http.ResponseWriter, u *model.User, token string) {
	exp, err := h.tokens.ExpiresAt(token)
	if err != nil {
		logger.Errorf("token expiry: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp, User: u.ToPublic()})
}

// Login: POST /auth/login {email, password}. Неверный email и неверный пароль неразличимы.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	u, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			writeServiceError(w, r, err)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.tokens.Issue(u.Email)
	if err != nil {
		logger.Errorf("issue token user=%s: %v", u.Email, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	logger.Infof("login user=%s role=%s", u.Email, u.Role)
	h.issue(w, u, token)
}

// Refresh: POST /auth/refresh: новый токен взамен ещё действующего.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	token, err := h.tokens.Refresh(raw, p.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token cannot be refreshed")
		return
	}
	u, err := h.users.GetByEmail(r.Context(), p.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.issue(w, u, token)
}

// Me: GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	u, err := h.users.GetByEmail(r.Context(), p.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}
