package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/storage"
)

// bearerToken достаёт токен из Authorization: Bearer. Для WebSocket upgrade браузер
// не умеет ставить заголовки, поэтому там допускается ?token=.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Authenticate заполняет Principal по JWT. Запрос никогда не отклоняется:
// решение принимает Require конкретной операции.
func Authenticate(tokens *auth.TokenService, users storage.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" || GetPrincipal(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}
			identity, err := tokens.ExtractIdentity(raw)
			if err != nil {
				logger.Debugf("auth: token %s rejected: %v", MaskToken(raw), err)
				next.ServeHTTP(w, r)
				return
			}
			u, err := users.GetByEmail(r.Context(), identity)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					logger.Errorf("auth: load user %s: %v", identity, err)
				}
				next.ServeHTTP(w, r)
				return
			}
			if !tokens.IsValid(raw, u.Email) {
				logger.Debugf("auth: token %s expired for %s", MaskToken(raw), identity)
				next.ServeHTTP(w, r)
				return
			}
			p := &auth.Principal{Email: u.Email, Name: u.Name, Role: u.Role}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Require проверяет требование операции по таблице политик: 401 без пользователя, 403 при чужой роли.
func Require(policy auth.Policy, op auth.Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch err := policy.Authorize(op, GetPrincipal(r.Context())); {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, auth.ErrUnauthenticated):
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			default:
				writeJSONError(w, http.StatusForbidden, "forbidden")
			}
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
