package middleware

import (
	"context"

	"github.com/classchat/internal/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal кладёт аутентифицированного пользователя в контекст запроса.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal возвращает пользователя из контекста (устанавливается Authenticate) или nil.
func GetPrincipal(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}
