package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"go.uber.org/zap"
)

type contextKey string

const AdminContextKey contextKey = "admin"

// Middleware guards the admin API with HS256 bearer tokens. An empty secret
// disables the admin API entirely.
type Middleware struct {
	jwtSecret string
	log       *zap.Logger
}

func NewMiddleware(jwtSecret string, log *zap.Logger) *Middleware {
	return &Middleware{jwtSecret: jwtSecret, log: log}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.jwtSecret == "" {
			apperr.Render(w, m.log, apperr.NotFound("Not found"))
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			apperr.Render(w, m.log, apperr.Unauthorized("Missing or malformed authorization header"))
			return
		}

		claims, err := ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			apperr.Render(w, m.log, apperr.Unauthorized("Invalid token"))
			return
		}

		ctx := context.WithValue(r.Context(), AdminContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func AdminFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(AdminContextKey).(*Claims)
	return claims, ok
}
