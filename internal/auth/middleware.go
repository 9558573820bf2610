// internal/auth/middleware.go
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	ActorIDKey  contextKey = "actor_id"
)

func (s *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		claims, err := s.ValidateToken(tokenStr)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// claims are already validated as UUIDs
		ctx := context.WithValue(r.Context(), TenantIDKey, uuid.MustParse(claims.TenantID))
		if claims.ActorID != "" {
			ctx = context.WithValue(ctx, ActorIDKey, uuid.MustParse(claims.ActorID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantID extracts the authenticated tenant from the request context.
func TenantID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(TenantIDKey).(uuid.UUID)
	return id, ok
}

// ActorID extracts the acting user, if the token carried one.
func ActorID(ctx context.Context) uuid.NullUUID {
	if id, ok := ctx.Value(ActorIDKey).(uuid.UUID); ok {
		return uuid.NullUUID{UUID: id, Valid: true}
	}
	return uuid.NullUUID{}
}
