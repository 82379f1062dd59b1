package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/polydev/master-controller/internal/auth"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// Identity est l'appelant authentifié : un utilisateur (jeton access) ou
// l'agent d'une VM (jeton agent, UserID = propriétaire de la VM).
type Identity struct {
	UserID    string
	VMID      string
	IsAdmin   bool
	TokenType string
}

func (i *Identity) IsAgent() bool { return i.TokenType == auth.TokenAgent }

func tokenFromRequest(r *http.Request) string {
	// Priorité au cookie httpOnly
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	// Fallback: Authorization header
	bearer := r.Header.Get("Authorization")
	if strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return ""
}

// Authenticate accepte les jetons "access" et "agent".
func Authenticate(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := tokenFromRequest(r)
			if tokenStr == "" {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(jwtSecret, tokenStr)
			if err != nil {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, &Identity{
				UserID:    claims.UserID,
				VMID:      claims.VMID,
				IsAdmin:   claims.IsAdmin && claims.TokenType == auth.TokenAccess,
				TokenType: claims.TokenType,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetIdentity(r *http.Request) *Identity {
	id, _ := r.Context().Value(IdentityContextKey).(*Identity)
	return id
}

// WithIdentity place id dans le contexte, pour les tests de handlers.
func WithIdentity(r *http.Request, id *Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), IdentityContextKey, id))
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r)
		if id == nil || !id.IsAdmin {
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
