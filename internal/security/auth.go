package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
)

// Identity holds the resolved caller identity from a bearer credential.
type Identity struct {
	// ClientID is the OAuth client id, or "api_key_client" for the static key.
	ClientID string
	// Scopes granted to the credential.
	Scopes []string
}

// HasScope reports whether the identity carries the given scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AccessTokenResolver resolves a bearer token into a caller identity.
// The bundled OAuth provider implements it; it also accepts the static
// BEARER_TOKEN API key.
type AccessTokenResolver interface {
	ResolveAccessToken(ctx context.Context, token string) (*Identity, bool)
}

type identityKey struct{}

// WithIdentity returns a context carrying the resolved identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the Identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MCPAuthMiddleware guards the MCP endpoint. When the config demands auth
// (static bearer token or bundled OAuth) requests must carry a resolvable
// bearer credential; otherwise the endpoint is open.
func MCPAuthMiddleware(cfg *config.Config, resolver AccessTokenResolver, next http.Handler) http.Handler {
	if !cfg.AuthRequired() {
		return next
	}
	challenge := "Bearer"
	if cfg.OAuthBundled && cfg.ServerURL != "" {
		challenge = fmt.Sprintf("Bearer resource_metadata=%q", cfg.ServerURL+"/.well-known/oauth-protected-resource")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := bearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			unauthorized(w, challenge, errMsg)
			return
		}
		id, ok := resolver.ResolveAccessToken(r.Context(), token)
		if !ok {
			log.Info("Auth rejected", "method", r.Method, "path", r.URL.Path)
			unauthorized(w, challenge, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// bearerToken extracts the token from an Authorization header value.
// The second return is a client-facing error message when extraction fails.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing Authorization header"
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", "invalid Authorization header; expected Bearer token"
	}
	return token, ""
}

func unauthorized(w http.ResponseWriter, challenge, msg string) {
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
