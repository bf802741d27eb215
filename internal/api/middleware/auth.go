package middleware

import (
	"context"
	"net/http"

	"code_exec_service/internal/common"
	"code_exec_service/internal/common/security"

	"github.com/go-chi/jwtauth/v5"
)

type contextKey string

const IdentityCtxKey contextKey = "identity"

// Authenticator requires a valid bearer token and stores the caller's
// identity in the request context.
func Authenticator(verifier security.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := jwtauth.TokenFromHeader(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				common.RespondWithError(w, http.StatusUnauthorized, "Authorization token required")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), IdentityCtxKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helper to get the verified identity from context
func GetIdentityFromContext(ctx context.Context) (*security.Identity, bool) {
	identity, ok := ctx.Value(IdentityCtxKey).(*security.Identity)
	return identity, ok && identity != nil
}

// Helper to get user ID from context
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	identity, ok := GetIdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	return identity.UserID, identity.UserID != ""
}
