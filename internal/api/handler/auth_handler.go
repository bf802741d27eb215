package handler

import (
	"net/http"

	"code_exec_service/internal/api/middleware"
	"code_exec_service/internal/common"
	"code_exec_service/internal/common/security"

	"github.com/go-chi/chi/v5"
)

type AuthHandler struct {
	verifier security.Verifier
}

func NewAuthHandler(verifier security.Verifier) *AuthHandler {
	return &AuthHandler{verifier: verifier}
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Authenticator(h.verifier))
	r.Get("/verify", h.verify)
	r.Get("/user", h.user)
}

func (h *AuthHandler) verify(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Authorization token required")
		return
	}
	common.RespondWithJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"uid":            identity.UserID,
			"email":          identity.Email,
			"name":           identity.Name,
			"email_verified": identity.EmailVerified,
		},
		"message": "Authentication successful",
	})
}

func (h *AuthHandler) user(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Authorization token required")
		return
	}
	common.RespondWithJSON(w, http.StatusOK, map[string]any{
		"user_data": identity,
		"claims":    identity.Claims,
	})
}
