package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"code_exec_service/internal/api/middleware"
	"code_exec_service/internal/app/service"
	"code_exec_service/internal/common"
	"code_exec_service/internal/common/security"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type ExecutionHandler struct {
	executionService *service.ExecutionService
	liveService      *service.LiveService
	verifier         security.Verifier
	upgrader         websocket.Upgrader
	requestTimeout   time.Duration
	wsWriteTimeout   time.Duration
}

func NewExecutionHandler(es *service.ExecutionService, ls *service.LiveService, verifier security.Verifier, requestTimeout, wsWriteTimeout time.Duration) *ExecutionHandler {
	return &ExecutionHandler{
		executionService: es,
		liveService:      ls,
		verifier:         verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		requestTimeout: requestTimeout,
		wsWriteTimeout: wsWriteTimeout,
	}
}

func (h *ExecutionHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticator(h.verifier))
		if h.requestTimeout > 0 {
			r.Use(chiMiddleware.Timeout(h.requestTimeout))
		}
		r.Post("/execute", h.submitExecution)
		r.Get("/status/{executionID}", h.getExecutionStatus)
	})
	// Authenticated through the token query parameter; no request timeout.
	r.Get("/ws/{executionID}", h.streamExecution)
}

func (h *ExecutionHandler) submitExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Authorization token required")
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	resp, err := h.executionService.Submit(r.Context(), userID, req)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, resp)
}

func (h *ExecutionHandler) getExecutionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Authorization token required")
		return
	}

	exec, err := h.executionService.Get(r.Context(), userID, chi.URLParam(r, "executionID"))
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, exec)
}

func (h *ExecutionHandler) streamExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = jwtauth.TokenFromHeader(r)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Warn().Err(err).Str("execution_id", executionID).Msg("websocket upgrade failed")
		return
	}

	ws := &wsConn{conn: conn, writeTimeout: h.wsWriteTimeout}
	if err := h.liveService.Subscribe(r.Context(), ws, token, executionID); err != nil {
		log.Info().Err(err).Str("execution_id", executionID).Msg("live subscription rejected")
	}
}
