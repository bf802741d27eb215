package handler

import (
	"bytes"
	"encoding/json"
	"net/http"

	"code_exec_service/internal/app/service"
	"code_exec_service/internal/common"
	"code_exec_service/internal/common/security"
	"code_exec_service/internal/platform/compiler"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type WebhookHandler struct {
	resultService *service.ResultService
	signer        *security.CallbackSigner
}

func NewWebhookHandler(rs *service.ResultService, signer *security.CallbackSigner) *WebhookHandler {
	return &WebhookHandler{resultService: rs, signer: signer}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/{token}", h.handleExecutionResult)
}

// ExecutionResultPayload is the body the compiler provider posts back.
// extra_params may arrive as an object or as an empty string.
type ExecutionResultPayload struct {
	Output      compiler.Text   `json:"output"`
	Error       compiler.Text   `json:"error"`
	CPU         compiler.Text   `json:"cpu"`
	Memory      compiler.Text   `json:"memory"`
	Status      compiler.Text   `json:"status"`
	ExtraParams json.RawMessage `json:"extra_params"`
}

func (p ExecutionResultPayload) executionID() string {
	raw := bytes.TrimSpace(p.ExtraParams)
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var extra struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return ""
	}
	return extra.ExecutionID
}

func (p ExecutionResultPayload) result() compiler.Result {
	return compiler.Result{
		Output:  string(p.Output),
		Error:   string(p.Error),
		CPUTime: string(p.CPU),
		Memory:  string(p.Memory),
		Status:  string(p.Status),
	}
}

func (h *WebhookHandler) handleExecutionResult(w http.ResponseWriter, r *http.Request) {
	var payload ExecutionResultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Warn().Err(err).Msg("webhook: invalid payload")
		common.RespondWithError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	defer r.Body.Close()

	executionID := payload.executionID()
	if executionID == "" {
		log.Warn().Msg("webhook received without execution_id in extra_params")
		common.RespondWithError(w, http.StatusBadRequest, "Missing execution_id in extra_params")
		return
	}
	if !h.signer.Valid(executionID, chi.URLParam(r, "token")) {
		log.Warn().Str("execution_id", executionID).Msg("webhook: invalid callback token")
		common.RespondWithError(w, http.StatusUnauthorized, "Invalid callback token")
		return
	}

	outcome, err := h.resultService.Apply(r.Context(), executionID, payload.result(), service.ModeWebhook)
	if err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("webhook: error handling result")
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}

	switch outcome {
	case service.OutcomeIgnored:
		common.RespondWithJSON(w, http.StatusNotFound, map[string]string{
			"status":  "ignored",
			"message": "Execution not found or expired",
		})
	default:
		common.RespondWithJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Execution result received",
		})
	}
}
