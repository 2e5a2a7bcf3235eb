package handler

import (
	"net/http"
	"strings"

	"github.com/ClareAI/astra-dialer-service/internal/services/outcome"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/ClareAI/astra-dialer-service/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// WebhookHandler ingests outcome deliveries from the hosted call flow
type WebhookHandler struct {
	outcomes  *outcome.OutcomeService
	validator *twilio.WebhookValidator
}

// WebhookResponse is always sent with status 200 so the provider never retries
type WebhookResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Result  *outcome.IngestResult `json:"result,omitempty"`
}

// NewWebhookHandler creates a webhook handler. validator is nil when signature checks are off.
func NewWebhookHandler(outcomes *outcome.OutcomeService, validator *twilio.WebhookValidator) *WebhookHandler {
	return &WebhookHandler{outcomes: outcomes, validator: validator}
}

// SetupWebhookRoutes sets up routes for the flow webhook
func (h *WebhookHandler) SetupWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/webhook", h.handleWebhook).Methods("POST")
	router.HandleFunc("/webhook", h.identify).Methods("GET")
	logger.Base().Info("webhook routes registered", zap.Bool("signature_validation", h.validator != nil))
}

func (h *WebhookHandler) identify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "astra-dialer-service",
		"webhook": "outcome",
		"status":  "ok",
	})
}

// handleWebhook godoc
// @Summary Ingest a call-flow outcome
// @Tags webhook
// @Accept x-www-form-urlencoded
// @Produce json
// @Success 200 {object} WebhookResponse
// @Router /webhook [post]
func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		logger.Warn(r.Context(), "unreadable webhook body", zap.Error(err))
		writeJSON(w, http.StatusOK, WebhookResponse{Success: false, Message: "unreadable form body"})
		return
	}

	if h.validator != nil && !h.validator.Validate(r) {
		logger.Warn(r.Context(), "webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusOK, WebhookResponse{Success: false, Message: "invalid signature"})
		return
	}

	evt := outcome.WebhookEvent{
		ExecutionSid: formValue(r, "ExecutionSid", "executionSid", "execution_sid"),
		FlowSid:      formValue(r, "FlowSid", "flowSid", "flow_sid"),
		StepName:     formValue(r, "StepName", "stepName", "step"),
		CallStatus:   formValue(r, "CallStatus", "callStatus"),
		AnsweredBy:   formValue(r, "AnsweredBy", "answeredBy"),
		Outcome:      formValue(r, "Outcome", "outcome"),
		CallID:       formValue(r, "CallId", "CallID", "callId"),
		CallSid:      formValue(r, "CallSid", "callSid"),
		Agent:        formValue(r, "Agent", "agent"),
		ActivityName: formValue(r, "ActivityName", "activityName"),
		Number:       formValue(r, "Number", "number", "To"),
		Notes:        formValue(r, "Notes", "notes"),
	}

	result, err := h.outcomes.Ingest(r.Context(), evt)
	if err != nil {
		logger.Warn(r.Context(), "webhook not ingested", zap.Error(err))
		writeJSON(w, http.StatusOK, WebhookResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{Success: true, Message: "processed", Result: result})
}

// formValue returns the first non-empty value among keys
func formValue(r *http.Request, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(r.Form.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
