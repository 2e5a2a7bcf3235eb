package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/services/outcome"
	"github.com/gorilla/mux"
)

const (
	defaultOutcomeWait = 25 * time.Second
	maxOutcomeWait     = 30 * time.Second
)

// OutcomeHandler serves outcome queries and execution status
type OutcomeHandler struct {
	outcomes *outcome.OutcomeService
}

// OutcomeResponse carries a null outcome until one is known
type OutcomeResponse struct {
	CallID  string  `json:"callId"`
	Outcome *string `json:"outcome"`
}

// NewOutcomeHandler creates a new outcome handler
func NewOutcomeHandler(outcomes *outcome.OutcomeService) *OutcomeHandler {
	return &OutcomeHandler{outcomes: outcomes}
}

// SetupOutcomeRoutes sets up routes for outcome polling and execution status
func (h *OutcomeHandler) SetupOutcomeRoutes(router *mux.Router) {
	router.HandleFunc("/outcome", h.getOutcome).Methods("GET")
	router.HandleFunc("/outcome/wait", h.waitOutcome).Methods("GET")
	router.HandleFunc("/execution-status/{executionSid}", h.getExecutionStatus).Methods("GET")
	router.HandleFunc("/execution-status/{executionSid}", h.overrideExecution).Methods("POST")
	router.HandleFunc("/results", h.listResults).Methods("GET")
}

// getOutcome godoc
// @Summary Get the outcome of a call
// @Tags outcome
// @Produce json
// @Param callId query string true "Call identifier or execution sid"
// @Success 200 {object} OutcomeResponse
// @Router /outcome [get]
func (h *OutcomeHandler) getOutcome(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	rec, err := h.outcomes.Outcome(r.Context(), callID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(callID, rec))
}

// waitOutcome holds the request until the outcome is known or the wait elapses
func (h *OutcomeHandler) waitOutcome(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	wait, err := parseWait(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	rec, err := h.outcomes.WaitOutcome(ctx, callID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(callID, rec))
}

func newOutcomeResponse(callID string, rec *domain.OutcomeRecord) OutcomeResponse {
	resp := OutcomeResponse{CallID: strings.TrimSpace(callID)}
	if rec != nil && rec.Outcome != "" {
		value := string(rec.Outcome)
		resp.Outcome = &value
	}
	return resp
}

// parseWait accepts a Go duration or a number of seconds
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultOutcomeWait, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, domain.NewValidationError("timeout", "timeout must be a duration or a number of seconds")
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait <= 0 {
		return 0, domain.NewValidationError("timeout", "timeout must be positive")
	}
	if wait > maxOutcomeWait {
		wait = maxOutcomeWait
	}
	return wait, nil
}

// getExecutionStatus godoc
// @Summary Get the best-known status of a flow execution
// @Tags outcome
// @Produce json
// @Param executionSid path string true "Execution sid"
// @Param flowSid query string false "Flow sid, defaults to the configured flow"
// @Success 200 {object} outcome.StatusResult
// @Failure 502 {object} ErrorResponse
// @Router /execution-status/{executionSid} [get]
func (h *OutcomeHandler) getExecutionStatus(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["executionSid"]
	status, err := h.outcomes.ExecutionStatus(r.Context(), sid, r.URL.Query().Get("flowSid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *OutcomeHandler) overrideExecution(w http.ResponseWriter, r *http.Request) {
	var update outcome.ManualUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := h.outcomes.Override(r.Context(), mux.Vars(r)["executionSid"], update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "execution": rec})
}

func (h *OutcomeHandler) listResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.outcomes.Results(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
}
