package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/sideeffect"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/services/outcome"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/ClareAI/astra-dialer-service/pkg/twilio"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CallStarter starts and stops hosted flow executions
type CallStarter interface {
	CreateExecution(ctx context.Context, req twilio.ExecutionRequest) (*domain.ProviderExecution, error)
	EndExecution(ctx context.Context, flowSid, executionSid string) error
}

// CallHandler places outbound calls through the configured flow
type CallHandler struct {
	cfg      *config.DialerConfig
	starter  CallStarter
	outcomes *outcome.OutcomeService
}

// NewCallHandler creates a call handler. starter is nil when the telephony account is not configured.
func NewCallHandler(cfg *config.DialerConfig, starter CallStarter, outcomes *outcome.OutcomeService) *CallHandler {
	return &CallHandler{cfg: cfg, starter: starter, outcomes: outcomes}
}

// SetupCallRoutes sets up routes for call placement
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls", h.placeCall).Methods("POST")
	router.HandleFunc("/calls/{executionSid}/end", h.endCall).Methods("POST")
	router.HandleFunc("/caller-ids", h.listCallerIDs).Methods("GET")
}

// PlaceCallRequest is the body of POST /calls
type PlaceCallRequest struct {
	Agent        string `json:"agent"`
	To           string `json:"to"`
	From         string `json:"from"`
	CallID       string `json:"callId"`
	ActivityName string `json:"activityName"`
}

// PlaceCallResponse links the caller's call id to the started execution
type PlaceCallResponse struct {
	ExecutionSid string `json:"executionSid"`
	CallID       string `json:"callId"`
}

func (h *CallHandler) validate(req *PlaceCallRequest) error {
	req.Agent = domain.AgentKey(req.Agent)
	if req.Agent == "" {
		return domain.NewValidationError("agent", "agent is required")
	}
	if !h.cfg.IsAgentAllowed(req.Agent) {
		return &domain.UnauthorizedError{Identity: req.Agent, Reason: "identity is not on the allow-list"}
	}

	to, ok := domain.NormalizePhone(req.To)
	if !ok {
		return domain.NewValidationError("to", "to must be a valid phone number")
	}
	req.To = to

	from, ok := domain.NormalizePhone(req.From)
	if !ok || !h.cfg.IsCallerID(from) {
		return domain.NewValidationError("from", "from must be one of the configured caller ids")
	}
	req.From = from

	req.CallID = strings.TrimSpace(req.CallID)
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	req.ActivityName = strings.TrimSpace(req.ActivityName)
	return nil
}

// placeCall godoc
// @Summary Place an outbound call through the flow
// @Tags calls
// @Accept json
// @Produce json
// @Param call body PlaceCallRequest true "Call"
// @Success 200 {object} PlaceCallResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /calls [post]
func (h *CallHandler) placeCall(w http.ResponseWriter, r *http.Request) {
	var req PlaceCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate(&req); err != nil {
		writeError(w, r, err)
		return
	}
	if h.starter == nil || h.cfg.TwilioFlowSID == "" {
		writeStatus(w, http.StatusServiceUnavailable, "telephony is not configured")
		return
	}

	ctx := logger.WithFields(r.Context(), zap.String("agent", req.Agent), zap.String("call_id", req.CallID))
	exec, err := h.starter.CreateExecution(ctx, twilio.ExecutionRequest{
		FlowSid: h.cfg.TwilioFlowSID,
		To:      req.To,
		From:    req.From,
		Parameters: map[string]interface{}{
			"callId":       req.CallID,
			"agent":        req.Agent,
			"activityName": req.ActivityName,
		},
	})
	if err != nil {
		writeError(w, r, &domain.UpstreamError{Service: "twilio", Err: err})
		return
	}

	sideeffect.Run(ctx, "calls.register", func(ctx context.Context) error {
		return h.outcomes.RegisterCall(ctx, domain.ExecutionRecord{
			ExecutionSid: exec.Sid,
			FlowSid:      h.cfg.TwilioFlowSID,
			Status:       exec.Status,
			CallID:       req.CallID,
			Agent:        req.Agent,
			ActivityName: req.ActivityName,
			Number:       req.To,
		})
	})

	logger.Info(ctx, "call placed", zap.String("execution_sid", exec.Sid), zap.String("to", req.To))
	writeJSON(w, http.StatusOK, PlaceCallResponse{ExecutionSid: exec.Sid, CallID: req.CallID})
}

func (h *CallHandler) endCall(w http.ResponseWriter, r *http.Request) {
	if h.starter == nil || h.cfg.TwilioFlowSID == "" {
		writeStatus(w, http.StatusServiceUnavailable, "telephony is not configured")
		return
	}

	sid := mux.Vars(r)["executionSid"]
	if err := h.starter.EndExecution(r.Context(), h.cfg.TwilioFlowSID, sid); err != nil {
		writeError(w, r, &domain.UpstreamError{Service: "twilio", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "executionSid": sid})
}

func (h *CallHandler) listCallerIDs(w http.ResponseWriter, r *http.Request) {
	ids := h.cfg.CallerIDs
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"callerIds": ids})
}
