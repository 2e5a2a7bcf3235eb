package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/services/queue"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// QueueHandler exposes the per-agent lead queues
type QueueHandler struct {
	queue      *queue.QueueService
	pushSecret string
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queueService *queue.QueueService, pushSecret string) *QueueHandler {
	return &QueueHandler{queue: queueService, pushSecret: pushSecret}
}

// SetupQueueRoutes sets up routes for queue push, pull and done marking
func (h *QueueHandler) SetupQueueRoutes(router *mux.Router) {
	router.Handle("/queue", APIKeyMiddleware(h.pushSecret)(http.HandlerFunc(h.pushQueue))).Methods("POST")
	router.HandleFunc("/queue", h.pullQueue).Methods("GET")
	router.HandleFunc("/queue/done", h.markDone).Methods("POST")
	router.HandleFunc("/queue/done", h.listDone).Methods("GET")
}

// pushQueueRequest keeps leads raw so a non-array value can be told apart from a missing one
type pushQueueRequest struct {
	Agent string          `json:"agent"`
	Leads json.RawMessage `json:"leads"`
}

// pushQueue godoc
// @Summary Replace an agent's queue
// @Tags queue
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /queue [post]
func (h *QueueHandler) pushQueue(w http.ResponseWriter, r *http.Request) {
	var req pushQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var leads []domain.Lead
	if len(req.Leads) == 0 || string(req.Leads) == "null" {
		writeError(w, r, domain.NewValidationError("leads", "leads must be an array"))
		return
	}
	if err := json.Unmarshal(req.Leads, &leads); err != nil {
		writeError(w, r, domain.NewValidationError("leads", "leads must be an array of leads"))
		return
	}

	if err := h.queue.Push(r.Context(), req.Agent, leads); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"agent":   domain.AgentKey(req.Agent),
		"count":   len(leads),
	})
}

// pullQueue godoc
// @Summary Get an agent's queue
// @Tags queue
// @Produce json
// @Param agent query string true "Agent identifier"
// @Success 200 {array} domain.Lead
// @Router /queue [get]
func (h *QueueHandler) pullQueue(w http.ResponseWriter, r *http.Request) {
	leads, err := h.queue.Pull(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leads)
}

type markDoneRequest struct {
	Agent  string `json:"agent"`
	LeadID string `json:"leadId"`
}

func (h *QueueHandler) markDone(w http.ResponseWriter, r *http.Request) {
	var req markDoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.queue.MarkDone(r.Context(), req.Agent, req.LeadID); err != nil {
		writeError(w, r, err)
		return
	}

	logger.Debug(r.Context(), "lead marked done", zap.String("agent", req.Agent), zap.String("lead_id", req.LeadID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *QueueHandler) listDone(w http.ResponseWriter, r *http.Request) {
	ids, err := h.queue.Done(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leadIds": ids})
}
