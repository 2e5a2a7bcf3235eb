package handler

import (
	"errors"
	"net/http"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
	"github.com/ClareAI/astra-dialer-service/internal/services/crm"
	"github.com/gorilla/mux"
)

// CRMHandler relays final call results to the CRM
type CRMHandler struct {
	crm *crm.CRMService
}

// NewCRMHandler creates a new CRM handler
func NewCRMHandler(crmService *crm.CRMService) *CRMHandler {
	return &CRMHandler{crm: crmService}
}

// SetupCRMRoutes sets up routes for result updates
func (h *CRMHandler) SetupCRMRoutes(router *mux.Router) {
	router.HandleFunc("/airtable/update-result", h.updateResult).Methods("POST")
	router.HandleFunc("/airtable/result", h.getResult).Methods("GET")
}

// updateResult godoc
// @Summary Persist a call result to the CRM
// @Tags crm
// @Accept json
// @Produce json
// @Param update body domain.ResultUpdate true "Result"
// @Success 200 {object} crm.UpdateResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /airtable/update-result [post]
func (h *CRMHandler) updateResult(w http.ResponseWriter, r *http.Request) {
	var update domain.ResultUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := h.crm.UpdateResult(r.Context(), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CRMHandler) getResult(w http.ResponseWriter, r *http.Request) {
	activity := r.URL.Query().Get("activityName")
	if activity == "" {
		writeError(w, r, domain.NewValidationError("activityName", "activityName is required"))
		return
	}

	update, err := h.crm.Archived(r.Context(), activity)
	if errors.Is(err, kv.ErrNotFound) {
		writeStatus(w, http.StatusNotFound, "no result recorded for this activity")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}
