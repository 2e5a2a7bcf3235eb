package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/services/analysis"
	"github.com/gorilla/mux"
)

const (
	maxUploadBytes  = 8 * analysis.MaxChunkBytes
	multipartMemory = 32 << 20
)

// AnalysisHandler transcribes call recordings and summarises transcripts
type AnalysisHandler struct {
	analysis *analysis.AnalysisService
}

// NewAnalysisHandler creates an analysis handler. service is nil when no AI key is configured.
func NewAnalysisHandler(service *analysis.AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{analysis: service}
}

// SetupAnalysisRoutes sets up routes for transcription and summarisation
func (h *AnalysisHandler) SetupAnalysisRoutes(router *mux.Router) {
	router.HandleFunc("/transcribe", h.transcribe).Methods("POST")
	router.HandleFunc("/summarize", h.summarize).Methods("POST")
}

// transcribe godoc
// @Summary Transcribe a recording sent as ordered chunk parts
// @Tags analysis
// @Accept mpfd
// @Produce json
// @Success 200 {object} analysis.Transcription
// @Failure 400 {object} ErrorResponse
// @Failure 504 {object} ErrorResponse
// @Router /transcribe [post]
func (h *AnalysisHandler) transcribe(w http.ResponseWriter, r *http.Request) {
	if h.analysis == nil {
		writeStatus(w, http.StatusServiceUnavailable, "transcription is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, domain.NewValidationError("chunk", fmt.Sprintf("invalid multipart body: %v", err)))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["chunk"]
	chunks := make([]analysis.AudioChunk, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			writeError(w, r, domain.NewValidationError("chunk", fmt.Sprintf("unreadable chunk %q", header.Filename)))
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeError(w, r, domain.NewValidationError("chunk", fmt.Sprintf("unreadable chunk %q", header.Filename)))
			return
		}
		chunks = append(chunks, analysis.AudioChunk{Name: header.Filename, Data: data})
	}

	result, err := h.analysis.Transcribe(r.Context(), chunks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type summarizeRequest struct {
	Transcript string `json:"transcript"`
}

func (h *AnalysisHandler) summarize(w http.ResponseWriter, r *http.Request) {
	if h.analysis == nil {
		writeStatus(w, http.StatusServiceUnavailable, "summarization is not configured")
		return
	}

	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.analysis.Summarize(r.Context(), req.Transcript)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
