package handler

import (
	"net/http"
	"strings"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/ClareAI/astra-dialer-service/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// TokenIssuer mints softphone capability tokens
type TokenIssuer interface {
	Issue(identity string) (*twilio.CapabilityToken, error)
}

// TokenHandler hands capability tokens to allow-listed agents
type TokenHandler struct {
	cfg     *config.DialerConfig
	issuer  TokenIssuer
	limiter *identityLimiter
}

// NewTokenHandler creates a token handler. issuer is nil when the telephony account is not configured.
func NewTokenHandler(cfg *config.DialerConfig, issuer TokenIssuer) *TokenHandler {
	return &TokenHandler{
		cfg:     cfg,
		issuer:  issuer,
		limiter: newIdentityLimiter(cfg.TokenRatePerMinute, 3),
	}
}

// SetupTokenRoutes sets up routes for token issuance
func (h *TokenHandler) SetupTokenRoutes(router *mux.Router) {
	router.HandleFunc("/token", h.issueToken).Methods("GET", "POST")
}

type tokenRequest struct {
	Identity string `json:"identity"`
}

// issueToken godoc
// @Summary Issue a voice capability token
// @Tags token
// @Produce json
// @Param identity query string true "Agent identity"
// @Success 200 {object} twilio.CapabilityToken
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /token [get]
func (h *TokenHandler) issueToken(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" && r.Method == http.MethodPost {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var req tokenRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, r, err)
				return
			}
			identity = req.Identity
		} else {
			identity = r.FormValue("identity")
		}
	}
	identity = strings.ToLower(strings.TrimSpace(identity))

	if identity == "" {
		writeError(w, r, &domain.UnauthorizedError{Reason: "identity is required"})
		return
	}
	if !h.cfg.IsAgentAllowed(identity) {
		writeError(w, r, &domain.UnauthorizedError{Identity: identity, Reason: "identity is not on the allow-list"})
		return
	}
	if !h.limiter.Allow(identity) {
		logger.Warn(r.Context(), "token rate limit exceeded", zap.String("identity", identity))
		writeStatus(w, http.StatusTooManyRequests, "too many token requests, retry shortly")
		return
	}
	if h.issuer == nil {
		writeStatus(w, http.StatusServiceUnavailable, "telephony is not configured")
		return
	}

	token, err := h.issuer.Issue(identity)
	if err != nil {
		writeError(w, r, &domain.UpstreamError{Service: "twilio", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, token)
}
