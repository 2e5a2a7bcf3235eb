package handler

import (
	"net/http"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/metrics"
	"github.com/ClareAI/astra-dialer-service/internal/services/analysis"
	"github.com/ClareAI/astra-dialer-service/internal/services/crm"
	"github.com/ClareAI/astra-dialer-service/internal/services/outcome"
	"github.com/ClareAI/astra-dialer-service/internal/services/queue"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/ClareAI/astra-dialer-service/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Dependencies are the services the HTTP layer exposes. Tokens, Calls, Analysis and
// Validator are optional; their routes answer 503 (or skip validation) when nil.
type Dependencies struct {
	Config    *config.DialerConfig
	Queue     *queue.QueueService
	Outcomes  *outcome.OutcomeService
	CRM       *crm.CRMService
	Analysis  *analysis.AnalysisService
	Tokens    TokenIssuer
	Calls     CallStarter
	Validator *twilio.WebhookValidator
	Bus       event.Bus
}

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	deps Dependencies
}

// NewHandlerManager creates a handler manager over deps
func NewHandlerManager(deps Dependencies) *HandlerManager {
	return &HandlerManager{deps: deps}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(RecoverMiddleware)
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)
	router.Use(metrics.Middleware)

	router.HandleFunc("/health", hm.health).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	NewQueueHandler(hm.deps.Queue, hm.deps.Config.QueuePushSecret).SetupQueueRoutes(router)
	NewWebhookHandler(hm.deps.Outcomes, hm.deps.Validator).SetupWebhookRoutes(router)
	NewOutcomeHandler(hm.deps.Outcomes).SetupOutcomeRoutes(router)
	NewCRMHandler(hm.deps.CRM).SetupCRMRoutes(router)
	NewTokenHandler(hm.deps.Config, hm.deps.Tokens).SetupTokenRoutes(router)
	NewCallHandler(hm.deps.Config, hm.deps.Calls, hm.deps.Outcomes).SetupCallRoutes(router)
	NewAnalysisHandler(hm.deps.Analysis).SetupAnalysisRoutes(router)

	// Preflight for every path; mux middleware only runs on matched routes
	router.PathPrefix("/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("all application routes registered",
		zap.Bool("telephony", hm.deps.Calls != nil),
		zap.Bool("tokens", hm.deps.Tokens != nil),
		zap.Bool("analysis", hm.deps.Analysis != nil),
		zap.Bool("queue_push_auth", hm.deps.Config.QueuePushSecret != ""))
}

func (hm *HandlerManager) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": "astra-dialer-service",
	}
	if hm.deps.Bus != nil {
		body["bus"] = hm.deps.Bus.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}
