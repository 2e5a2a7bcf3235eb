package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/adapters/crm"
	"github.com/ClareAI/astra-dialer-service/internal/adapters/openai"
	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/handler"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
	"github.com/ClareAI/astra-dialer-service/internal/services/analysis"
	crmservice "github.com/ClareAI/astra-dialer-service/internal/services/crm"
	"github.com/ClareAI/astra-dialer-service/internal/services/outcome"
	"github.com/ClareAI/astra-dialer-service/internal/services/queue"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/ClareAI/astra-dialer-service/pkg/redis"
	"github.com/ClareAI/astra-dialer-service/pkg/twilio"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Server is the dialer HTTP service
type Server struct {
	config *config.DialerConfig
	router *mux.Router
	stop   context.CancelFunc
}

// NewServer wires storage, the outcome bus and every service behind the router
func NewServer(cfg *config.DialerConfig) (*Server, error) {
	ctx, stop := context.WithCancel(context.Background())

	store, bus, err := newStorage(ctx, cfg)
	if err != nil {
		stop()
		return nil, err
	}

	deps := handler.Dependencies{
		Config: cfg,
		Queue:  queue.NewQueueService(store),
		Bus:    bus,
	}

	// typed nils must not leak into the interface fields
	studio := twilio.NewStudioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	if studio != nil {
		deps.Calls = studio
		deps.Outcomes = outcome.NewOutcomeService(store, bus, studio, cfg.TwilioFlowSID)
	} else {
		deps.Outcomes = outcome.NewOutcomeService(store, bus, nil, cfg.TwilioFlowSID)
	}

	tokens := twilio.NewTokenService(twilio.TokenConfig{
		AccountSID:   cfg.TwilioAccountSID,
		APIKeySID:    cfg.TwilioAPIKeySID,
		APIKeySecret: cfg.TwilioAPIKeySecret,
		TwiMLAppSID:  cfg.TwilioTwiMLAppSID,
		TTL:          cfg.TokenTTL,
	})
	if tokens.IsEnabled() {
		deps.Tokens = tokens
	}

	if cfg.ValidateWebhookSig {
		deps.Validator = twilio.NewWebhookValidator(cfg.TwilioAuthToken, cfg.PublicURL)
	}

	deps.CRM, err = newCRMService(store, cfg)
	if err != nil {
		stop()
		return nil, err
	}

	if cfg.OpenAIAPIKey != "" {
		ai, err := openai.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.TranscriptionModel, cfg.SummarizationModel)
		if err != nil {
			stop()
			return nil, fmt.Errorf("failed to create AI client: %w", err)
		}
		deps.Analysis = analysis.NewAnalysisService(ai, ai)
	}

	router := mux.NewRouter()
	handler.NewHandlerManager(deps).SetupAllRoutes(router)

	return &Server{config: cfg, router: router, stop: stop}, nil
}

// newStorage selects Redis when a host is configured and the in-memory store otherwise
func newStorage(ctx context.Context, cfg *config.DialerConfig) (kv.Store, event.Bus, error) {
	local := event.NewBus()
	local.Use(event.LoggingMiddleware)
	if cfg.RedisHost == "" {
		logger.Base().Warn("REDIS_HOST not set, using in-memory storage; state is lost on restart and not shared between instances")
		return kv.NewMemoryStore(10 * time.Minute), local, nil
	}

	redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, err
	}

	bridge := event.NewRedisBridge(local, redisSvc)
	if err := bridge.Start(ctx); err != nil {
		return nil, nil, err
	}
	logger.Base().Info("using redis storage", zap.String("host", cfg.RedisHost), zap.Int("db", cfg.RedisDB))
	return kv.NewRedisStore(redisSvc, "dialer"), bridge, nil
}

func newCRMService(store kv.Store, cfg *config.DialerConfig) (*crmservice.CRMService, error) {
	var (
		relay crmservice.Relay
		table crmservice.TableUpdater
	)
	if cfg.RelayWebhookURL != "" {
		client, err := crm.NewRelayClient(cfg.RelayWebhookURL, config.CRMRelayTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create CRM relay client: %w", err)
		}
		relay = client
	}
	if cfg.AirtableEnabled() {
		client, err := crm.NewAirtableClient(cfg.AirtableBaseURL, cfg.AirtableAPIKey, cfg.AirtableBaseID, cfg.AirtableTable, config.CRMRelayTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create Airtable client: %w", err)
		}
		table = client
	}
	return crmservice.NewCRMService(store, relay, table), nil
}

// Start serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Start(ctx context.Context) error {
	defer s.stop()

	addr := fmt.Sprintf(":%s", s.config.Port)
	// the write timeout covers /outcome/wait and /transcribe
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.TranscribeTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Base().Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// getDynamicInstanceID prefers the host name (pod name in Kubernetes)
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("dialer-service-%d", time.Now().UnixNano())
}

func main() {
	// .env is for local development; it never overrides the real environment
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.LoadDialerConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = getDynamicInstanceID()
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		logger.Base().Fatal("Server failed", zap.Error(err))
	}
}
