package twilio

import (
	"fmt"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/twilio/twilio-go/client/jwt"
	"go.uber.org/zap"
)

// TokenConfig holds the credentials used to sign softphone capability tokens
type TokenConfig struct {
	AccountSID   string
	APIKeySID    string
	APIKeySecret string
	TwiMLAppSID  string
	TTL          time.Duration
}

// CapabilityToken is a signed, time-limited credential for the voice SDK
type CapabilityToken struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	ExpiresIn int    `json:"expiresIn"`
}

// TokenService mints voice access tokens for allow-listed agents
type TokenService struct {
	cfg     TokenConfig
	enabled bool
}

// NewTokenService creates a token service.
// If any signing credential is empty, the service will be disabled
func NewTokenService(cfg TokenConfig) *TokenService {
	if cfg.AccountSID == "" || cfg.APIKeySID == "" || cfg.APIKeySecret == "" {
		logger.Base().Warn("Twilio API key not provided, capability tokens disabled")
		return &TokenService{cfg: cfg, enabled: false}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &TokenService{cfg: cfg, enabled: true}
}

// IsEnabled returns whether the service is enabled
func (s *TokenService) IsEnabled() bool {
	return s.enabled
}

// Issue returns a token allowing identity to place calls through the TwiML app
// and receive calls addressed to it.
func (s *TokenService) Issue(identity string) (*CapabilityToken, error) {
	if !s.enabled {
		return nil, fmt.Errorf("twilio token service is disabled")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	accessToken := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    s.cfg.AccountSID,
		SigningKeySid: s.cfg.APIKeySID,
		Secret:        s.cfg.APIKeySecret,
		Identity:      identity,
		Ttl:           s.cfg.TTL.Seconds(),
	})
	accessToken.AddGrant(&jwt.VoiceGrant{
		Incoming: jwt.Incoming{Allow: true},
		Outgoing: jwt.Outgoing{ApplicationSid: s.cfg.TwiMLAppSID},
	})

	signed, err := accessToken.ToJwt()
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	logger.Base().Info("Issued capability token", zap.String("identity", identity), zap.Duration("ttl", s.cfg.TTL))
	return &CapabilityToken{
		Token:     signed,
		Identity:  identity,
		ExpiresIn: int(s.cfg.TTL.Seconds()),
	}, nil
}
