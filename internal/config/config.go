package config

import (
	"strings"
	"time"
)

const (
	// Storage lifetimes
	QueueTTL     = 1 * time.Hour
	ExecutionTTL = 24 * time.Hour
	ResultTTL    = 7 * 24 * time.Hour

	// A webhook-delivered outcome younger than this is served without asking the provider.
	OutcomeFreshness = 30 * time.Second

	// External call timeouts
	StatusLookupTimeout = 8 * time.Second
	CRMRelayTimeout     = 15 * time.Second
	SummarizeTimeout    = 90 * time.Second
	TranscribeTimeout   = 120 * time.Second
	MaxAIRetries        = 3
	AIRetryWait         = 2 * time.Second

	DefaultTokenTTL         = 1 * time.Hour
	DefaultAutoAdvanceDelay = 3 * time.Second
	DefaultPollInterval     = 2 * time.Second
)

// DialerConfig holds the configuration shared by the HTTP server and the agent console
type DialerConfig struct {
	Port       string
	InstanceID string
	PublicURL  string // externally reachable base URL, used for webhook signature checks

	// Redis; an empty host selects the in-memory store
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Twilio
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioAPIKeySID    string
	TwilioAPIKeySecret string
	TwilioTwiMLAppSID  string
	TwilioFlowSID      string
	CallerIDs          []string
	ValidateWebhookSig bool
	TokenTTL           time.Duration
	TokenRatePerMinute int
	AgentAllowList     []string

	// CRM
	RelayWebhookURL string
	AirtableAPIKey  string
	AirtableBaseID  string
	AirtableTable   string
	AirtableBaseURL string

	// AI provider
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	TranscriptionModel string
	SummarizationModel string

	// Queue push credential (HS256 JWT secret); empty disables the check
	QueuePushSecret string
}

// LoadDialerConfig loads the service configuration from environment variables
func LoadDialerConfig() *DialerConfig {
	cfg := &DialerConfig{
		Port:       getEnv("PORT", "8080"),
		InstanceID: getEnv("INSTANCE_ID", ""),
		PublicURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioAPIKeySID:    getEnv("TWILIO_API_KEY", ""),
		TwilioAPIKeySecret: getEnv("TWILIO_API_SECRET", ""),
		TwilioTwiMLAppSID:  getEnv("TWILIO_TWIML_APP_SID", ""),
		TwilioFlowSID:      getEnv("TWILIO_FLOW_SID", ""),
		CallerIDs:          splitString(getEnv("CALLER_IDS", ""), ","),
		ValidateWebhookSig: getEnvAsBool("VALIDATE_WEBHOOK_SIGNATURE", false),
		TokenTTL:           getEnvAsDuration("TOKEN_TTL", DefaultTokenTTL),
		TokenRatePerMinute: getEnvAsInt("TOKEN_RATE_PER_MINUTE", 30),
		AgentAllowList:     splitString(strings.ToLower(getEnv("AGENT_ALLOWLIST", "")), ","),

		RelayWebhookURL: getEnv("CRM_RELAY_WEBHOOK_URL", ""),
		AirtableAPIKey:  getEnv("AIRTABLE_API_KEY", ""),
		AirtableBaseID:  getEnv("AIRTABLE_BASE_ID", ""),
		AirtableTable:   getEnv("AIRTABLE_TABLE", "Activities"),
		AirtableBaseURL: getEnv("AIRTABLE_BASE_URL", "https://api.airtable.com/v0"),

		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		TranscriptionModel: getEnv("OPENAI_TRANSCRIPTION_MODEL", "whisper-1"),
		SummarizationModel: getEnv("OPENAI_SUMMARY_MODEL", "gpt-4o-mini"),

		QueuePushSecret: getEnv("QUEUE_PUSH_SECRET", ""),
	}
	return cfg
}

// AirtableEnabled reports whether direct table updates are configured
func (c *DialerConfig) AirtableEnabled() bool {
	return c.AirtableAPIKey != "" && c.AirtableBaseID != ""
}

// IsAgentAllowed checks an identity against the allow-list (case-insensitive)
func (c *DialerConfig) IsAgentAllowed(identity string) bool {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return false
	}
	for _, allowed := range c.AgentAllowList {
		if allowed == identity {
			return true
		}
	}
	return false
}

// IsCallerID reports whether number is one of the configured outbound numbers
func (c *DialerConfig) IsCallerID(number string) bool {
	for _, id := range c.CallerIDs {
		if id == number {
			return true
		}
	}
	return false
}
