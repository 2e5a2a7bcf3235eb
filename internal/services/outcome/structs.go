package outcome

import (
	"context"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

// WebhookEvent is one delivery from the hosted call flow. Every field is optional
// except that an execution sid or a call id must identify the call.
type WebhookEvent struct {
	ExecutionSid string
	FlowSid      string
	StepName     string
	CallStatus   string
	AnsweredBy   string
	Outcome      string
	CallID       string
	CallSid      string
	Agent        string
	ActivityName string
	Number       string
	Notes        string
}

// IngestResult describes what an ingestion left in the store
type IngestResult struct {
	ExecutionSid string         `json:"executionSid"`
	CallID       string         `json:"callId,omitempty"`
	Outcome      domain.Outcome `json:"outcome,omitempty"`
	Terminal     bool           `json:"terminal"`
	Stored       bool           `json:"stored"`
}

// ManualUpdate is an agent-entered correction of an execution
type ManualUpdate struct {
	Status          string `json:"status"`
	Outcome         string `json:"outcome"`
	Notes           string `json:"notes"`
	Agent           string `json:"agent"`
	CallID          string `json:"callId"`
	MeetingNotes    string `json:"meetingNotes"`
	MeetingDatetime string `json:"meetingDatetime"`
}

// StatusResult is the best-known state of an execution
type StatusResult struct {
	Execution *domain.ExecutionRecord `json:"execution"`
	Outcome   *domain.Outcome         `json:"outcome"`
	FromCache bool                    `json:"fromCache"`
}

// Provider looks executions up at the telephony provider
type Provider interface {
	FetchExecution(ctx context.Context, flowSid, executionSid string) (*domain.ProviderExecution, error)
	FetchExecutionContext(ctx context.Context, flowSid, executionSid string) (domain.JSONB, error)
}
