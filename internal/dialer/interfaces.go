package dialer

import (
	"context"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

// DialRequest is what the device needs to place one outbound call
type DialRequest struct {
	CallID       string
	To           string
	From         string
	Agent        string
	ActivityName string
}

// DialResult describes a placed call
type DialResult struct {
	ExecutionSid string
	// Connected is set by devices that have no separate connect signal
	Connected bool
}

// Device is the agent's telephony client. It is acquired by Session.Open and
// released by Session.Close.
type Device interface {
	Open(ctx context.Context, identity string) error
	Dial(ctx context.Context, req DialRequest) (*DialResult, error)
	Hangup(ctx context.Context, callID, executionSid string) error
	Close() error
}

// QueueSource loads the agent's queue
type QueueSource interface {
	Pull(ctx context.Context, agent string) ([]domain.Lead, error)
}

// QueueUpdater marks a lead as handled
type QueueUpdater interface {
	MarkDone(ctx context.Context, agent, leadID string) error
}

// ResultSink persists a final result to the CRM
type ResultSink interface {
	Record(ctx context.Context, update domain.ResultUpdate) error
}

// Subscriber registers outcome handlers by call id
type Subscriber interface {
	Subscribe(callID string, handler event.OutcomeHandler) (unsubscribe func(), err error)
}

// OutcomeWatcher feeds outcomes for one call into the bus until ctx ends
type OutcomeWatcher interface {
	Watch(ctx context.Context, callID, executionSid string)
}

// Timer is a cancellable scheduled callback
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
