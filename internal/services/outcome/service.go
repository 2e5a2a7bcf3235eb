package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/core/sideeffect"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
	"github.com/ClareAI/astra-dialer-service/internal/metrics"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

const (
	executionNamespace = "execution"
	callIndexNamespace = "outcome:call"
	resultNamespace    = "result"
)

// Sources recorded on execution records
const (
	SourceWebhook    = "webhook"
	SourceStatusPoll = "status-poll"
	SourceManual     = "manual"
	SourceCallStart  = "call-start"
)

// OutcomeService reconciles provider signals into one outcome per call and keeps
// them available for polling.
type OutcomeService struct {
	store         kv.Store
	bus           event.Bus
	provider      Provider
	defaultFlow   string
	now           func() time.Time
	lookupTimeout time.Duration
}

// NewOutcomeService wires the service. provider may be nil when the telephony
// account is not configured; status polls then serve cached data only.
func NewOutcomeService(store kv.Store, bus event.Bus, provider Provider, defaultFlowSid string) *OutcomeService {
	return &OutcomeService{
		store:         store,
		bus:           bus,
		provider:      provider,
		defaultFlow:   defaultFlowSid,
		now:           time.Now,
		lookupTimeout: config.StatusLookupTimeout,
	}
}

// Ingest merges a webhook delivery into the live execution record. Storage failures are
// logged and swallowed: the provider must always see the delivery as processed.
func (s *OutcomeService) Ingest(ctx context.Context, evt WebhookEvent) (*IngestResult, error) {
	sid := strings.TrimSpace(evt.ExecutionSid)
	callID := strings.TrimSpace(evt.CallID)
	if sid == "" && callID == "" {
		return nil, domain.NewValidationError("ExecutionSid", "ExecutionSid or callId is required")
	}
	if sid == "" {
		sid = callID
	}
	explicit := strings.TrimSpace(evt.Outcome)

	ctx = logger.WithFields(ctx, zap.String("execution_sid", sid), zap.String("call_id", callID))
	explicit = foldExplicit(ctx, explicit)
	metrics.RecordWebhookEvent(evt.StepName)

	incoming := domain.ExecutionRecord{
		ExecutionSid: sid,
		FlowSid:      evt.FlowSid,
		StepName:     evt.StepName,
		CallStatus:   strings.ToLower(strings.TrimSpace(evt.CallStatus)),
		AnsweredBy:   strings.TrimSpace(evt.AnsweredBy),
		CallID:       callID,
		CallSid:      evt.CallSid,
		Agent:        domain.AgentKey(evt.Agent),
		ActivityName: evt.ActivityName,
		Number:       evt.Number,
		Notes:        evt.Notes,
		Source:       SourceWebhook,
	}

	merged, changed := incoming, false
	stored := sideeffect.Run(ctx, "outcome.merge_execution", func(ctx context.Context) error {
		var err error
		merged, changed, err = s.merge(ctx, incoming, explicit, false)
		return err
	})

	s.afterMerge(ctx, merged, changed, stored)

	logger.Info(ctx, "webhook processed",
		zap.String("step", evt.StepName),
		zap.String("call_status", merged.CallStatus),
		zap.String("answered_by", merged.AnsweredBy),
		zap.String("outcome", string(merged.Outcome)),
		zap.Bool("stored", stored))

	return &IngestResult{
		ExecutionSid: sid,
		CallID:       merged.CallID,
		Outcome:      merged.Outcome,
		Terminal:     merged.Terminal(),
		Stored:       stored,
	}, nil
}

// foldExplicit keeps stored outcomes inside the vocabulary. Unknown codes are logged
// and recorded as unreachable.
func foldExplicit(ctx context.Context, explicit string) string {
	if explicit == "" {
		return ""
	}
	folded := domain.FoldUnknown(domain.Outcome(explicit))
	if string(folded) != explicit {
		logger.Warn(ctx, "unknown outcome code folded to unreachable",
			zap.String("raw_outcome", explicit),
			zap.String("outcome", string(folded)))
	}
	return string(folded)
}

// merge applies incoming to the stored record. Newer non-empty fields win and absent ones
// are preserved. The outcome follows its own rule: an explicit outcome always overwrites,
// an already recorded outcome is otherwise kept, and only then is one derived from the
// merged signals. forceDerive derives even without a signal (finished executions).
//
// On storage failure the returned record is the best in-memory view of the event.
func (s *OutcomeService) merge(ctx context.Context, incoming domain.ExecutionRecord, explicit string, forceDerive bool) (domain.ExecutionRecord, bool, error) {
	now := s.now()
	key := kv.Key(executionNamespace, incoming.ExecutionSid)

	apply := func(rec domain.ExecutionRecord) (domain.ExecutionRecord, bool, error) {
		previous := rec.Outcome
		previousContext := rec.Context
		if err := copier.CopyWithOption(&rec, &incoming, copier.Option{IgnoreEmpty: true}); err != nil {
			return rec, false, fmt.Errorf("failed to merge execution record: %w", err)
		}
		if previousContext != nil && incoming.Context != nil {
			mergedContext := make(domain.JSONB, len(previousContext)+len(incoming.Context))
			for k, v := range previousContext {
				mergedContext[k] = v
			}
			for k, v := range incoming.Context {
				mergedContext[k] = v
			}
			rec.Context = mergedContext
		}
		switch {
		case explicit != "":
			rec.Outcome = domain.Outcome(explicit)
		case previous != "":
			rec.Outcome = previous
		case forceDerive || domain.HasOutcomeSignal("", rec.AnsweredBy, rec.CallStatus):
			rec.Outcome = domain.Normalize("", rec.AnsweredBy, rec.CallStatus)
		}
		changed := rec.Outcome != previous
		if changed {
			rec.OutcomeReceivedAt = now
		}
		rec.UpdatedAt = now
		return rec, changed, nil
	}

	var (
		merged  domain.ExecutionRecord
		changed bool
	)
	err := s.store.Update(ctx, key, config.ExecutionTTL, func(current []byte, exists bool) ([]byte, error) {
		var rec domain.ExecutionRecord
		if exists {
			if err := json.Unmarshal(current, &rec); err != nil {
				logger.Warn(ctx, "discarding unreadable execution record", zap.Error(err))
				rec = domain.ExecutionRecord{}
			}
		}
		var err error
		merged, changed, err = apply(rec)
		if err != nil {
			return nil, err
		}
		return json.Marshal(merged)
	})
	if err != nil {
		merged, changed, _ = apply(domain.ExecutionRecord{})
		return merged, changed, err
	}
	return merged, changed, nil
}

// afterMerge maintains the call index and the final result record, then notifies
// subscribers of a new or changed outcome.
func (s *OutcomeService) afterMerge(ctx context.Context, rec domain.ExecutionRecord, changed, persist bool) {
	if persist && rec.Outcome != "" && rec.CallID != "" {
		sideeffect.Run(ctx, "outcome.index_call", func(ctx context.Context) error {
			return kv.SetJSON(ctx, s.store, kv.Key(callIndexNamespace, rec.CallID), toOutcomeRecord(rec), config.ExecutionTTL)
		})
	}
	if persist && rec.Terminal() {
		sideeffect.Run(ctx, "outcome.write_result", func(ctx context.Context) error {
			return kv.SetJSON(ctx, s.store, kv.Key(resultNamespace, rec.ExecutionSid), rec, config.ResultTTL)
		})
	}

	if !changed || rec.Outcome == "" {
		return
	}
	metrics.RecordOutcome(string(rec.Outcome))
	if rec.CallID == "" || s.bus == nil {
		return
	}
	sideeffect.Run(ctx, "outcome.publish", func(context.Context) error {
		return s.bus.Publish(domain.OutcomeEvent{
			CallID:       rec.CallID,
			ExecutionSid: rec.ExecutionSid,
			Outcome:      rec.Outcome,
			Source:       rec.Source,
			Timestamp:    rec.OutcomeReceivedAt,
		})
	})
}

// Outcome returns the recorded outcome for callID, or nil when none is known yet.
// An execution sid is accepted in place of a call id.
func (s *OutcomeService) Outcome(ctx context.Context, callID string) (*domain.OutcomeRecord, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, domain.NewValidationError("callId", "callId is required")
	}

	var rec domain.OutcomeRecord
	err := kv.GetJSON(ctx, s.store, kv.Key(callIndexNamespace, callID), &rec)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	var exec domain.ExecutionRecord
	err = kv.GetJSON(ctx, s.store, kv.Key(executionNamespace, callID), &exec)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exec.Outcome == "" {
		return nil, nil
	}
	out := toOutcomeRecord(exec)
	if out.CallID == "" {
		out.CallID = callID
	}
	return &out, nil
}

// WaitOutcome blocks until an outcome for callID is known or ctx ends.
// It returns nil without error when ctx ends first.
func (s *OutcomeService) WaitOutcome(ctx context.Context, callID string) (*domain.OutcomeRecord, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, domain.NewValidationError("callId", "callId is required")
	}
	if s.bus == nil {
		return s.Outcome(ctx, callID)
	}

	// subscribe before reading so an outcome landing in between is not lost
	delivered := make(chan domain.OutcomeEvent, 1)
	unsubscribe, err := s.bus.Subscribe(callID, func(evt domain.OutcomeEvent) {
		select {
		case delivered <- evt:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to outcomes: %w", err)
	}
	defer unsubscribe()

	if rec, err := s.Outcome(ctx, callID); err != nil || rec != nil {
		return rec, err
	}

	select {
	case evt := <-delivered:
		return &domain.OutcomeRecord{
			CallID:       evt.CallID,
			ExecutionSid: evt.ExecutionSid,
			Outcome:      evt.Outcome,
			Timestamp:    evt.Timestamp,
		}, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// Override records an agent-entered status or outcome and archives the result
func (s *OutcomeService) Override(ctx context.Context, sid string, update ManualUpdate) (*domain.ExecutionRecord, error) {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return nil, domain.NewValidationError("executionSid", "executionSid is required")
	}
	outcome := domain.Outcome(strings.TrimSpace(update.Outcome))
	if outcome != "" && !outcome.IsValid() && !outcome.IsHumanAnswered() {
		return nil, domain.NewValidationError("outcome", fmt.Sprintf("unknown outcome %q", outcome))
	}
	if outcome == "" && strings.TrimSpace(update.Status) == "" && strings.TrimSpace(update.Notes) == "" {
		return nil, domain.NewValidationError("outcome", "one of status, outcome or notes is required")
	}

	ctx = logger.WithFields(ctx, zap.String("execution_sid", sid))
	incoming := domain.ExecutionRecord{
		ExecutionSid: sid,
		Status:       strings.TrimSpace(update.Status),
		Notes:        update.Notes,
		Agent:        domain.AgentKey(update.Agent),
		CallID:       strings.TrimSpace(update.CallID),
		Source:       SourceManual,
	}
	if update.MeetingNotes != "" || update.MeetingDatetime != "" {
		incoming.Context = domain.JSONB{
			"meetingNotes":    update.MeetingNotes,
			"meetingDatetime": update.MeetingDatetime,
		}
	}

	merged, changed, err := s.merge(ctx, incoming, string(outcome), false)
	if err != nil {
		return nil, err
	}
	if err := kv.SetJSON(ctx, s.store, kv.Key(resultNamespace, sid), merged, config.ResultTTL); err != nil {
		return nil, err
	}
	s.afterMerge(ctx, merged, changed, true)

	logger.Info(ctx, "execution overridden by agent",
		zap.String("agent", merged.Agent),
		zap.String("status", merged.Status),
		zap.String("outcome", string(merged.Outcome)))
	return &merged, nil
}

// Results lists archived final records, newest first
func (s *OutcomeService) Results(ctx context.Context) ([]domain.ExecutionRecord, error) {
	keys, err := s.store.List(ctx, resultNamespace+":")
	if err != nil {
		return nil, err
	}

	results := make([]domain.ExecutionRecord, 0, len(keys))
	for _, key := range keys {
		var rec domain.ExecutionRecord
		if err := kv.GetJSON(ctx, s.store, key, &rec); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, rec)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	return results, nil
}

// RegisterCall links a call id to the execution started for it
func (s *OutcomeService) RegisterCall(ctx context.Context, rec domain.ExecutionRecord) error {
	if strings.TrimSpace(rec.ExecutionSid) == "" {
		return domain.NewValidationError("executionSid", "executionSid is required")
	}
	rec.Source = SourceCallStart
	rec.Agent = domain.AgentKey(rec.Agent)
	_, _, err := s.merge(ctx, rec, "", false)
	return err
}

func toOutcomeRecord(rec domain.ExecutionRecord) domain.OutcomeRecord {
	out := domain.OutcomeRecord{
		CallID:       rec.CallID,
		ExecutionSid: rec.ExecutionSid,
		Outcome:      rec.Outcome,
		Timestamp:    rec.OutcomeReceivedAt,
		Agent:        rec.Agent,
		Notes:        rec.Notes,
	}
	if rec.Context != nil {
		out.MeetingNotes, _ = rec.Context["meetingNotes"].(string)
		out.MeetingDatetime, _ = rec.Context["meetingDatetime"].(string)
	}
	return out
}
