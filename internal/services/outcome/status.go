package outcome

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"go.uber.org/zap"
)

// ExecutionStatus returns the best-known state of an execution.
//
// A cached outcome younger than OutcomeFreshness is served as is. Otherwise the provider
// is queried live and the answer merged into the cache; a finished execution has its
// context fetched and its final outcome derived. When the provider fails the cached
// record is served with FromCache set, and only with nothing cached does the call fail.
func (s *OutcomeService) ExecutionStatus(ctx context.Context, sid, flowSid string) (*StatusResult, error) {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return nil, domain.NewValidationError("executionSid", "executionSid is required")
	}
	ctx = logger.WithFields(ctx, zap.String("execution_sid", sid))

	cached := s.cached(ctx, sid)
	if cached != nil && cached.Outcome != "" && s.now().Sub(cached.OutcomeReceivedAt) < config.OutcomeFreshness {
		return newStatusResult(cached, true), nil
	}

	flow := strings.TrimSpace(flowSid)
	if flow == "" && cached != nil {
		flow = cached.FlowSid
	}
	if flow == "" {
		flow = s.defaultFlow
	}

	if s.provider == nil || flow == "" {
		if cached != nil {
			return newStatusResult(cached, true), nil
		}
		if flow == "" {
			return nil, domain.NewValidationError("flowSid", "flowSid is required")
		}
		return nil, &domain.UpstreamError{Service: "telephony", Err: errors.New("provider not configured")}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	live, err := s.provider.FetchExecution(lookupCtx, flow, sid)
	if err != nil {
		logger.Warn(ctx, "live execution lookup failed", zap.String("flow_sid", flow), zap.Error(err))
		if cached != nil {
			return newStatusResult(cached, true), nil
		}
		if errors.Is(lookupCtx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Operation: "execution status lookup", Hint: "retry in a moment"}
		}
		return nil, &domain.UpstreamError{Service: "telephony", Err: err}
	}

	incoming := domain.ExecutionRecord{
		ExecutionSid: sid,
		FlowSid:      flow,
		Status:       strings.ToLower(live.Status),
		Source:       SourceStatusPoll,
	}
	explicit := ""
	terminal := domain.IsTerminalExecutionStatus(live.Status)
	if terminal {
		flowContext, err := s.provider.FetchExecutionContext(lookupCtx, flow, sid)
		if err != nil {
			logger.Warn(ctx, "execution context lookup failed", zap.Error(err))
		} else {
			incoming.Context = flowContext
			signals := signalsFromContext(flowContext)
			explicit = foldExplicit(ctx, signals.outcome)
			incoming.AnsweredBy = signals.answeredBy
			incoming.CallStatus = signals.callStatus
			incoming.CallID = signals.callID
		}
	}

	merged, changed, err := s.merge(ctx, incoming, explicit, terminal)
	persisted := err == nil
	if err != nil {
		logger.Warn(ctx, "failed to merge live status", zap.Error(err))
		if cached != nil {
			merged = mergeInMemory(*cached, merged)
		}
	}
	s.afterMerge(ctx, merged, changed, persisted)

	return newStatusResult(&merged, false), nil
}

func (s *OutcomeService) cached(ctx context.Context, sid string) *domain.ExecutionRecord {
	var rec domain.ExecutionRecord
	err := kv.GetJSON(ctx, s.store, kv.Key(executionNamespace, sid), &rec)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			logger.Warn(ctx, "failed to read cached execution", zap.Error(err))
		}
		return nil
	}
	return &rec
}

// mergeInMemory overlays a live view on the cached record when the store is unavailable
func mergeInMemory(cached, live domain.ExecutionRecord) domain.ExecutionRecord {
	out := cached
	if live.Status != "" {
		out.Status = live.Status
	}
	if live.Context != nil {
		out.Context = live.Context
	}
	if out.Outcome == "" {
		out.Outcome = live.Outcome
		out.OutcomeReceivedAt = live.OutcomeReceivedAt
	}
	out.UpdatedAt = live.UpdatedAt
	return out
}

func newStatusResult(rec *domain.ExecutionRecord, fromCache bool) *StatusResult {
	result := &StatusResult{Execution: rec, FromCache: fromCache}
	if rec.Outcome != "" {
		outcome := rec.Outcome
		result.Outcome = &outcome
	}
	return result
}

type contextSignals struct {
	outcome    string
	answeredBy string
	callStatus string
	callID     string
}

// signalsFromContext extracts outcome signals from a flow execution context.
// Flow variables (flow.data) take precedence over widget output; widgets are
// scanned for the call leg's AnsweredBy and CallStatus.
func signalsFromContext(flowContext domain.JSONB) contextSignals {
	var signals contextSignals
	if flowContext == nil {
		return signals
	}

	signals.outcome = stringField(flowContext, "outcome")

	if flow, ok := flowContext["flow"].(map[string]interface{}); ok {
		if data, ok := flow["data"].(map[string]interface{}); ok {
			if v := stringField(data, "outcome"); v != "" {
				signals.outcome = v
			}
			signals.answeredBy = stringField(data, "AnsweredBy", "answeredBy")
			signals.callID = stringField(data, "callId", "CallId")
		}
	}

	if widgets, ok := flowContext["widgets"].(map[string]interface{}); ok {
		names := make([]string, 0, len(widgets))
		for name := range widgets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			widget, ok := widgets[name].(map[string]interface{})
			if !ok {
				continue
			}
			if signals.answeredBy == "" {
				signals.answeredBy = stringField(widget, "AnsweredBy")
			}
			if signals.callStatus == "" {
				signals.callStatus = strings.ToLower(stringField(widget, "CallStatus"))
			}
		}
	}
	return signals
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
