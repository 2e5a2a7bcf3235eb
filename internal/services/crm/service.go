package crm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/sideeffect"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
	"github.com/ClareAI/astra-dialer-service/internal/metrics"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"go.uber.org/zap"
)

// Persistence methods reported back to the caller
const (
	MethodWebhook    = "webhook"
	MethodAirtable   = "airtable"
	MethodStoredOnly = "stored_only"
)

const archiveNamespace = "crm:result"

var meetingLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"}

// Relay forwards a result to the CRM sync webhook
type Relay interface {
	Send(ctx context.Context, update domain.ResultUpdate) error
}

// TableUpdater writes a result straight into the activity table
type TableUpdater interface {
	UpdateResult(ctx context.Context, update domain.ResultUpdate) (recordID string, err error)
}

// UpdateResponse tells the caller how the result was persisted
type UpdateResponse struct {
	Success  bool   `json:"success"`
	Method   string `json:"method"`
	RecordID string `json:"recordId,omitempty"`
	Message  string `json:"message"`
}

// CRMService validates final results and persists them to the CRM
type CRMService struct {
	store kv.Store
	relay Relay
	table TableUpdater
}

// NewCRMService wires the persistence chain. relay and table are optional.
func NewCRMService(store kv.Store, relay Relay, table TableUpdater) *CRMService {
	return &CRMService{store: store, relay: relay, table: table}
}

// Validate checks an update without persisting it
func Validate(update domain.ResultUpdate) error {
	if strings.TrimSpace(update.ActivityName) == "" {
		return domain.NewValidationError("activityName", "activityName is required")
	}
	if strings.TrimSpace(update.Agent) == "" {
		return domain.NewValidationError("agent", "agent is required")
	}
	if !update.Result.IsValid() {
		return domain.NewValidationError("result", fmt.Sprintf("invalid result %q", update.Result))
	}
	if update.MeetingDatetime != "" && !validMeetingTime(update.MeetingDatetime) {
		return domain.NewValidationError("meetingDatetime", "meetingDatetime must look like 2006-01-02T15:04")
	}
	return nil
}

func validMeetingTime(value string) bool {
	for _, layout := range meetingLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

// UpdateResult persists one final result. The relay webhook is tried first, then the
// direct table update; with neither configured the result is only archived locally.
func (s *CRMService) UpdateResult(ctx context.Context, update domain.ResultUpdate) (*UpdateResponse, error) {
	update.ActivityName = strings.TrimSpace(update.ActivityName)
	update.Agent = domain.AgentKey(update.Agent)
	update.Result = domain.Outcome(strings.TrimSpace(string(update.Result)))
	if err := Validate(update); err != nil {
		return nil, err
	}

	ctx = logger.WithFields(ctx,
		zap.String("activity", update.ActivityName),
		zap.String("agent", update.Agent),
		zap.String("result", string(update.Result)))

	sideeffect.Run(ctx, "crm.archive_result", func(ctx context.Context) error {
		return kv.SetJSON(ctx, s.store, kv.Key(archiveNamespace, update.ActivityName), update, config.ResultTTL)
	})

	if s.relay == nil && s.table == nil {
		metrics.RecordCRMUpdate(MethodStoredOnly)
		logger.Warn(ctx, "no CRM backend configured, result stored only")
		return &UpdateResponse{Success: true, Method: MethodStoredOnly, Message: "no CRM backend configured; result stored"}, nil
	}

	var lastErr error
	if s.relay != nil {
		err := s.relay.Send(ctx, update)
		if err == nil {
			metrics.RecordCRMUpdate(MethodWebhook)
			return &UpdateResponse{Success: true, Method: MethodWebhook, Message: "result relayed"}, nil
		}
		lastErr = err
		logger.Warn(ctx, "relay webhook failed", zap.Error(err))
	}

	if s.table != nil {
		recordID, err := s.table.UpdateResult(ctx, update)
		if err == nil {
			metrics.RecordCRMUpdate(MethodAirtable)
			return &UpdateResponse{Success: true, Method: MethodAirtable, RecordID: recordID, Message: "activity updated"}, nil
		}
		lastErr = err
		logger.Warn(ctx, "direct table update failed", zap.Error(err))
	}

	return nil, &domain.UpstreamError{Service: "crm", Err: lastErr}
}

// Archived returns the last result accepted for an activity
func (s *CRMService) Archived(ctx context.Context, activityName string) (*domain.ResultUpdate, error) {
	var update domain.ResultUpdate
	if err := kv.GetJSON(ctx, s.store, kv.Key(archiveNamespace, strings.TrimSpace(activityName)), &update); err != nil {
		return nil, err
	}
	return &update, nil
}
