package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

const (
	queueNamespace = "queue"
	doneNamespace  = "queue:done"
)

// QueueService holds the ordered list of leads to call for each agent
type QueueService struct {
	store kv.Store
}

// NewQueueService creates a queue service backed by store
func NewQueueService(store kv.Store) *QueueService {
	return &QueueService{store: store}
}

// Push replaces the agent's queue with leads. Nothing is merged with the previous queue.
func (s *QueueService) Push(ctx context.Context, agent string, leads []domain.Lead) error {
	agentKey := domain.AgentKey(agent)
	if agentKey == "" {
		return domain.NewValidationError("agent", "agent is required")
	}
	if leads == nil {
		return domain.NewValidationError("leads", "leads must be an array")
	}

	stored := make([]domain.Lead, 0, len(leads))
	if err := copier.CopyWithOption(&stored, &leads, copier.Option{DeepCopy: true}); err != nil {
		return fmt.Errorf("failed to copy leads: %w", err)
	}
	for i := range stored {
		stored[i] = stored[i].WithDefaults()
	}

	if err := kv.SetJSON(ctx, s.store, kv.Key(queueNamespace, agentKey), stored, config.QueueTTL); err != nil {
		return err
	}
	// a fresh push starts a fresh pass through the list
	if err := s.store.Delete(ctx, kv.Key(doneNamespace, agentKey)); err != nil {
		logger.Warn(ctx, "failed to reset done set", zap.String("agent", agentKey), zap.Error(err))
	}

	logger.Info(ctx, "queue replaced", zap.String("agent", agentKey), zap.Int("leads", len(stored)))
	return nil
}

// Pull returns the agent's current queue in push order.
// A missing or expired queue is an empty queue, not an error.
func (s *QueueService) Pull(ctx context.Context, agent string) ([]domain.Lead, error) {
	agentKey := domain.AgentKey(agent)
	if agentKey == "" {
		return nil, domain.NewValidationError("agent", "agent is required")
	}

	var leads []domain.Lead
	err := kv.GetJSON(ctx, s.store, kv.Key(queueNamespace, agentKey), &leads)
	if errors.Is(err, kv.ErrNotFound) {
		return []domain.Lead{}, nil
	}
	if err != nil {
		return nil, err
	}
	if leads == nil {
		leads = []domain.Lead{}
	}
	return leads, nil
}

// MarkDone records that leadID was handled. The pushed queue itself is left untouched.
func (s *QueueService) MarkDone(ctx context.Context, agent, leadID string) error {
	agentKey := domain.AgentKey(agent)
	if agentKey == "" {
		return domain.NewValidationError("agent", "agent is required")
	}
	leadID = strings.TrimSpace(leadID)
	if leadID == "" {
		return domain.NewValidationError("leadId", "leadId is required")
	}

	key := kv.Key(doneNamespace, agentKey)
	return s.store.Update(ctx, key, config.QueueTTL, func(current []byte, exists bool) ([]byte, error) {
		var ids []string
		if exists {
			if err := json.Unmarshal(current, &ids); err != nil {
				return nil, &domain.StorageError{Op: "decode", Key: key, Err: err}
			}
		}
		for _, id := range ids {
			if id == leadID {
				return current, nil
			}
		}
		return json.Marshal(append(ids, leadID))
	})
}

// Done lists the lead ids marked done for the agent, in marking order
func (s *QueueService) Done(ctx context.Context, agent string) ([]string, error) {
	agentKey := domain.AgentKey(agent)
	if agentKey == "" {
		return nil, domain.NewValidationError("agent", "agent is required")
	}

	var ids []string
	err := kv.GetJSON(ctx, s.store, kv.Key(doneNamespace, agentKey), &ids)
	if errors.Is(err, kv.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}
