package event

import (
	"context"
	"encoding/json"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/ClareAI/astra-dialer-service/pkg/redis"
	"go.uber.org/zap"
)

// OutcomeChannel is the pub/sub channel that fans outcomes out to every server instance
const OutcomeChannel = "dialer:events:outcome"

// RedisBridge is a Bus whose publications travel through Redis pub/sub, so a
// subscriber waiting on one instance sees outcomes ingested by another.
type RedisBridge struct {
	*DefaultBus
	redisSvc redis.RedisServiceInterface
}

// NewRedisBridge wraps local; call Start before publishing
func NewRedisBridge(local *DefaultBus, redisSvc redis.RedisServiceInterface) *RedisBridge {
	return &RedisBridge{DefaultBus: local, redisSvc: redisSvc}
}

// Start relays channel messages into the local bus until ctx is done
func (b *RedisBridge) Start(ctx context.Context) error {
	return b.redisSvc.Subscribe(ctx, OutcomeChannel, func(payload string) {
		var evt domain.OutcomeEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			logger.Base().Error("failed to unmarshal outcome event", zap.Error(err))
			return
		}
		if err := b.DefaultBus.Publish(evt); err != nil {
			logger.Base().Warn("failed to relay outcome event", zap.String("call_id", evt.CallID), zap.Error(err))
		}
	})
}

// Publish sends evt through Redis, falling back to local delivery when Redis is unavailable
func (b *RedisBridge) Publish(evt domain.OutcomeEvent) error {
	if err := b.redisSvc.Publish(context.Background(), OutcomeChannel, evt); err != nil {
		logger.Base().Warn("redis publish failed, delivering locally", zap.String("call_id", evt.CallID), zap.Error(err))
		return b.DefaultBus.Publish(evt)
	}
	return nil
}
