package event

import (
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every delivered outcome and its handling time
func LoggingMiddleware(next OutcomeHandler) OutcomeHandler {
	return func(evt domain.OutcomeEvent) {
		start := time.Now()
		next(evt)
		logger.Base().Info("outcome delivered",
			zap.String("call_id", evt.CallID),
			zap.String("execution_sid", evt.ExecutionSid),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("source", evt.Source),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
