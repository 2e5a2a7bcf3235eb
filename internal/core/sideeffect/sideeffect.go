// Package sideeffect runs operations whose failure must never reach the caller.
package sideeffect

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-dialer-service/internal/metrics"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"go.uber.org/zap"
)

// Run executes fn, logging and counting any failure or panic instead of returning it.
// It reports whether fn succeeded.
func Run(ctx context.Context, operation string, fn func(ctx context.Context) error, fields ...zap.Field) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSideEffectFailure(operation)
			logger.Error(ctx, "best-effort operation panicked",
				append(fields, zap.String("operation", operation), zap.String("panic", fmt.Sprint(r)))...)
			ok = false
		}
	}()

	if err := fn(ctx); err != nil {
		metrics.RecordSideEffectFailure(operation)
		logger.Warn(ctx, "best-effort operation failed",
			append(fields, zap.String("operation", operation), zap.Error(err))...)
		return false
	}
	return true
}
