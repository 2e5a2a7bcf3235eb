package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Publisher accepts outcome events for local delivery
type Publisher interface {
	Publish(evt domain.OutcomeEvent) error
}

// Watcher long-polls the server for a call's outcome and republishes it locally
type Watcher struct {
	client   *Client
	bus      Publisher
	wait     time.Duration
	interval time.Duration
}

// NewWatcher creates a watcher. wait is the server-side hold per request and
// interval the pause after a failed request.
func NewWatcher(client *Client, bus Publisher, wait, interval time.Duration) *Watcher {
	return &Watcher{client: client, bus: bus, wait: wait, interval: interval}
}

type outcomeResponse struct {
	Outcome *string `json:"outcome"`
}

// Watch implements dialer.OutcomeWatcher
func (w *Watcher) Watch(ctx context.Context, callID, executionSid string) {
	ctx = logger.WithFields(ctx, zap.String("call_id", callID), zap.String("execution_sid", executionSid))

	for ctx.Err() == nil {
		var out outcomeResponse
		err := w.client.do(ctx, http.MethodGet, "/outcome/wait", func(r *resty.Request) {
			r.SetQueryParam("callId", callID)
			r.SetQueryParam("timeout", w.wait.String())
		}, &out)

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn(ctx, "outcome poll failed", zap.Error(err))
			if !sleep(ctx, w.interval) {
				return
			}
		case out.Outcome != nil:
			evt := domain.OutcomeEvent{
				CallID:       callID,
				ExecutionSid: executionSid,
				Outcome:      domain.Outcome(*out.Outcome),
				Source:       "poll",
				Timestamp:    time.Now(),
			}
			if err := w.bus.Publish(evt); err != nil {
				logger.Warn(ctx, "failed to deliver outcome locally", zap.Error(err))
			}
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
