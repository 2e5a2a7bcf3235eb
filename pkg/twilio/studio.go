package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/twilio/twilio-go"
	studio "github.com/twilio/twilio-go/rest/studio/v2"
	"go.uber.org/zap"
)

// StudioClient starts and inspects hosted flow executions
type StudioClient struct {
	client *twilio.RestClient
}

// NewStudioClient returns nil when the account credentials are missing
func NewStudioClient(accountSID, authToken string) *StudioClient {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, Studio client disabled")
		return nil
	}
	return &StudioClient{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
	}
}

// ExecutionRequest describes an outbound call placed through a flow
type ExecutionRequest struct {
	FlowSid    string
	To         string
	From       string
	Parameters map[string]interface{}
}

// CreateExecution starts the flow for one outbound call
func (c *StudioClient) CreateExecution(ctx context.Context, req ExecutionRequest) (*domain.ProviderExecution, error) {
	params := &studio.CreateExecutionParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	if len(req.Parameters) > 0 {
		params.SetParameters(req.Parameters)
	}

	exec, err := withContext(ctx, func() (*studio.StudioV2Execution, error) {
		return c.client.StudioV2.CreateExecution(req.FlowSid, params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	out := toProviderExecution(exec)
	logger.Info(ctx, "Studio execution created",
		zap.String("flow_sid", req.FlowSid),
		zap.String("execution_sid", out.Sid),
		zap.String("status", out.Status))
	return out, nil
}

// FetchExecution returns the current state of an execution
func (c *StudioClient) FetchExecution(ctx context.Context, flowSid, executionSid string) (*domain.ProviderExecution, error) {
	exec, err := withContext(ctx, func() (*studio.StudioV2Execution, error) {
		return c.client.StudioV2.FetchExecution(flowSid, executionSid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution: %w", err)
	}
	return toProviderExecution(exec), nil
}

// FetchExecutionContext returns the flow variables and widget output of an execution
func (c *StudioClient) FetchExecutionContext(ctx context.Context, flowSid, executionSid string) (domain.JSONB, error) {
	execCtx, err := withContext(ctx, func() (*studio.StudioV2ExecutionContext, error) {
		return c.client.StudioV2.FetchExecutionContext(flowSid, executionSid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution context: %w", err)
	}
	if execCtx == nil || execCtx.Context == nil {
		return domain.JSONB{}, nil
	}
	return contextToJSONB(*execCtx.Context)
}

// EndExecution stops an active execution, which hangs up its call leg
func (c *StudioClient) EndExecution(ctx context.Context, flowSid, executionSid string) error {
	params := &studio.UpdateExecutionParams{}
	params.SetStatus("ended")

	_, err := withContext(ctx, func() (*studio.StudioV2Execution, error) {
		return c.client.StudioV2.UpdateExecution(flowSid, executionSid, params)
	})
	if err != nil {
		return fmt.Errorf("failed to end execution: %w", err)
	}
	logger.Info(ctx, "Studio execution ended", zap.String("flow_sid", flowSid), zap.String("execution_sid", executionSid))
	return nil
}

// withContext bounds a blocking SDK call by ctx. The SDK call itself keeps running
// in the background when ctx ends first; its result is discarded.
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func toProviderExecution(exec *studio.StudioV2Execution) *domain.ProviderExecution {
	out := &domain.ProviderExecution{}
	if exec == nil {
		return out
	}
	if exec.Sid != nil {
		out.Sid = *exec.Sid
	}
	if exec.FlowSid != nil {
		out.FlowSid = *exec.FlowSid
	}
	if exec.Status != nil {
		out.Status = *exec.Status
	}
	if exec.DateUpdated != nil {
		out.DateUpdated = *exec.DateUpdated
	} else {
		out.DateUpdated = time.Now()
	}
	return out
}

// contextToJSONB normalises the SDK's free-form context into nested string-keyed maps
func contextToJSONB(raw interface{}) (domain.JSONB, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution context: %w", err)
	}
	out := domain.JSONB{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("execution context is not an object: %w", err)
	}
	return out, nil
}
