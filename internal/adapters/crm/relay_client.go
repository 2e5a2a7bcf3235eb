package crm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// RelayClient posts results to the automation webhook that syncs them into the CRM
type RelayClient struct {
	httpClient *resty.Client
	webhookURL string
}

// relayPayload is the body the automation scenario expects
type relayPayload struct {
	ActivityName    string `json:"activityName"`
	Result          string `json:"result"`
	Notes           string `json:"notes"`
	Agent           string `json:"agent"`
	MeetingNotes    string `json:"meetingNotes,omitempty"`
	MeetingDatetime string `json:"meetingDatetime,omitempty"`
	CallID          string `json:"callId,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// NewRelayClient creates a relay client with a fixed timeout and a small retry budget for 5xx
func NewRelayClient(webhookURL string, timeout time.Duration) (*RelayClient, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("relay webhook URL cannot be empty")
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &RelayClient{httpClient: client, webhookURL: webhookURL}, nil
}

// Send relays one result
func (c *RelayClient) Send(ctx context.Context, update domain.ResultUpdate) error {
	payload := relayPayload{
		ActivityName:    update.ActivityName,
		Result:          string(update.Result),
		Notes:           update.Notes,
		Agent:           update.Agent,
		MeetingNotes:    update.MeetingNotes,
		MeetingDatetime: update.MeetingDatetime,
		CallID:          update.CallID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.webhookURL)
	if err != nil {
		logger.Error(ctx, "CRM relay request failed", zap.String("activity", update.ActivityName), zap.Error(err))
		return fmt.Errorf("relay request failed: %w", err)
	}
	if resp.IsError() {
		logger.Error(ctx, "CRM relay returned an error",
			zap.String("activity", update.ActivityName),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("response_body", resp.String()))
		return fmt.Errorf("relay error: status %s", resp.Status())
	}

	logger.Info(ctx, "CRM result relayed", zap.String("activity", update.ActivityName), zap.String("result", payload.Result))
	return nil
}
