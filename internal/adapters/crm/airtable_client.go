package crm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Activity table columns written by the dialer
const (
	FieldActivityName    = "Name"
	FieldResult          = "Result"
	FieldNotes           = "Notes"
	FieldAgent           = "Agent"
	FieldMeetingNotes    = "Meeting Notes"
	FieldMeetingDatetime = "Meeting Date"
	FieldStatus          = "Status"
)

// ErrActivityNotFound is returned when no record matches the activity name
var ErrActivityNotFound = errors.New("activity not found")

// AirtableClient updates activity records directly through the table REST API
type AirtableClient struct {
	httpClient *resty.Client
	baseID     string
	table      string
}

type airtableRecord struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type airtableListResponse struct {
	Records []airtableRecord `json:"records"`
}

type airtableUpdateRequest struct {
	Fields   map[string]interface{} `json:"fields"`
	Typecast bool                   `json:"typecast"`
}

// NewAirtableClient creates a client for one base and table
func NewAirtableClient(baseURL, apiKey, baseID, table string, timeout time.Duration) (*AirtableClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("airtable apiKey cannot be empty")
	}
	if baseID == "" {
		return nil, fmt.Errorf("airtable baseID cannot be empty")
	}
	if table == "" {
		return nil, fmt.Errorf("airtable table cannot be empty")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(apiKey).
		SetTimeout(timeout)

	return &AirtableClient{httpClient: client, baseID: baseID, table: table}, nil
}

// UpdateResult finds the activity by name and patches its result fields
func (c *AirtableClient) UpdateResult(ctx context.Context, update domain.ResultUpdate) (string, error) {
	recordID, err := c.findActivity(ctx, update.ActivityName)
	if err != nil {
		return "", err
	}

	fields := map[string]interface{}{
		FieldResult: string(update.Result),
		FieldNotes:  update.Notes,
		FieldAgent:  update.Agent,
		FieldStatus: domain.LeadStatusDone,
	}
	if update.MeetingNotes != "" {
		fields[FieldMeetingNotes] = update.MeetingNotes
	}
	if update.MeetingDatetime != "" {
		fields[FieldMeetingDatetime] = update.MeetingDatetime
	}

	endpoint := fmt.Sprintf("/%s/%s/%s", c.baseID, url.PathEscape(c.table), recordID)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(airtableUpdateRequest{Fields: fields, Typecast: true}).
		Patch(endpoint)
	if err != nil {
		logger.Error(ctx, "Airtable update request failed", zap.String("record_id", recordID), zap.Error(err))
		return "", fmt.Errorf("airtable update request failed: %w", err)
	}
	if resp.IsError() {
		logger.Error(ctx, "Airtable update returned an error",
			zap.String("record_id", recordID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("response_body", resp.String()))
		return "", fmt.Errorf("airtable update error: status %s", resp.Status())
	}

	logger.Info(ctx, "Airtable activity updated", zap.String("record_id", recordID), zap.String("activity", update.ActivityName))
	return recordID, nil
}

func (c *AirtableClient) findActivity(ctx context.Context, activityName string) (string, error) {
	var result airtableListResponse
	endpoint := fmt.Sprintf("/%s/%s", c.baseID, url.PathEscape(c.table))
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("filterByFormula", fmt.Sprintf("{%s}='%s'", FieldActivityName, escapeFormula(activityName))).
		SetQueryParam("maxRecords", "1").
		SetResult(&result).
		Get(endpoint)
	if err != nil {
		return "", fmt.Errorf("airtable lookup request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("airtable lookup error: status %s, body: %s", resp.Status(), resp.String())
	}
	if len(result.Records) == 0 {
		return "", fmt.Errorf("%w: %s", ErrActivityNotFound, activityName)
	}
	return result.Records[0].ID, nil
}

func escapeFormula(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
