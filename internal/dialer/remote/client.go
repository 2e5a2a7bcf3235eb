// Package remote implements the dialer's collaborators against the dialer HTTP API.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/dialer"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Client talks to one dialer server on behalf of one agent console
type Client struct {
	httpClient *resty.Client
}

// apiError mirrors the server's error body
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Hint    string `json:"hint,omitempty"`
}

// NewClient creates a client for the server at baseURL. Only GETs are retried.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{httpClient: client}, nil
}

func (c *Client) do(ctx context.Context, method, path string, configure func(*resty.Request), result interface{}) error {
	var errBody apiError
	req := c.httpClient.R().SetContext(ctx).SetError(&errBody)
	if result != nil {
		req.SetResult(result)
	}
	if configure != nil {
		configure(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	if resp.IsError() {
		msg := errBody.Error
		if msg == "" {
			msg = resp.Status()
		}
		return &StatusError{StatusCode: resp.StatusCode(), Message: msg, Hint: errBody.Hint}
	}
	return nil
}

// StatusError is a non-2xx answer from the server
type StatusError struct {
	StatusCode int
	Message    string
	Hint       string
}

func (e *StatusError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.StatusCode, e.Message, e.Hint)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Device acquires a capability token and places calls through the server's
// flow endpoint. The agent's audio leg is handled by the flow.
type Device struct {
	client *Client

	mu        sync.Mutex
	identity  string
	token     string
	expiresAt time.Time
}

// NewDevice creates a closed device
func NewDevice(client *Client) *Device {
	return &Device{client: client}
}

type tokenResponse struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	ExpiresIn int    `json:"expiresIn"`
}

// Open fetches a capability token for identity
func (d *Device) Open(ctx context.Context, identity string) error {
	var out tokenResponse
	err := d.client.do(ctx, http.MethodGet, "/token", func(r *resty.Request) {
		r.SetQueryParam("identity", identity)
	}, &out)
	if err != nil {
		return fmt.Errorf("failed to obtain capability token: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("server returned an empty capability token")
	}

	d.mu.Lock()
	d.identity = out.Identity
	d.token = out.Token
	d.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	d.mu.Unlock()

	logger.Info(ctx, "telephony device ready", zap.String("identity", out.Identity), zap.Int("expires_in", out.ExpiresIn))
	return nil
}

// Ready reports whether the device holds an unexpired token
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token != "" && time.Now().Before(d.expiresAt)
}

type placeCallRequest struct {
	Agent        string `json:"agent"`
	To           string `json:"to"`
	From         string `json:"from"`
	CallID       string `json:"callId"`
	ActivityName string `json:"activityName,omitempty"`
}

type placeCallResponse struct {
	ExecutionSid string `json:"executionSid"`
	CallID       string `json:"callId"`
}

// Dial starts the outbound flow. The flow owns the call leg, so the call counts
// as connected once the execution exists.
func (d *Device) Dial(ctx context.Context, req dialer.DialRequest) (*dialer.DialResult, error) {
	if !d.Ready() {
		return nil, dialer.ErrDeviceNotReady
	}

	var out placeCallResponse
	err := d.client.do(ctx, http.MethodPost, "/calls", func(r *resty.Request) {
		r.SetBody(placeCallRequest{
			Agent:        req.Agent,
			To:           req.To,
			From:         req.From,
			CallID:       req.CallID,
			ActivityName: req.ActivityName,
		})
	}, &out)
	if err != nil {
		return nil, err
	}
	return &dialer.DialResult{ExecutionSid: out.ExecutionSid, Connected: true}, nil
}

// Hangup ends the flow execution behind the call
func (d *Device) Hangup(ctx context.Context, callID, executionSid string) error {
	if executionSid == "" {
		return nil
	}
	return d.client.do(ctx, http.MethodPost, "/calls/"+executionSid+"/end", func(r *resty.Request) {
		r.SetBody(map[string]string{"callId": callID})
	}, nil)
}

// Close drops the token
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = ""
	d.identity = ""
	return nil
}

// Queue reads and updates the agent's queue on the server
type Queue struct {
	client *Client
}

// NewQueue creates a queue source backed by the server
func NewQueue(client *Client) *Queue {
	return &Queue{client: client}
}

// Pull implements dialer.QueueSource
func (q *Queue) Pull(ctx context.Context, agent string) ([]domain.Lead, error) {
	leads := []domain.Lead{}
	err := q.client.do(ctx, http.MethodGet, "/queue", func(r *resty.Request) {
		r.SetQueryParam("agent", agent)
	}, &leads)
	if err != nil {
		return nil, err
	}
	return leads, nil
}

// Push replaces the agent's queue. apiKey is the signed push credential and may be
// empty when the server does not require one.
func (q *Queue) Push(ctx context.Context, agent, apiKey string, leads []domain.Lead) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := q.client.do(ctx, http.MethodPost, "/queue", func(r *resty.Request) {
		if apiKey != "" {
			r.SetHeader("X-API-Key", apiKey)
		}
		r.SetBody(map[string]interface{}{"agent": agent, "leads": leads})
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkDone implements dialer.QueueUpdater
func (q *Queue) MarkDone(ctx context.Context, agent, leadID string) error {
	return q.client.do(ctx, http.MethodPost, "/queue/done", func(r *resty.Request) {
		r.SetBody(map[string]string{"agent": agent, "leadId": leadID})
	}, nil)
}

// Results forwards final results to the server's CRM relay
type Results struct {
	client *Client
}

// NewResults creates a result sink backed by the server
func NewResults(client *Client) *Results {
	return &Results{client: client}
}

// Record implements dialer.ResultSink
func (s *Results) Record(ctx context.Context, update domain.ResultUpdate) error {
	return s.client.do(ctx, http.MethodPost, "/airtable/update-result", func(r *resty.Request) {
		r.SetBody(update)
	}, nil)
}

// CallerIDs lists the outbound numbers the server accepts
func (c *Client) CallerIDs(ctx context.Context) ([]string, error) {
	var out struct {
		CallerIDs []string `json:"callerIds"`
	}
	if err := c.do(ctx, http.MethodGet, "/caller-ids", nil, &out); err != nil {
		return nil, err
	}
	return out.CallerIDs, nil
}
