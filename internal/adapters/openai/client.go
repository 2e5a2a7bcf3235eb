package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai api error: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Client calls the transcription and chat completion endpoints. Each method makes a
// single attempt; retry policy belongs to the caller.
type Client struct {
	httpClient         *resty.Client
	transcriptionModel string
	chatModel          string
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Temperature    float64           `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewClient creates an API client
func NewClient(baseURL, apiKey, transcriptionModel, chatModel string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai apiKey cannot be empty")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(apiKey)

	return &Client{
		httpClient:         client,
		transcriptionModel: transcriptionModel,
		chatModel:          chatModel,
	}, nil
}

// Transcribe converts one audio chunk to text
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	var result transcriptionResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(audio)).
		SetFormData(map[string]string{
			"model":           c.transcriptionModel,
			"response_format": "json",
		}).
		SetResult(&result).
		Post("/v1/audio/transcriptions")
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	if resp.IsError() {
		logger.Warn(ctx, "transcription returned an error",
			zap.String("file", filename),
			zap.Int("status_code", resp.StatusCode()))
		return "", &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return result.Text, nil
}

// ChatJSON runs a JSON-mode chat completion and decodes the answer into out
func (c *Client) ChatJSON(ctx context.Context, system, user string, out interface{}) error {
	var result chatResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.chatModel,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			ResponseFormat: map[string]string{"type": "json_object"},
			Temperature:    0.2,
		}).
		SetResult(&result).
		Post("/v1/chat/completions")
	if err != nil {
		return fmt.Errorf("chat completion request failed: %w", err)
	}
	if resp.IsError() {
		logger.Warn(ctx, "chat completion returned an error", zap.Int("status_code", resp.StatusCode()))
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if len(result.Choices) == 0 {
		return fmt.Errorf("chat completion returned no choices")
	}
	if err := json.Unmarshal([]byte(result.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("chat completion is not valid JSON: %w", err)
	}
	return nil
}
