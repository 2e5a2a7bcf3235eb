package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"go.uber.org/zap"
)

// MaxChunkBytes is the largest audio part the transcription endpoint accepts
const MaxChunkBytes = 25 << 20

const summaryPrompt = `You analyse sales call transcripts.
Answer with a JSON object with these keys:
"language": ISO 639-1 code of the conversation,
"summary": a short paragraph in the conversation's language,
"actionItems": array of short follow-up tasks,
"transcript": array of {"speaker": "Agent" or "Prospect", "text": ...} turns reconstructed from the text.`

// Transcriber converts one audio part to text
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Completer runs a JSON-mode completion
type Completer interface {
	ChatJSON(ctx context.Context, system, user string, out interface{}) error
}

// retryable is implemented by provider errors that know whether a retry may help
type retryable interface {
	Retryable() bool
}

// AudioChunk is one pre-split part of a recording
type AudioChunk struct {
	Name string
	Data []byte
}

// Transcription is the concatenated text of every chunk
type Transcription struct {
	Text   string `json:"text"`
	Chunks int    `json:"chunks"`
}

// SpeakerTurn is one speaker-labelled utterance
type SpeakerTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Analysis is the structured summary of a call
type Analysis struct {
	Language    string        `json:"language"`
	Summary     string        `json:"summary"`
	ActionItems []string      `json:"actionItems"`
	Transcript  []SpeakerTurn `json:"transcript"`
}

// AnalysisService transcribes recordings and summarises transcripts
type AnalysisService struct {
	transcriber       Transcriber
	completer         Completer
	maxAttempts       int
	retryWait         time.Duration
	transcribeTimeout time.Duration
	summarizeTimeout  time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
}

// NewAnalysisService wires the service with the default retry budget and timeouts
func NewAnalysisService(transcriber Transcriber, completer Completer) *AnalysisService {
	return &AnalysisService{
		transcriber:       transcriber,
		completer:         completer,
		maxAttempts:       config.MaxAIRetries,
		retryWait:         config.AIRetryWait,
		transcribeTimeout: config.TranscribeTimeout,
		summarizeTimeout:  config.SummarizeTimeout,
		sleep:             sleepContext,
	}
}

// Transcribe sends every chunk in order and joins the texts
func (s *AnalysisService) Transcribe(ctx context.Context, chunks []AudioChunk) (*Transcription, error) {
	if len(chunks) == 0 {
		return nil, domain.NewValidationError("chunk", "at least one audio chunk is required")
	}
	for i, chunk := range chunks {
		if len(chunk.Data) == 0 {
			return nil, domain.NewValidationError("chunk", fmt.Sprintf("chunk %d is empty", i+1))
		}
		if len(chunk.Data) > MaxChunkBytes {
			return nil, domain.NewValidationError("chunk", fmt.Sprintf("chunk %d exceeds 25MB, compress the file", i+1))
		}
	}

	texts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		name := chunk.Name
		if name == "" {
			name = fmt.Sprintf("chunk-%03d.webm", i+1)
		}

		var text string
		err := s.retry(ctx, "transcription", s.transcribeTimeout, func(callCtx context.Context) error {
			var err error
			text, err = s.transcriber.Transcribe(callCtx, name, chunk.Data)
			return err
		})
		if err != nil {
			var timeoutErr *domain.TimeoutError
			if errors.As(err, &timeoutErr) {
				timeoutErr.Hint = "compress the file or split it into smaller parts, then retry"
			}
			return nil, err
		}
		texts = append(texts, strings.TrimSpace(text))
		logger.Debug(ctx, "chunk transcribed", zap.Int("chunk", i+1), zap.Int("chars", len(text)))
	}

	logger.Info(ctx, "transcription complete", zap.Int("chunks", len(chunks)))
	return &Transcription{Text: strings.Join(texts, " "), Chunks: len(chunks)}, nil
}

// Summarize turns a transcript into a structured analysis
func (s *AnalysisService) Summarize(ctx context.Context, transcript string) (*Analysis, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, domain.NewValidationError("transcript", "transcript is required")
	}

	var analysis Analysis
	err := s.retry(ctx, "summarization", s.summarizeTimeout, func(callCtx context.Context) error {
		analysis = Analysis{}
		return s.completer.ChatJSON(callCtx, summaryPrompt, transcript, &analysis)
	})
	if err != nil {
		return nil, err
	}
	if analysis.ActionItems == nil {
		analysis.ActionItems = []string{}
	}
	if analysis.Transcript == nil {
		analysis.Transcript = []SpeakerTurn{}
	}

	logger.Info(ctx, "summary generated",
		zap.String("language", analysis.Language),
		zap.Int("action_items", len(analysis.ActionItems)))
	return &analysis, nil
}

// retry runs call up to maxAttempts times with a fixed wait, each attempt bounded by
// timeout. Provider errors that declare themselves permanent stop the loop at once.
func (s *AnalysisService) retry(ctx context.Context, operation string, timeout time.Duration, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := call(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		if timedOut {
			lastErr = &domain.TimeoutError{Operation: operation, Hint: "retry in a moment"}
		}

		var r retryable
		if errors.As(err, &r) && !r.Retryable() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		logger.Warn(ctx, "AI call failed",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(err))

		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, s.retryWait); err != nil {
				break
			}
		}
	}

	var timeoutErr *domain.TimeoutError
	if errors.As(lastErr, &timeoutErr) {
		return lastErr
	}
	return &domain.UpstreamError{Service: "openai", Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
