package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	maxBackoff     = 30 * time.Second
	jitterFraction = 10 // +-10% jitter on each backoff
)

// ClientConfig configures the OpenAI-compatible completion client.
type ClientConfig struct {
	APIKey          string
	BaseURL         string // optional, for OpenAI-compatible gateways
	Model           string
	FallbackModels  []string // tried in order once Model's attempts are exhausted
	TranscribeModel string
	SystemPrompt    string // prepended to every request when set

	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// Optional identification headers, attached verbatim to every request.
	AppURL   string
	AppTitle string

	// OnRetry, when set, is invoked once per retried attempt. Used for
	// instrumentation.
	OnRetry func()
}

// OpenAIClient wraps the OpenAI chat-completion and transcription APIs with
// a shared outbound rate limit, bounded per-attempt timeouts, and retry with
// exponential backoff. It is safe for concurrent use by many conversations:
// the limiter is the only shared mutable state.
type OpenAIClient struct {
	client  *openai.Client
	cfg     ClientConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewOpenAIClient(cfg ClientConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.AppURL != "" || cfg.AppTitle != "" {
		oc.HTTPClient = &http.Client{
			Transport: &headerTransport{
				base:     http.DefaultTransport,
				appURL:   cfg.AppURL,
				appTitle: cfg.AppTitle,
			},
		}
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		logger:  logger.With("component", "ai"),
	}
}

// Complete runs a blocking completion. Transient failures are retried per
// model with exponential backoff and jitter; each retry re-checks the global
// rate limiter. When a model's attempts are exhausted the next fallback
// model is tried. Non-retryable failures surface immediately.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for _, model := range c.models() {
		text, err := c.completeWithModel(ctx, req, model)
		if err == nil {
			return Result{Text: text, Model: model}, nil
		}
		if !retryable(err) {
			return Result{}, err
		}
		c.logger.Warn("model attempts exhausted", "model", model, "error", err)
		lastErr = err
	}
	return Result{}, lastErr
}

func (c *OpenAIClient) completeWithModel(ctx context.Context, req Request, model string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limit: %w", err)
		}

		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		resp, err := c.client.CreateChatCompletion(actx, c.buildRequest(req, model, false))
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("%w: empty choices", ErrInvalidRequest)
			}
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = classify(err)
		if !retryable(lastErr) {
			return "", lastErr
		}
		if attempt < c.cfg.MaxAttempts {
			c.logger.Warn("completion attempt failed, backing off",
				"model", model, "attempt", attempt, "error", lastErr)
			if err := c.retrySleep(ctx, attempt); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

// retrySleep waits out the backoff before the next attempt, honoring
// cancellation.
func (c *OpenAIClient) retrySleep(ctx context.Context, attempt int) error {
	if c.cfg.OnRetry != nil {
		c.cfg.OnRetry()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.backoff(attempt)):
		return nil
	}
}

// CompleteStream opens a streamed completion and returns a finite channel of
// chunks. Establishing the stream follows the same retry policy as Complete.
// Once established the stream is never resumed: a mid-stream drop ends the
// channel with a StreamInterruptedError carrying the partial text.
// Canceling ctx stops the producer even when the consumer has stopped
// draining; the channel then closes, possibly without a Final chunk.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, model, err := c.openStream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		var partial bytes.Buffer
		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				select {
				case out <- Chunk{Final: true}:
				case <-ctx.Done():
				}
				return
			}
			if recvErr != nil {
				interrupted := Chunk{
					Final: true,
					Err: &StreamInterruptedError{
						Partial: partial.String(),
						Err:     classify(recvErr),
					},
				}
				select {
				case out <- interrupted:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			partial.WriteString(delta)
			select {
			case out <- Chunk{Text: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()

	c.logger.Debug("stream opened", "model", model)
	return out, nil
}

func (c *OpenAIClient) openStream(ctx context.Context, req Request) (*openai.ChatCompletionStream, string, error) {
	var lastErr error
	for _, model := range c.models() {
		for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, "", fmt.Errorf("waiting for rate limit: %w", err)
			}

			// No per-attempt timeout here: the deadline would cut the
			// stream off mid-delivery. The caller's context bounds it.
			stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(req, model, true))
			if err == nil {
				return stream, model, nil
			}

			lastErr = classify(err)
			if !retryable(lastErr) {
				return nil, "", lastErr
			}
			if attempt < c.cfg.MaxAttempts {
				if err := c.retrySleep(ctx, attempt); err != nil {
					return nil, "", err
				}
			}
		}
	}
	return nil, "", lastErr
}

// Transcribe sends normalized WAV audio to the transcription endpoint.
// Shares the global rate limit and retry policy with completions.
func (c *OpenAIClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limit: %w", err)
		}

		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		resp, err := c.client.CreateTranscription(actx, openai.AudioRequest{
			Model:    c.cfg.TranscribeModel,
			Reader:   bytes.NewReader(wav),
			FilePath: "voice.wav",
		})
		cancel()

		if err == nil {
			return resp.Text, nil
		}
		lastErr = classify(err)
		if !retryable(lastErr) {
			return "", lastErr
		}
		if attempt < c.cfg.MaxAttempts {
			if err := c.retrySleep(ctx, attempt); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func (c *OpenAIClient) buildRequest(req Request, model string, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.cfg.SystemPrompt,
		})
	}
	for _, t := range req.Turns {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (c *OpenAIClient) models() []string {
	return append([]string{c.cfg.Model}, c.cfg.FallbackModels...)
}

// backoff returns the delay before the next attempt: base doubled per
// attempt, capped, with +-10% jitter.
func (c *OpenAIClient) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
			break
		}
	}
	jitterRange := delay / jitterFraction
	if jitterRange > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterRange))) - jitterRange/2
	}
	return delay
}

// headerTransport attaches optional identification headers to every
// outbound request. Pass-through only: values are not interpreted.
type headerTransport struct {
	base     http.RoundTripper
	appURL   string
	appTitle string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.appURL != "" {
		clone.Header.Set("HTTP-Referer", t.appURL)
	}
	if t.appTitle != "" {
		clone.Header.Set("X-Title", t.appTitle)
	}
	return t.base.RoundTrip(clone)
}
