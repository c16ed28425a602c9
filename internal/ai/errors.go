package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Completion-layer error kinds. Transient kinds are retried internally and
// only surface once attempts (and fallback models) are exhausted.
var (
	// ErrAuth is an authentication/authorization failure. Non-retryable and
	// operator-actionable: the API key or deployment is misconfigured.
	ErrAuth = errors.New("completion auth failure")

	// ErrRateLimited is the provider's explicit rate-limit response.
	// Transient: retried with backoff.
	ErrRateLimited = errors.New("completion rate limited")

	// ErrContentPolicy is a content-policy rejection. Non-retryable.
	ErrContentPolicy = errors.New("completion rejected by content policy")

	// ErrInvalidRequest is a malformed request (bad model, bad parameters).
	// Non-retryable.
	ErrInvalidRequest = errors.New("completion request invalid")

	// ErrCompletionTimeout means every attempt exceeded its wall-clock
	// budget.
	ErrCompletionTimeout = errors.New("completion timed out")

	// ErrNetwork is a transport-level failure. Transient: retried.
	ErrNetwork = errors.New("completion network error")
)

// StreamInterruptedError is the terminal error of a stream whose connection
// dropped mid-flight. Partial carries whatever text was received before the
// drop; the client never auto-resumes, resumption policy belongs to the
// caller.
type StreamInterruptedError struct {
	Partial string
	Err     error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// classify maps a raw client error onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return fmt.Errorf("%w: %s", ErrAuth, apiErr.Message)
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: upstream %d: %s", ErrNetwork, apiErr.HTTPStatusCode, apiErr.Message)
		case isContentPolicy(apiErr):
			return fmt.Errorf("%w: %s", ErrContentPolicy, apiErr.Message)
		default:
			return fmt.Errorf("%w: %s", ErrInvalidRequest, apiErr.Message)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrCompletionTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	// Attempt-level deadline shows up as a plain context error from the SDK.
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCompletionTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func isContentPolicy(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok {
		if strings.Contains(code, "content_policy") || strings.Contains(code, "content_filter") {
			return true
		}
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "content policy") || strings.Contains(msg, "content management policy")
}

// retryable reports whether a classified error may succeed on another
// attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrCompletionTimeout)
}
