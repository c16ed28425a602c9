package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) ClientConfig {
	return ClientConfig{
		APIKey:          "test-key",
		BaseURL:         baseURL + "/v1",
		Model:           "test-model",
		TranscribeModel: "whisper-1",
		MaxAttempts:     3,
		BaseBackoff:     time.Millisecond,
		AttemptTimeout:  5 * time.Second,
		RateLimitRPS:    1000,
		RateLimitBurst:  100,
	}
}

func writeCompletion(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
	})
}

func writeAPIError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "hello from the model")
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	res, err := c.Complete(context.Background(), Request{
		Turns: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", res.Text)
	assert.Equal(t, "test-model", res.Model)
}

func TestCompleteRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeAPIError(w, http.StatusTooManyRequests, "slow down", "rate_limit_exceeded")
			return
		}
		writeCompletion(w, "third time lucky")
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	res, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusTooManyRequests, "slow down", "rate_limit_exceeded")
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	_, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusUnauthorized, "bad key", "invalid_api_key")
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	_, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), calls.Load(), "auth errors must surface immediately")
}

func TestCompleteContentPolicyNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusBadRequest, "rejected by content policy", "content_policy_violation")
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	_, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentPolicy)
}

func TestCompleteFallsBackToNextModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "primary" {
			writeAPIError(w, http.StatusInternalServerError, "upstream exploded", "")
			return
		}
		writeCompletion(w, "answer from fallback")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Model = "primary"
	cfg.FallbackModels = []string{"backup"}
	cfg.MaxAttempts = 1

	c := NewOpenAIClient(cfg, nil)
	res, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "answer from fallback", res.Text)
	assert.Equal(t, "backup", res.Model)
}

func TestRetryResultMatchesImmediateSuccess(t *testing.T) {
	immediate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "stable answer")
	}))
	defer immediate.Close()

	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeAPIError(w, http.StatusBadGateway, "transient", "")
			return
		}
		writeCompletion(w, "stable answer")
	}))
	defer flaky.Close()

	req := Request{Turns: []Message{{Role: "user", Content: "hi"}}}

	a, err := NewOpenAIClient(testConfig(immediate.URL), nil).Complete(context.Background(), req)
	require.NoError(t, err)
	b, err := NewOpenAIClient(testConfig(flaky.URL), nil).Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a.Text, b.Text)
}

func TestSystemPromptPrepended(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []map[string]any `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		got = req.Messages
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.SystemPrompt = "you are terse"

	c := NewOpenAIClient(cfg, nil)
	_, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "system", got[0]["role"])
	assert.Equal(t, "you are terse", got[0]["content"])
}

func writeSSEChunk(w http.ResponseWriter, text string) {
	payload, _ := json.Marshal(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion.chunk",
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{"content": text}},
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.(http.Flusher).Flush()
}

func TestCompleteStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo, ", "world"} {
			writeSSEChunk(w, part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	ch, err := c.CompleteStream(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var final Chunk
	for chunk := range ch {
		if chunk.Final {
			final = chunk
			continue
		}
		text += chunk.Text
	}
	assert.Equal(t, "Hello, world", text)
	require.True(t, final.Final)
	assert.NoError(t, final.Err)
}

func TestCompleteStreamInterruptedCarriesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo, ", "world"} {
			writeSSEChunk(w, part)
		}
		// Drop the connection without the terminal event.
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	ch, err := c.CompleteStream(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var final Chunk
	for chunk := range ch {
		if chunk.Final {
			final = chunk
			continue
		}
		text += chunk.Text
	}
	assert.Equal(t, "Hello, world", text)
	require.True(t, final.Final)
	require.Error(t, final.Err)

	var interrupted *StreamInterruptedError
	require.ErrorAs(t, final.Err, &interrupted)
	assert.Equal(t, "Hello, world", interrupted.Partial)
}

func TestCompleteStreamStopsAfterCancelWithoutDrain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSEChunk(w, "Hel")
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewOpenAIClient(testConfig(srv.URL), nil)
	ch, err := c.CompleteStream(ctx, Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "Hel", first.Text)

	cancel()
	time.Sleep(200 * time.Millisecond)

	// The producer must exit and close the channel on its own; a consumer
	// that stops draining after canceling must not strand it.
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected closed channel, got a pending chunk")
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running after cancellation")
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "transcriptions")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "buy some bread"})
	}))
	defer srv.Close()

	c := NewOpenAIClient(testConfig(srv.URL), nil)
	text, err := c.Transcribe(context.Background(), []byte("RIFF-fake-wav"))
	require.NoError(t, err)
	assert.Equal(t, "buy some bread", text)
}

func TestIdentificationHeadersAttached(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AppURL = "https://example.com/bot"
	cfg.AppTitle = "voicebridge"

	c := NewOpenAIClient(cfg, nil)
	_, err := c.Complete(context.Background(), Request{Turns: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/bot", referer)
	assert.Equal(t, "voicebridge", title)
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.BaseBackoff = 100 * time.Millisecond
	c := NewOpenAIClient(cfg, nil)

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := c.backoff(attempt)
		expected := cfg.BaseBackoff << (attempt - 1)
		assert.InDelta(t, float64(expected), float64(d), float64(expected)/5,
			"attempt %d should be near %s", attempt, expected)
		assert.Greater(t, d, prevMax/2)
		prevMax = d
	}
	assert.LessOrEqual(t, c.backoff(30), maxBackoff+maxBackoff/10)
}
