package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSink pushes responses back to the chat platform over its REST API.
// It supports incremental delivery: SendPartial posts the text accumulated
// so far flagged as partial, so platforms that support message editing can
// replace the previous partial in place.
type HTTPSink struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSink(baseURL, token string) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers a complete message to the conversation.
func (s *HTTPSink) Send(ctx context.Context, conversationID string, text string) error {
	return s.post(ctx, map[string]any{
		"conversation_id": conversationID,
		"text":            text,
	})
}

// SendPartial delivers an incremental update carrying the full text so far.
func (s *HTTPSink) SendPartial(ctx context.Context, conversationID string, text string) error {
	return s.post(ctx, map[string]any{
		"conversation_id": conversationID,
		"text":            text,
		"partial":         true,
	})
}

func (s *HTTPSink) post(ctx context.Context, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.baseURL+"/messages",
		bytes.NewReader(b),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("chat platform api error: %s body=%s", resp.Status, respBody)
	}
	return nil
}
