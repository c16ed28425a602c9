package ai

import "context"

// Message is one role/content turn in a completion request.
type Message struct {
	Role    string // "user" | "assistant" | "system"
	Content string
}

// Request is a completion request built fresh per call. Turns are already
// truncated to the conversation's token budget by the caller.
type Request struct {
	Turns       []Message
	MaxTokens   int
	Temperature float32
}

// Result is a terminal completion payload.
type Result struct {
	Text  string
	Model string // model that actually produced the text
}

// Chunk is one element of a streamed completion. The stream is finite and
// arrival-ordered; at most one chunk has Final set. A Final chunk with nil
// Err marks success-end, non-nil Err marks error-end; a canceled context may
// close the channel without a Final chunk. Streams are never resumed;
// regenerating requires a fresh request.
type Chunk struct {
	Text  string
	Err   error
	Final bool
}

// Completer is the LLM completion boundary.
type Completer interface {
	Complete(ctx context.Context, req Request) (Result, error)
	CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Transcriber converts normalized audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
