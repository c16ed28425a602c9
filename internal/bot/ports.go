package bot

import (
	"context"
	"time"

	"github.com/avolkov/voicebridge/internal/session"
)

// Kind discriminates inbound payloads.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindReset Kind = "reset"
)

// InboundEvent is one message from the chat platform. Immutable and
// transient: built by the transport adapter, consumed once by the
// orchestrator.
type InboundEvent struct {
	ID             string
	ConversationID string
	Kind           Kind
	Text           string
	Audio          []byte
	FormatHint     string
	ArrivedAt      time.Time
}

// Service is the orchestrator boundary the transport adapter calls.
// HandleEvent is fire-and-forget; delivery happens asynchronously through
// the sink.
type Service interface {
	HandleEvent(event InboundEvent)
}

// Sink delivers complete responses back to the chat platform.
type Sink interface {
	Send(ctx context.Context, conversationID string, text string) error
}

// StreamSink is implemented by sinks that accept incremental updates. Each
// SendPartial carries the full text accumulated so far; Send finalizes it.
type StreamSink interface {
	Sink
	SendPartial(ctx context.Context, conversationID string, text string) error
}

// Repo is the persistent turn archive. Best-effort: archive failures are
// logged, never surfaced to the user.
type Repo interface {
	SaveTurn(ctx context.Context, conversationID string, turn session.Turn) error
	History(ctx context.Context, conversationID string) ([]session.Turn, error)
}
