package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avolkov/voicebridge/internal/ai"
	"github.com/avolkov/voicebridge/internal/audio"
	"github.com/avolkov/voicebridge/internal/metrics"
	"github.com/avolkov/voicebridge/internal/session"
)

// state labels the per-conversation lifecycle for logging.
type state string

const (
	stateIdle       state = "idle"
	stateProcessing state = "processing"
	stateDelivering state = "delivering"
	stateFailed     state = "failed"
)

// Config holds orchestrator tunables.
type Config struct {
	TokenBudget int
	MaxTokens   int
	Temperature float32
	QueueDepth  int // 0 = strict reject while busy
	Streaming   bool

	// AllowedConversations restricts who the bot answers. Empty allows all.
	AllowedConversations []string

	// DeliveryTimeout bounds each sink call.
	DeliveryTimeout time.Duration
}

// Orchestrator is the conversation state machine. It consumes inbound
// events, branches on payload kind, coordinates the audio normalizer and
// the completion client, owns session history updates, and emits delivery
// calls to the sink.
//
// Concurrency model: one goroutine per event, unconstrained across
// conversations; within a conversation the session store's busy flag
// enforces single flight. Events arriving while busy go to a bounded
// pending queue and are drained in arrival order under the same flag.
type Orchestrator struct {
	store       *session.Store
	normalizer  audio.Normalizer
	completer   ai.Completer
	transcriber ai.Transcriber
	sink        Sink
	repo        Repo // optional
	met         *metrics.Metrics
	logger      *slog.Logger
	cfg         Config

	allowed map[string]struct{}
	pending *pendingQueue
	wg      sync.WaitGroup
}

func NewOrchestrator(
	store *session.Store,
	normalizer audio.Normalizer,
	completer ai.Completer,
	transcriber ai.Transcriber,
	sink Sink,
	repo Repo,
	met *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	var allowed map[string]struct{}
	if len(cfg.AllowedConversations) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedConversations))
		for _, id := range cfg.AllowedConversations {
			allowed[id] = struct{}{}
		}
	}
	return &Orchestrator{
		store:       store,
		normalizer:  normalizer,
		completer:   completer,
		transcriber: transcriber,
		sink:        sink,
		repo:        repo,
		met:         met,
		logger:      logger.With("component", "bot"),
		cfg:         cfg,
		allowed:     allowed,
		pending:     newPendingQueue(cfg.QueueDepth),
	}
}

// HandleEvent accepts an inbound event and returns immediately. Processing
// and delivery happen on a separate goroutine.
func (o *Orchestrator) HandleEvent(event InboundEvent) {
	o.met.EventsReceived.WithLabelValues(string(event.Kind)).Inc()
	defer func() { o.met.ActiveConversations.Set(float64(o.store.Len())) }()

	if o.allowed != nil {
		if _, ok := o.allowed[event.ConversationID]; !ok {
			o.logger.Warn("event from conversation outside allowlist",
				"conversation", event.ConversationID)
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.deliver(event.ConversationID, noticeRefused)
			}()
			return
		}
	}

	if event.Kind == KindReset {
		o.store.Reset(event.ConversationID)
		o.logger.Info("conversation reset", "conversation", event.ConversationID)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.deliver(event.ConversationID, noticeReset)
		}()
		return
	}

	if !o.store.TryAcquire(event.ConversationID) {
		o.handleBusy(event)
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(event)
	}()
}

// Wait blocks until all in-flight event goroutines finish. Used by shutdown
// and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// handleBusy applies the busy policy: strict rejection when no queue is
// configured, otherwise a bounded queue that drops its oldest entry on
// overflow.
func (o *Orchestrator) handleBusy(event InboundEvent) {
	if o.cfg.QueueDepth <= 0 {
		o.met.BusyRejections.Inc()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.deliver(event.ConversationID, noticeBusy)
		}()
		return
	}

	_, droppedOne := o.pending.push(event)
	if droppedOne {
		o.met.QueueDrops.Inc()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.deliver(event.ConversationID, noticeQueuedDropped)
		}()
	}

	// The runner may have drained and released between our failed acquire
	// and the push; reclaim the flag so the event is not stranded.
	if o.store.TryAcquire(event.ConversationID) {
		if next, ok := o.pending.pop(event.ConversationID); ok {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.run(next)
			}()
		} else {
			o.store.Release(event.ConversationID)
		}
	}
}

// run processes the event and then drains the conversation's pending queue,
// holding the busy flag across the whole drain so queued events keep
// arrival order.
func (o *Orchestrator) run(event InboundEvent) {
	id := event.ConversationID
	for {
		o.process(event)

		if next, ok := o.pending.pop(id); ok {
			event = next
			continue
		}
		o.store.Release(id)

		// An event may have been queued between the pop and the release.
		if o.pending.len(id) == 0 || !o.store.TryAcquire(id) {
			return
		}
		next, ok := o.pending.pop(id)
		if !ok {
			o.store.Release(id)
			return
		}
		event = next
	}
}

// process runs one event through Processing -> Delivering | Failed. The
// busy flag is held by the caller. Session history is committed only after
// the completion succeeds, so a failed event leaves no partial turns behind.
func (o *Orchestrator) process(event InboundEvent) {
	id := event.ConversationID
	log := o.logger.With("conversation", id, "event", event.ID)
	log.Debug("state transition", "from", stateIdle, "to", stateProcessing)

	o.met.InFlight.Inc()
	defer o.met.InFlight.Dec()

	ctx := context.Background()
	resetGen := o.store.ResetGen(id)

	userText, err := o.resolveUserText(ctx, event, log)
	if err != nil {
		o.fail(id, err, log)
		return
	}
	if strings.TrimSpace(userText) == "" {
		log.Info("no usable content in event", "kind", event.Kind)
		o.deliver(id, noticeNoSpeech)
		return
	}

	if o.store.ResetGen(id) != resetGen {
		log.Info("reset observed during normalization, discarding event")
		return
	}

	userTurn := session.Turn{Role: session.RoleUser, Content: userText, Timestamp: event.ArrivedAt}
	reqTurns := session.TrimToBudget(
		append(o.store.History(id), userTurn),
		o.cfg.TokenBudget,
		nil,
	)

	reply, interrupted, err := o.complete(ctx, reqTurns, id, log)
	if err != nil {
		o.fail(id, err, log)
		return
	}
	if strings.TrimSpace(reply) == "" && !interrupted {
		o.deliver(id, noticeEmptyCompletion)
		return
	}

	if o.store.ResetGen(id) != resetGen {
		log.Info("reset observed during completion, discarding result")
		return
	}

	// Commit: both turns or none.
	o.store.AppendTurn(id, userTurn)
	assistantTurn := session.Turn{Role: session.RoleAssistant, Content: reply, Timestamp: time.Now()}
	o.store.AppendTurn(id, assistantTurn)
	o.store.TruncateToBudget(id, o.cfg.TokenBudget)
	o.archive(ctx, id, userTurn, assistantTurn)

	log.Debug("state transition", "from", stateProcessing, "to", stateDelivering)
	final := reply
	if interrupted {
		final += noticeTruncated
	}
	o.deliver(id, final)
	log.Debug("state transition", "from", stateDelivering, "to", stateIdle)
}

// resolveUserText turns the event payload into the user turn's content:
// text directly, audio through normalize + transcribe.
func (o *Orchestrator) resolveUserText(ctx context.Context, event InboundEvent, log *slog.Logger) (string, error) {
	if event.Kind != KindAudio {
		return event.Text, nil
	}

	wav, err := o.normalizer.Normalize(ctx, event.Audio, event.FormatHint)
	if err != nil {
		o.met.Transcodes.WithLabelValues("error").Inc()
		return "", err
	}
	o.met.Transcodes.WithLabelValues("ok").Inc()

	text, err := o.transcriber.Transcribe(ctx, wav)
	if err != nil {
		return "", err
	}
	log.Debug("voice transcribed", "chars", len(text))
	return text, nil
}

// complete calls the completion client, streaming when both the config and
// the sink support it. Returns the final text and whether the stream was
// interrupted mid-delivery.
func (o *Orchestrator) complete(ctx context.Context, turns []session.Turn, id string, log *slog.Logger) (string, bool, error) {
	req := ai.Request{
		Turns:       toAIMessages(turns),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}

	streamSink, canStream := o.sink.(StreamSink)
	start := time.Now()

	if o.cfg.Streaming && canStream {
		text, interrupted, err := o.completeStreaming(ctx, req, id, streamSink, log)
		o.observeCompletion(start, err)
		return text, interrupted, err
	}

	res, err := o.completer.Complete(ctx, req)
	o.observeCompletion(start, err)
	if err != nil {
		return "", false, err
	}
	return res.Text, false, nil
}

// completeStreaming forwards chunks to the sink as incremental updates.
// On interruption the partial text is kept and delivered with a truncation
// notice by the caller; the stream is never retried, which avoids
// overlapping partial output.
func (o *Orchestrator) completeStreaming(ctx context.Context, req ai.Request, id string, sink StreamSink, log *slog.Logger) (string, bool, error) {
	ch, err := o.completer.CompleteStream(ctx, req)
	if err != nil {
		return "", false, err
	}

	var buf strings.Builder
	for chunk := range ch {
		if chunk.Final {
			if chunk.Err == nil {
				return buf.String(), false, nil
			}
			var interrupted *ai.StreamInterruptedError
			if errors.As(chunk.Err, &interrupted) {
				log.Warn("stream interrupted", "partial_bytes", len(interrupted.Partial))
				return interrupted.Partial, true, nil
			}
			return "", false, chunk.Err
		}

		buf.WriteString(chunk.Text)
		dctx, cancel := context.WithTimeout(ctx, o.cfg.DeliveryTimeout)
		if err := sink.SendPartial(dctx, id, buf.String()); err != nil {
			log.Warn("partial delivery failed", "error", err)
		}
		cancel()
	}
	return buf.String(), false, nil
}

// fail maps the error to a user notice, logs it, and delivers the notice.
// The busy flag is released by run; no turns have been committed.
func (o *Orchestrator) fail(id string, err error, log *slog.Logger) {
	if operatorActionable(err) {
		log.Error("operator-actionable failure", "error", err)
	} else {
		log.Warn("event processing failed", "error", err)
	}
	log.Debug("state transition", "from", stateProcessing, "to", stateFailed)
	o.deliver(id, noticeFor(err))
}

// deliver pushes text to the sink with a bounded timeout. Sink failures are
// terminal for the event; there is nowhere else to report them but the log.
func (o *Orchestrator) deliver(id, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DeliveryTimeout)
	defer cancel()
	if err := o.sink.Send(ctx, id, text); err != nil {
		o.logger.Error("delivery failed", "conversation", id, "error", err)
	}
}

// archive records both committed turns in the persistent archive, best
// effort.
func (o *Orchestrator) archive(ctx context.Context, id string, turns ...session.Turn) {
	if o.repo == nil {
		return
	}
	for _, t := range turns {
		if err := o.repo.SaveTurn(ctx, id, t); err != nil {
			o.logger.Warn("archive write failed", "conversation", id, "error", err)
			return
		}
	}
}

func (o *Orchestrator) observeCompletion(start time.Time, err error) {
	o.met.CompletionDuration.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.met.Completions.WithLabelValues(outcome).Inc()
}

func toAIMessages(turns []session.Turn) []ai.Message {
	out := make([]ai.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, ai.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}
