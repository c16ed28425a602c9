package bot

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxWebhookBody bounds the inbound payload; voice notes arrive base64
// encoded inside it.
const maxWebhookBody = 20 << 20

type Handler struct {
	svc    Service
	repo   Repo // optional, serves archived history reads
	secret string
}

func NewHandler(svc Service, repo Repo, secret string) *Handler {
	return &Handler{svc: svc, repo: repo, secret: secret}
}

// HandleWebhook is the single inbound entry point from the chat platform.
// It validates, builds the event, hands it to the orchestrator, and ACKs
// immediately; delivery is asynchronous.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get("X-Webhook-Secret") != h.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var payload struct {
		ConversationID string `json:"conversation_id"`
		Kind           string `json:"kind"`
		Text           string `json:"text"`
		Audio          string `json:"audio"` // base64
		Format         string `json:"format"`
		Reset          bool   `json:"reset"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.ConversationID == "" {
		http.Error(w, "missing conversation_id", http.StatusBadRequest)
		return
	}

	event := InboundEvent{
		ID:             uuid.NewString(),
		ConversationID: payload.ConversationID,
		ArrivedAt:      time.Now(),
	}

	switch {
	case payload.Reset || payload.Kind == string(KindReset):
		event.Kind = KindReset
	case payload.Kind == string(KindAudio):
		raw, err := base64.StdEncoding.DecodeString(payload.Audio)
		if err != nil || len(raw) == 0 {
			http.Error(w, "invalid audio payload", http.StatusBadRequest)
			return
		}
		event.Kind = KindAudio
		event.Audio = raw
		event.FormatHint = payload.Format
	default:
		if payload.Text == "" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}
		event.Kind = KindText
		event.Text = payload.Text
	}

	h.svc.HandleEvent(event)

	// The platform does not wait for the reply, just the ACK.
	w.WriteHeader(http.StatusOK)
}

// HandleHistory serves a conversation's archived turns for operator review.
// The archive outlives the in-memory session window, so this also covers
// conversations already evicted from the store.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get("X-Webhook-Secret") != h.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if h.repo == nil {
		http.Error(w, "turn archive disabled", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "conversationID")
	if id == "" {
		http.Error(w, "missing conversation id", http.StatusBadRequest)
		return
	}

	turns, err := h.repo.History(r.Context(), id)
	if err != nil {
		http.Error(w, "archive read failed", http.StatusInternalServerError)
		return
	}

	type turnPayload struct {
		Role      string    `json:"role"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]turnPayload, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnPayload{
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: t.Timestamp,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
