package bot

import (
	"errors"

	"github.com/avolkov/voicebridge/internal/ai"
	"github.com/avolkov/voicebridge/internal/audio"
)

// User-facing notices. Short and specific; never include internal detail.
const (
	noticeBusy            = "Still working on your previous message, try again in a moment."
	noticeUnsupported     = "This audio format is not supported."
	noticeTranscode       = "Could not process the audio, try a shorter recording."
	noticeNoSpeech        = "Could not recognize any speech in the audio."
	noticeRateLimited     = "The service is handling too many requests right now, try again shortly."
	noticeContentPolicy   = "The request was declined by the content policy."
	noticeTimeout         = "The service took too long to respond, try again."
	noticeUnavailable     = "Service temporarily unavailable, try again."
	noticeReset           = "Conversation reset."
	noticeRefused         = "This bot is private. Your conversation is not on the allowed list."
	noticeTruncated       = "\n\n[response was cut off]"
	noticeQueuedDropped   = "Too many messages queued, the oldest one was dropped."
	noticeEmptyCompletion = "The service returned an empty response, try again."
)

// noticeFor maps a pipeline error onto the notice delivered to the user.
func noticeFor(err error) string {
	switch {
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return noticeUnsupported
	case errors.Is(err, audio.ErrTranscodeTimeout):
		return noticeTranscode
	case errors.Is(err, audio.ErrToolUnavailable):
		return noticeUnavailable
	case errors.Is(err, ai.ErrRateLimited):
		return noticeRateLimited
	case errors.Is(err, ai.ErrContentPolicy):
		return noticeContentPolicy
	case errors.Is(err, ai.ErrCompletionTimeout):
		return noticeTimeout
	default:
		return noticeUnavailable
	}
}

// operatorActionable reports whether an error indicates deployment
// misconfiguration rather than user error, and so deserves an error-level
// log entry.
func operatorActionable(err error) bool {
	return errors.Is(err, ai.ErrAuth) || errors.Is(err, audio.ErrToolUnavailable)
}
