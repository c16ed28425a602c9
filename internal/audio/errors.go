package audio

import "errors"

var (
	// ErrUnsupportedFormat means the input container/codec was rejected by
	// the transcoder. Not retryable; surfaced to the user.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrTranscodeTimeout means the transcode exceeded its deadline.
	ErrTranscodeTimeout = errors.New("transcode timed out")

	// ErrToolUnavailable means the external transcoder binary is missing.
	// Operator-actionable: a deployment problem, not a user error.
	ErrToolUnavailable = errors.New("transcode tool unavailable")
)
