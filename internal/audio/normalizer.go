package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Normalizer converts inbound voice payloads into transcription-ready audio.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, formatHint string) ([]byte, error)
}

// stderrExcerptLen bounds how much transcoder stderr is carried in errors.
const stderrExcerptLen = 300

// FFmpegNormalizer shells out to ffmpeg to produce 16 kHz mono WAV, the
// format the transcription backend accepts. The subprocess is bounded by a
// timeout and never outlives the call: CommandContext kills it on deadline
// and both temp files are removed on every exit path.
type FFmpegNormalizer struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewFFmpegNormalizer(binary string, timeout time.Duration, logger *slog.Logger) *FFmpegNormalizer {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegNormalizer{
		binary:  binary,
		timeout: timeout,
		logger:  logger.With("component", "audio"),
	}
}

// Normalize transcodes raw into 16 kHz mono WAV. A timed-out attempt is
// retried once with the remaining context budget before ErrTranscodeTimeout
// is surfaced.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, raw []byte, formatHint string) ([]byte, error) {
	if _, err := exec.LookPath(n.binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrToolUnavailable, n.binary)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedFormat)
	}

	out, err := n.transcode(ctx, raw, formatHint)
	if err != nil && errors.Is(err, ErrTranscodeTimeout) && ctx.Err() == nil {
		n.logger.Warn("transcode timed out, retrying once", "format", formatHint, "bytes", len(raw))
		out, err = n.transcode(ctx, raw, formatHint)
	}
	return out, err
}

func (n *FFmpegNormalizer) transcode(ctx context.Context, raw []byte, formatHint string) ([]byte, error) {
	in, err := os.CreateTemp("", "voicebridge-in-*"+suffixFor(formatHint))
	if err != nil {
		return nil, fmt.Errorf("create input temp file: %w", err)
	}
	defer os.Remove(in.Name())

	if _, err = in.Write(raw); err != nil {
		in.Close()
		return nil, fmt.Errorf("write input temp file: %w", err)
	}
	in.Close()

	out, err := os.CreateTemp("", "voicebridge-out-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create output temp file: %w", err)
	}
	out.Close()
	defer os.Remove(out.Name())

	tctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, n.binary,
		"-y", "-i", in.Name(),
		"-ac", "1", "-ar", "16000", "-vn",
		out.Name(),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTranscodeTimeout, n.timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, excerpt(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %v", ErrToolUnavailable, runErr)
	}

	data, err := os.ReadFile(out.Name())
	if err != nil {
		return nil, fmt.Errorf("read transcoded output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: transcoder produced no output", ErrUnsupportedFormat)
	}

	n.logger.Debug("transcoded voice payload",
		"format", formatHint,
		"in_bytes", len(raw),
		"out_bytes", len(data),
		"took", time.Since(start),
	)
	return data, nil
}

// suffixFor maps a format hint to a temp-file suffix so ffmpeg can probe the
// container. Unknown hints fall through to .ogg, the common voice-note case.
func suffixFor(hint string) string {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hint), ".")) {
	case "mp3":
		return ".mp3"
	case "wav":
		return ".wav"
	case "m4a", "mp4", "aac":
		return ".m4a"
	case "flac":
		return ".flac"
	case "webm":
		return ".webm"
	case "opus":
		return ".opus"
	default:
		return ".ogg"
	}
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	// ffmpeg's useful diagnostic is usually the last line.
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	if len(s) > stderrExcerptLen {
		s = s[:stderrExcerptLen] + "..."
	}
	return s
}
