package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration, read from the environment.
// godotenv is loaded by main before this package is consulted.
type Config struct {
	Port        string
	DatabaseURL string // empty disables the turn archive

	Log LogConfig
	AI  AIConfig
	Bot BotConfig

	Audio    AudioConfig
	Outbound OutboundConfig
}

type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // text | json
}

type AIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	FallbackModels  []string
	TranscribeModel string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float32

	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	AppURL   string // optional identification headers, passed through as-is
	AppTitle string
}

type BotConfig struct {
	TokenBudget          int
	SessionTTL           time.Duration
	QueueDepth           int
	Streaming            bool
	AllowedConversations []string // empty allows everyone
	WebhookSecret        string
}

type AudioConfig struct {
	FFmpegPath       string
	TranscodeTimeout time.Duration
}

type OutboundConfig struct {
	BaseURL string
	Token   string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
		},
		AI: AIConfig{
			APIKey:          os.Getenv("OPENAI_API_KEY"),
			BaseURL:         os.Getenv("OPENAI_BASE_URL"),
			Model:           getenv("AI_MODEL", "gpt-4o-mini"),
			FallbackModels:  splitList(os.Getenv("AI_FALLBACK_MODELS")),
			TranscribeModel: getenv("TRANSCRIBE_MODEL", "whisper-1"),
			SystemPrompt:    os.Getenv("SYSTEM_PROMPT"),
			MaxTokens:       getint("AI_MAX_TOKENS", 1024),
			Temperature:     float32(getfloat("AI_TEMPERATURE", 0.7)),
			MaxAttempts:     getint("MAX_ATTEMPTS", 3),
			BaseBackoff:     getdur("BASE_BACKOFF", time.Second),
			AttemptTimeout:  getdur("ATTEMPT_TIMEOUT", 60*time.Second),
			RateLimitRPS:    getfloat("RATE_LIMIT_RPS", 2),
			RateLimitBurst:  getint("RATE_LIMIT_BURST", 5),
			AppURL:          os.Getenv("APP_URL"),
			AppTitle:        os.Getenv("APP_TITLE"),
		},
		Bot: BotConfig{
			TokenBudget:          getint("TOKEN_BUDGET", 4000),
			SessionTTL:           getdur("SESSION_TTL", 3*time.Minute),
			QueueDepth:           getint("QUEUE_DEPTH", 0),
			Streaming:            getbool("STREAMING", false),
			AllowedConversations: splitList(os.Getenv("ALLOWED_CONVERSATIONS")),
			WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		},
		Audio: AudioConfig{
			FFmpegPath:       getenv("FFMPEG_PATH", "ffmpeg"),
			TranscodeTimeout: getdur("TRANSCODE_TIMEOUT", 30*time.Second),
		},
		Outbound: OutboundConfig{
			BaseURL: os.Getenv("OUTBOUND_BASE_URL"),
			Token:   os.Getenv("OUTBOUND_TOKEN"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.AI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	if c.Outbound.BaseURL == "" {
		return fmt.Errorf("OUTBOUND_BASE_URL is not set")
	}
	if c.AI.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.AI.MaxAttempts)
	}
	if c.AI.BaseBackoff <= 0 {
		return fmt.Errorf("BASE_BACKOFF must be positive, got %s", c.AI.BaseBackoff)
	}
	if c.AI.AttemptTimeout <= 0 {
		return fmt.Errorf("ATTEMPT_TIMEOUT must be positive, got %s", c.AI.AttemptTimeout)
	}
	if c.AI.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %f", c.AI.RateLimitRPS)
	}
	if c.AI.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1, got %d", c.AI.RateLimitBurst)
	}
	if c.Bot.TokenBudget < 1 {
		return fmt.Errorf("TOKEN_BUDGET must be at least 1, got %d", c.Bot.TokenBudget)
	}
	if c.Bot.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.Bot.SessionTTL)
	}
	if c.Bot.QueueDepth < 0 {
		return fmt.Errorf("QUEUE_DEPTH must not be negative, got %d", c.Bot.QueueDepth)
	}
	if c.Audio.TranscodeTimeout <= 0 {
		return fmt.Errorf("TRANSCODE_TIMEOUT must be positive, got %s", c.Audio.TranscodeTimeout)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getbool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	// Accept both Go durations ("30s") and bare seconds ("30").
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
