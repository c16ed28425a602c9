package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OUTBOUND_BASE_URL", "http://localhost:9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.AI.Model)
	assert.Equal(t, "whisper-1", cfg.AI.TranscribeModel)
	assert.Equal(t, 3, cfg.AI.MaxAttempts)
	assert.Equal(t, time.Second, cfg.AI.BaseBackoff)
	assert.Equal(t, 4000, cfg.Bot.TokenBudget)
	assert.Equal(t, 3*time.Minute, cfg.Bot.SessionTTL)
	assert.Equal(t, 0, cfg.Bot.QueueDepth)
	assert.False(t, cfg.Bot.Streaming)
	assert.Empty(t, cfg.Bot.AllowedConversations)
	assert.Equal(t, "ffmpeg", cfg.Audio.FFmpegPath)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OUTBOUND_BASE_URL", "http://localhost:9000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestLoadRequiresOutboundURL(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OUTBOUND_BASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OUTBOUND_BASE_URL")
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OUTBOUND_BASE_URL", "http://localhost:9000")
	t.Setenv("AI_FALLBACK_MODELS", "gpt-4o, claude-3-haiku ,")
	t.Setenv("SESSION_TTL", "180")
	t.Setenv("TRANSCODE_TIMEOUT", "45s")
	t.Setenv("STREAMING", "yes")
	t.Setenv("QUEUE_DEPTH", "4")
	t.Setenv("ALLOWED_CONVERSATIONS", "c1,c2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"gpt-4o", "claude-3-haiku"}, cfg.AI.FallbackModels)
	assert.Equal(t, 180*time.Second, cfg.Bot.SessionTTL)
	assert.Equal(t, 45*time.Second, cfg.Audio.TranscodeTimeout)
	assert.True(t, cfg.Bot.Streaming)
	assert.Equal(t, 4, cfg.Bot.QueueDepth)
	assert.Equal(t, []string{"c1", "c2"}, cfg.Bot.AllowedConversations)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.AI.APIKey = "sk-test"
		cfg.AI.MaxAttempts = 3
		cfg.AI.BaseBackoff = time.Second
		cfg.AI.AttemptTimeout = time.Minute
		cfg.AI.RateLimitRPS = 2
		cfg.AI.RateLimitBurst = 5
		cfg.Bot.TokenBudget = 4000
		cfg.Bot.SessionTTL = 3 * time.Minute
		cfg.Audio.TranscodeTimeout = 30 * time.Second
		cfg.Outbound.BaseURL = "http://localhost:9000"
		cfg.Log.Level = "info"
		cfg.Log.Format = "text"
		return cfg
	}

	ok := base()
	require.NoError(t, ok.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.AI.MaxAttempts = 0 }},
		{"negative backoff", func(c *Config) { c.AI.BaseBackoff = -time.Second }},
		{"zero rps", func(c *Config) { c.AI.RateLimitRPS = 0 }},
		{"zero budget", func(c *Config) { c.Bot.TokenBudget = 0 }},
		{"negative queue depth", func(c *Config) { c.Bot.QueueDepth = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
