package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avolkov/voicebridge/internal/ai"
	"github.com/avolkov/voicebridge/internal/audio"
	"github.com/avolkov/voicebridge/internal/bot"
	"github.com/avolkov/voicebridge/internal/config"
	"github.com/avolkov/voicebridge/internal/metrics"
	"github.com/avolkov/voicebridge/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// --- Metrics ---
	met := metrics.New(prometheus.DefaultRegisterer)

	// --- Turn archive (optional) ---
	var repo bot.Repo
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("db open error", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			logger.Error("db ping error", "error", err)
			os.Exit(1)
		}
		cancel()
		repo = bot.NewArchive(db)
	} else {
		logger.Warn("DATABASE_URL not set, turn archive disabled")
	}

	// --- Pipeline wiring ---
	store := session.NewStore(cfg.Bot.SessionTTL, nil, logger)
	store.StartSweeper()
	defer store.Stop()

	aiClient := ai.NewOpenAIClient(ai.ClientConfig{
		APIKey:          cfg.AI.APIKey,
		BaseURL:         cfg.AI.BaseURL,
		Model:           cfg.AI.Model,
		FallbackModels:  cfg.AI.FallbackModels,
		TranscribeModel: cfg.AI.TranscribeModel,
		SystemPrompt:    cfg.AI.SystemPrompt,
		MaxAttempts:     cfg.AI.MaxAttempts,
		BaseBackoff:     cfg.AI.BaseBackoff,
		AttemptTimeout:  cfg.AI.AttemptTimeout,
		RateLimitRPS:    cfg.AI.RateLimitRPS,
		RateLimitBurst:  cfg.AI.RateLimitBurst,
		AppURL:          cfg.AI.AppURL,
		AppTitle:        cfg.AI.AppTitle,
		OnRetry:         met.CompletionRetries.Inc,
	}, logger)

	normalizer := audio.NewFFmpegNormalizer(cfg.Audio.FFmpegPath, cfg.Audio.TranscodeTimeout, logger)
	sink := bot.NewHTTPSink(cfg.Outbound.BaseURL, cfg.Outbound.Token)

	orch := bot.NewOrchestrator(store, normalizer, aiClient, aiClient, sink, repo, met, bot.Config{
		TokenBudget:          cfg.Bot.TokenBudget,
		MaxTokens:            cfg.AI.MaxTokens,
		Temperature:          cfg.AI.Temperature,
		QueueDepth:           cfg.Bot.QueueDepth,
		Streaming:            cfg.Bot.Streaming,
		AllowedConversations: cfg.Bot.AllowedConversations,
	}, logger)

	handler := bot.NewHandler(orch, repo, cfg.Bot.WebhookSecret)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
	}))

	bot.RegisterRoutes(r, handler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	logger.Info("listening", "port", cfg.Port, "streaming", cfg.Bot.Streaming)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
