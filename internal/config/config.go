package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const DefaultSystemInstruction = "You MUST use query_docs for all answers."

// Config contains all runtime settings for the document relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
	LogJSON  bool

	GoogleAPIKey string `validate:"required"`
	OpenAIAPIKey string

	LiveURL           string `validate:"required,url"`
	LiveModel         string `validate:"required"`
	SystemInstruction string `validate:"required"`

	UpstreamSetupTimeout time.Duration `validate:"gt=0"`
	UpstreamRecvTimeout  time.Duration `validate:"gte=0"`
	ClientSetupTimeout   time.Duration `validate:"gt=0"`
	ToolCallTimeout      time.Duration `validate:"gte=0"`
	IngestTimeout        time.Duration `validate:"gte=0"`
	SessionIdleTimeout   time.Duration `validate:"gte=0"`
	IngestQueueSize      int           `validate:"gt=0"`

	EmbeddingProvider string `validate:"oneof=gemini openai"`
	EmbeddingModel    string `validate:"required"`
	EmbeddingDim      int    `validate:"gt=0"`
	AnswerProvider    string `validate:"oneof=gemini openai"`
	AnswerModel       string `validate:"required"`
	OCRModel          string
	ChunkTokens       int `validate:"gt=0"`
	ChunkOverlap      int `validate:"gte=0,ltfield=ChunkTokens"`

	StoreMode     string `validate:"oneof=postgres sqlite memory"`
	DatabaseURL   string `validate:"required_if=StoreMode postgres"`
	SQLitePath    string `validate:"required_if=StoreMode sqlite"`
	BlobDir       string `validate:"required"`
	RedisURL      string
	QueryCacheTTL time.Duration

	STTProvider         string `validate:"oneof=none mock elevenlabs"`
	ElevenLabsAPIKey    string `validate:"required_if=STTProvider elevenlabs"`
	ElevenLabsWSBaseURL string
	ElevenLabsSTTModel  string

	WSMaxMessageBytes int64         `validate:"gt=0"`
	WSPingInterval    time.Duration `validate:"gt=0"`
	WSPongTimeout     time.Duration `validate:"gt=0"`
	WSWriteTimeout    time.Duration `validate:"gt=0"`
}

// Load reads .env (when present) and environment variables, applies defaults
// and validates that every required credential is present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	port := envOrDefault("PORT", "9084")
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":"+port),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "doctalk"),
		LogLevel:            strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFile:             stringsTrimSpace("LOG_FILE"),
		GoogleAPIKey:        stringsTrimSpace("GOOGLE_API_KEY"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		LiveURL:             envOrDefault("GEMINI_LIVE_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"),
		LiveModel:           envOrDefault("GEMINI_MODEL", "models/gemini-2.0-flash-exp"),
		SystemInstruction:   envOrDefault("SYSTEM_INSTRUCTION", DefaultSystemInstruction),
		EmbeddingProvider:   strings.ToLower(envOrDefault("EMBEDDING_PROVIDER", "gemini")),
		EmbeddingModel:      stringsTrimSpace("EMBEDDING_MODEL"),
		AnswerProvider:      strings.ToLower(envOrDefault("ANSWER_PROVIDER", "gemini")),
		AnswerModel:         stringsTrimSpace("ANSWER_MODEL"),
		OCRModel:            envOrDefault("OCR_MODEL", "gemini-2.0-flash"),
		StoreMode:           strings.ToLower(envOrDefault("STORE_MODE", "postgres")),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		SQLitePath:          envOrDefault("SQLITE_PATH", "doctalk.db"),
		BlobDir:             envOrDefault("BLOB_DIR", "./data/blobs"),
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		STTProvider:         strings.ToLower(envOrDefault("STT_PROVIDER", "none")),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),

		ShutdownTimeout:      15 * time.Second,
		UpstreamSetupTimeout: 10 * time.Second,
		UpstreamRecvTimeout:  10 * time.Minute,
		ClientSetupTimeout:   30 * time.Second,
		ToolCallTimeout:      45 * time.Second,
		IngestTimeout:        5 * time.Minute,
		SessionIdleTimeout:   15 * time.Minute,
		IngestQueueSize:      8,
		EmbeddingDim:         768,
		ChunkTokens:          500,
		ChunkOverlap:         50,
		QueryCacheTTL:        10 * time.Minute,
		// Large enough for base64 PDFs sent inline over the socket.
		WSMaxMessageBytes: 50 << 20,
		WSPingInterval:    20 * time.Second,
		WSPongTimeout:     20 * time.Second,
		WSWriteTimeout:    10 * time.Second,
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel(cfg.EmbeddingProvider)
	}
	if cfg.AnswerModel == "" {
		cfg.AnswerModel = defaultAnswerModel(cfg.AnswerProvider)
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"UPSTREAM_SETUP_TIMEOUT", &cfg.UpstreamSetupTimeout},
		{"UPSTREAM_RECV_TIMEOUT", &cfg.UpstreamRecvTimeout},
		{"CLIENT_SETUP_TIMEOUT", &cfg.ClientSetupTimeout},
		{"TOOL_CALL_TIMEOUT", &cfg.ToolCallTimeout},
		{"INGEST_TIMEOUT", &cfg.IngestTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"QUERY_CACHE_TTL", &cfg.QueryCacheTTL},
		{"WS_PING_INTERVAL", &cfg.WSPingInterval},
		{"WS_PONG_TIMEOUT", &cfg.WSPongTimeout},
		{"WS_WRITE_TIMEOUT", &cfg.WSWriteTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"INGEST_QUEUE_SIZE", &cfg.IngestQueueSize},
		{"EMBEDDING_DIM", &cfg.EmbeddingDim},
		{"CHUNK_TOKENS", &cfg.ChunkTokens},
		{"CHUNK_OVERLAP", &cfg.ChunkOverlap},
	}
	for _, i := range ints {
		if *i.dst, err = intFromEnv(i.key, *i.dst); err != nil {
			return Config{}, err
		}
	}

	maxBytes, err := intFromEnv("WS_MAX_MESSAGE_BYTES", int(cfg.WSMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.WSMaxMessageBytes = int64(maxBytes)

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogJSON, err = boolFromEnv("LOG_JSON", cfg.LogJSON)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and provider credentials. A missing
// credential is a startup error, never a per-session one.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.EmbeddingProvider == "openai" || c.AnswerProvider == "openai") && c.OpenAIAPIKey == "" {
		return errors.New("invalid config: OPENAI_API_KEY is required when an openai provider is selected")
	}
	return nil
}

func defaultEmbeddingModel(provider string) string {
	if provider == "openai" {
		return "text-embedding-3-small"
	}
	return "text-embedding-004"
}

func defaultAnswerModel(provider string) string {
	if provider == "openai" {
		return "gpt-4o-mini"
	}
	return "gemini-2.0-flash"
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
