package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9084", cfg.BindAddr)
	assert.Equal(t, "gemini", cfg.EmbeddingProvider)
	assert.Equal(t, "text-embedding-004", cfg.EmbeddingModel)
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, 500, cfg.ChunkTokens)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, int64(50<<20), cfg.WSMaxMessageBytes)
	assert.Equal(t, 20*time.Second, cfg.WSPingInterval)
	assert.Equal(t, DefaultSystemInstruction, cfg.SystemInstruction)
	assert.Equal(t, "none", cfg.STTProvider)
}

func TestLoadPortOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "memory")
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.BindAddr)
}

func TestLoadRequiresGoogleAPIKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STORE_MODE", "memory")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GoogleAPIKey")
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL")
}

func TestLoadOpenAIProviderRequiresKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "memory")
	t.Setenv("EMBEDDING_PROVIDER", "openai")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "memory")
	t.Setenv("TOOL_CALL_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOOL_CALL_TIMEOUT")
}

func TestLoadRejectsOverlapAboveChunkSize(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "memory")
	t.Setenv("CHUNK_TOKENS", "100")
	t.Setenv("CHUNK_OVERLAP", "100")

	_, err := Load()
	require.Error(t, err)
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FILE",
		"LOG_JSON",
		"GOOGLE_API_KEY",
		"OPENAI_API_KEY",
		"GEMINI_LIVE_URL",
		"GEMINI_MODEL",
		"SYSTEM_INSTRUCTION",
		"EMBEDDING_PROVIDER",
		"EMBEDDING_MODEL",
		"EMBEDDING_DIM",
		"ANSWER_PROVIDER",
		"ANSWER_MODEL",
		"OCR_MODEL",
		"CHUNK_TOKENS",
		"CHUNK_OVERLAP",
		"STORE_MODE",
		"DATABASE_URL",
		"SQLITE_PATH",
		"BLOB_DIR",
		"REDIS_URL",
		"QUERY_CACHE_TTL",
		"STT_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_STT_MODEL_ID",
		"UPSTREAM_SETUP_TIMEOUT",
		"UPSTREAM_RECV_TIMEOUT",
		"CLIENT_SETUP_TIMEOUT",
		"TOOL_CALL_TIMEOUT",
		"INGEST_TIMEOUT",
		"INGEST_QUEUE_SIZE",
		"WS_MAX_MESSAGE_BYTES",
		"WS_PING_INTERVAL",
		"WS_PONG_TIMEOUT",
		"WS_WRITE_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
