package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ent0n29/doctalk/internal/config"
	"github.com/ent0n29/doctalk/internal/embedding"
	"github.com/ent0n29/doctalk/internal/httpapi"
	"github.com/ent0n29/doctalk/internal/ingest"
	"github.com/ent0n29/doctalk/internal/llm"
	"github.com/ent0n29/doctalk/internal/observability"
	"github.com/ent0n29/doctalk/internal/relay"
	"github.com/ent0n29/doctalk/internal/semantic"
	"github.com/ent0n29/doctalk/internal/session"
	"github.com/ent0n29/doctalk/internal/tools"
	"github.com/ent0n29/doctalk/internal/upstream"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Relay      *relay.Relay
	Dispatcher *tools.Dispatcher
	Pipeline   *ingest.Pipeline
	Store      semantic.Store
	Metrics    *observability.Metrics
	STT        string

	// Cleanup releases the store, caches and any other external resources.
	Cleanup func() error
}

// Build constructs every process-wide collaborator once and wires them
// together. Sessions only ever receive these shared instances.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	gemini, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fail(fmt.Errorf("gemini client init failed: %w", err))
	}
	var oai *openai.Client
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oai = openai.NewClient(cfg.OpenAIAPIKey)
	}

	store, err := semantic.NewStore(ctx, semantic.Options{
		Mode:         cfg.StoreMode,
		DatabaseURL:  cfg.DatabaseURL,
		SQLitePath:   cfg.SQLitePath,
		EmbeddingDim: cfg.EmbeddingDim,
	})
	if err != nil {
		return fail(fmt.Errorf("semantic store init failed: %w", err))
	}
	closers = append(closers, store.Close)

	blobs, err := semantic.NewFSBlobStore(cfg.BlobDir)
	if err != nil {
		return fail(fmt.Errorf("blob store init failed: %w", err))
	}

	embedder, err := newEmbedder(cfg, gemini, oai)
	if err != nil {
		return fail(err)
	}
	cache, closeCache, err := newQueryCache(ctx, cfg, log.Named("cache"))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeCache)
	embedder = embedding.NewCachedEmbedder(embedder, cache)

	answerer, err := newAnswerer(cfg, gemini, oai)
	if err != nil {
		return fail(err)
	}

	var ocr ingest.TextExtractor
	if strings.TrimSpace(cfg.OCRModel) != "" {
		ocr = ingest.NewGeminiOCR(gemini, cfg.OCRModel)
	}
	pipeline := ingest.NewPipeline(ingest.Deps{
		Store:     store,
		Blobs:     blobs,
		Extractor: ingest.NewExtractor(ingest.NativeExtractor{}, ocr, log.Named("extract")),
		Chunker:   ingest.NewChunker(ingest.NewTokenizer(log), cfg.ChunkTokens, cfg.ChunkOverlap),
		Embedder:  embedder,
		Metrics:   metrics,
		Logger:    log.Named("ingest"),
	})

	dispatcher := tools.NewDispatcher(tools.Deps{
		Store:    store,
		Blobs:    blobs,
		Embedder: embedder,
		Answerer: answerer,
		Metrics:  metrics,
		Logger:   log.Named("tools"),
		Timeout:  cfg.ToolCallTimeout,
	})

	stt, err := resolveTranscriber(cfg)
	if err != nil {
		return fail(err)
	}

	upstreamCfg := upstream.Config{
		URL:          cfg.LiveURL,
		APIKey:       cfg.GoogleAPIKey,
		SetupTimeout: cfg.UpstreamSetupTimeout,
		RecvTimeout:  cfg.UpstreamRecvTimeout,
		WriteTimeout: cfg.WSWriteTimeout,
	}
	rl := relay.New(relay.Deps{
		Config: relay.Config{
			Model:              cfg.LiveModel,
			SystemInstruction:  cfg.SystemInstruction,
			ClientSetupTimeout: cfg.ClientSetupTimeout,
			IngestTimeout:      cfg.IngestTimeout,
			IngestQueueSize:    cfg.IngestQueueSize,
			SendTimeout:        cfg.WSWriteTimeout,
		},
		Dial: func(ctx context.Context, setup upstream.Setup) (relay.Upstream, error) {
			s, err := upstream.Dial(ctx, upstreamCfg, setup)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Tools:   dispatcher,
		Ingest:  pipeline,
		STT:     stt.transcriber,
		Metrics: metrics,
		Logger:  log.Named("relay"),
	})

	sessions := session.NewManager(cfg.SessionIdleTimeout, metrics, log.Named("session"))
	api := httpapi.New(cfg, sessions, rl, store, metrics, log.Named("http"))

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Relay:      rl,
		Dispatcher: dispatcher,
		Pipeline:   pipeline,
		Store:      store,
		Metrics:    metrics,
		STT:        stt.detail,
		Cleanup:    cleanup,
	}, nil
}

func newEmbedder(cfg config.Config, gemini *genai.Client, oai *openai.Client) (embedding.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		if oai == nil {
			return nil, errors.New("EMBEDDING_PROVIDER=openai requires OPENAI_API_KEY")
		}
		return embedding.NewOpenAIEmbedder(oai, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "gemini", "":
		return embedding.NewGeminiEmbedder(gemini, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("invalid EMBEDDING_PROVIDER: %q (expected gemini|openai)", cfg.EmbeddingProvider)
	}
}

func newAnswerer(cfg config.Config, gemini *genai.Client, oai *openai.Client) (llm.Answerer, error) {
	switch cfg.AnswerProvider {
	case "openai":
		if oai == nil {
			return nil, errors.New("ANSWER_PROVIDER=openai requires OPENAI_API_KEY")
		}
		return llm.NewOpenAIAnswerer(oai, cfg.AnswerModel), nil
	case "gemini", "":
		return llm.NewGeminiAnswerer(gemini, cfg.AnswerModel), nil
	default:
		return nil, fmt.Errorf("invalid ANSWER_PROVIDER: %q (expected gemini|openai)", cfg.AnswerProvider)
	}
}

// newQueryCache shares query embeddings through redis when REDIS_URL is set
// and keeps them in process otherwise.
func newQueryCache(ctx context.Context, cfg config.Config, log *zap.Logger) (embedding.QueryCache, func() error, error) {
	ttl := cfg.QueryCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return embedding.NewLocalCache(ttl), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return embedding.NewRedisCache(client, ttl, log), client.Close, nil
}
