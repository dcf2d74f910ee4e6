package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/doctalk/internal/embedding"
	"github.com/ent0n29/doctalk/internal/observability"
	"github.com/ent0n29/doctalk/internal/reliability"
	"github.com/ent0n29/doctalk/internal/semantic"
)

const embedBatchSize = 64

var defaultRetry = reliability.RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Cap: 4 * time.Second}

// Document is one upload. Empty Data re-indexes the stored blob.
type Document struct {
	UserID   string
	Filename string
	Data     []byte
	OCR      bool
}

type Result struct {
	Filename    string
	StoragePath string
	Method      string
	Chunks      int
	Duration    time.Duration
}

type Pipeline struct {
	store     semantic.Store
	blobs     semantic.BlobStore
	extractor *Extractor
	chunker   *Chunker
	embedder  embedding.Embedder
	metrics   *observability.Metrics
	log       *zap.Logger
	retry     reliability.RetryPolicy
}

type Deps struct {
	Store     semantic.Store
	Blobs     semantic.BlobStore
	Extractor *Extractor
	Chunker   *Chunker
	Embedder  embedding.Embedder
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Retry     *reliability.RetryPolicy
}

func NewPipeline(d Deps) *Pipeline {
	p := &Pipeline{
		store:     d.Store,
		blobs:     d.Blobs,
		extractor: d.Extractor,
		chunker:   d.Chunker,
		embedder:  d.Embedder,
		metrics:   d.Metrics,
		log:       d.Logger,
		retry:     defaultRetry,
	}
	if d.Retry != nil {
		p.retry = *d.Retry
	}
	if p.extractor == nil {
		p.extractor = NewExtractor(nil, nil, d.Logger)
	}
	if p.chunker == nil {
		p.chunker = NewChunker(nil, DefaultChunkTokens, DefaultChunkOverlap)
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Ingest stores the upload, indexes its text and replaces any chunks
// previously indexed under the same user and filename.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (Result, error) {
	start := time.Now()
	res, err := p.ingest(ctx, doc)
	res.Duration = time.Since(start)

	log := p.log.With(zap.String("user_id", doc.UserID), zap.String("filename", doc.Filename))
	if err != nil {
		log.Warn("ingestion failed", zap.Duration("duration", res.Duration), zap.Error(err))
		p.observe("error", res.Duration)
		return res, err
	}
	log.Info("document indexed",
		zap.String("method", res.Method),
		zap.Int("chunks", res.Chunks),
		zap.Duration("duration", res.Duration),
	)
	p.observe("ok", res.Duration)
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, doc Document) (Result, error) {
	res := Result{Filename: doc.Filename}
	if doc.UserID == "" || doc.Filename == "" {
		return res, errors.New("user id and filename are required")
	}

	data := doc.Data
	if len(data) == 0 {
		stored, err := p.blobs.Get(ctx, doc.UserID, doc.Filename)
		if err != nil {
			return res, fmt.Errorf("load stored upload: %w", err)
		}
		data = stored
	}
	path, err := p.blobs.Put(ctx, doc.UserID, doc.Filename, data)
	if err != nil {
		return res, fmt.Errorf("store upload: %w", err)
	}
	res.StoragePath = path

	ext, err := p.extractor.Extract(ctx, data, doc.OCR)
	if err != nil {
		return res, fmt.Errorf("extract text: %w", err)
	}
	res.Method = ext.Method

	pieces := p.chunker.Split(ext.Text)
	if len(pieces) == 0 {
		return res, ErrNoText
	}
	vectors, err := p.embed(ctx, pieces)
	if err != nil {
		return res, fmt.Errorf("embed chunks: %w", err)
	}

	chunks := make([]semantic.Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = semantic.Chunk{Index: i, Content: text, Embedding: vectors[i]}
	}
	if err := p.store.ReplaceChunks(ctx, doc.UserID, doc.Filename, chunks); err != nil {
		return res, fmt.Errorf("store chunks: %w", err)
	}
	// Listed only once searchable, so a failed first upload never shows up.
	if err := p.store.UpsertMetadata(ctx, semantic.Document{
		UserID:      doc.UserID,
		Filename:    doc.Filename,
		StoragePath: path,
		OCR:         doc.OCR,
		SizeBytes:   int64(len(data)),
		ChunkCount:  len(chunks),
	}); err != nil {
		return res, fmt.Errorf("record document: %w", err)
	}
	res.Chunks = len(chunks)
	return res, nil
}

func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		batch := texts[start:min(start+embedBatchSize, len(texts))]
		var vecs [][]float32
		err := reliability.Do(ctx, p.retry, func(ctx context.Context) error {
			var err error
			vecs, err = p.embedder.Embed(ctx, batch)
			return err
		})
		if err != nil {
			if p.metrics != nil {
				p.metrics.ProviderErrors.WithLabelValues(p.embedder.Model(), "embed").Inc()
			}
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *Pipeline) observe(outcome string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveIngestion(outcome, d)
	}
}

func SuccessNotice(filename string) string {
	return fmt.Sprintf("✅ '%s' uploaded & indexed", filename)
}

func FailureNotice(filename string, err error) string {
	return fmt.Sprintf("❌ '%s' failed: %v", filename, err)
}
