package semantic

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore keeps chunks in a pgvector column and searches by cosine
// distance.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0")
	}

	// The vector type must exist before pool connections register it.
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	_, err = conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	_ = conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_documents (
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			storage_path TEXT NOT NULL DEFAULT '',
			ocr BOOLEAN NOT NULL DEFAULT FALSE,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, filename)
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			user_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, document_id, chunk_index)
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_user ON document_chunks (user_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, userID string, embedding []float32, topK int) ([]Fragment, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, chunk_index, content, 1 - (embedding <=> $2) AS score
		 FROM document_chunks WHERE user_id=$1
		 ORDER BY embedding <=> $2, document_id, chunk_index LIMIT $3`,
		userID,
		pgvector.NewVector(embedding),
		topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	frags := make([]Fragment, 0, topK)
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.DocumentID, &f.ChunkIndex, &f.Content, &f.Score); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		frags = append(frags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return frags, nil
}

func (s *PostgresStore) ReplaceChunks(ctx context.Context, userID, docID string, chunks []Chunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM document_chunks WHERE user_id=$1 AND document_id=$2`, userID, docID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(
				`INSERT INTO document_chunks (user_id, document_id, chunk_index, content, embedding)
				 VALUES ($1, $2, $3, $4, $5)`,
				userID, docID, c.Index, c.Content, pgvector.NewVector(c.Embedding),
			)
		}
		batch.Queue(
			`UPDATE user_documents SET chunk_count=$3, updated_at=now() WHERE user_id=$1 AND filename=$2`,
			userID, docID, len(chunks),
		)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, userID, docID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM document_chunks WHERE user_id=$1 AND document_id=$2`, userID, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMetadata(ctx context.Context, doc Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_documents (user_id, filename, storage_path, ocr, size_bytes, chunk_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, filename) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			ocr = EXCLUDED.ocr,
			size_bytes = EXCLUDED.size_bytes,
			chunk_count = CASE WHEN EXCLUDED.chunk_count > 0 THEN EXCLUDED.chunk_count ELSE user_documents.chunk_count END,
			updated_at = now()`,
		doc.UserID, doc.Filename, doc.StoragePath, doc.OCR, doc.SizeBytes, doc.ChunkCount,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMetadata(ctx context.Context, userID, docID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM user_documents WHERE user_id=$1 AND filename=$2`, userID, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, filename, storage_path, ocr, size_bytes, chunk_count, created_at, updated_at
		 FROM user_documents WHERE user_id=$1 ORDER BY filename`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var created, updated time.Time
		if err := rows.Scan(&d.UserID, &d.Filename, &d.StoragePath, &d.OCR, &d.SizeBytes, &d.ChunkCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		d.CreatedAt, d.UpdatedAt = created.UTC(), updated.UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
