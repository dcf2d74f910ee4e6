package semantic

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node store. Search is a brute-force cosine scan
// over the user's chunks.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" pointing at a single database.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS user_documents (
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			storage_path TEXT NOT NULL DEFAULT '',
			ocr INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, filename)
		)`,
		`CREATE TABLE IF NOT EXISTS document_chunks (
			user_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			PRIMARY KEY (user_id, document_id, chunk_index)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Search(ctx context.Context, userID string, embedding []float32, topK int) ([]Fragment, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, chunk_index, content, embedding FROM document_chunks WHERE user_id=?`, userID)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var frags []Fragment
	for rows.Next() {
		var f Fragment
		var blob []byte
		if err := rows.Scan(&f.DocumentID, &f.ChunkIndex, &f.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		f.Score = cosineSimilarity(embedding, decodeVector(blob))
		frags = append(frags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return rankTopK(frags, topK), nil
}

func (s *SQLiteStore) ReplaceChunks(ctx context.Context, userID, docID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE user_id=? AND document_id=?`, userID, docID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (user_id, document_id, chunk_index, content, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, userID, docID, c.Index, c.Content, encodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_documents SET chunk_count=?, updated_at=? WHERE user_id=? AND filename=?`,
		len(chunks), nowString(), userID, docID); err != nil {
		return fmt.Errorf("update chunk count: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, userID, docID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE user_id=? AND document_id=?`, userID, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertMetadata(ctx context.Context, doc Document) error {
	now := nowString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_documents (user_id, filename, storage_path, ocr, size_bytes, chunk_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, filename) DO UPDATE SET
			storage_path = excluded.storage_path,
			ocr = excluded.ocr,
			size_bytes = excluded.size_bytes,
			chunk_count = CASE WHEN excluded.chunk_count > 0 THEN excluded.chunk_count ELSE user_documents.chunk_count END,
			updated_at = excluded.updated_at`,
		doc.UserID, doc.Filename, doc.StoragePath, doc.OCR, doc.SizeBytes, doc.ChunkCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMetadata(ctx context.Context, userID, docID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_documents WHERE user_id=? AND filename=?`, userID, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, filename, storage_path, ocr, size_bytes, chunk_count, created_at, updated_at
		 FROM user_documents WHERE user_id=? ORDER BY filename`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var created, updated string
		if err := rows.Scan(&d.UserID, &d.Filename, &d.StoragePath, &d.OCR, &d.SizeBytes, &d.ChunkCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Embeddings are stored as little-endian float32 blobs.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
