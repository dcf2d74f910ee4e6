package semantic

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Chunk is one retrievable slice of a document.
type Chunk struct {
	Index     int
	Content   string
	Embedding []float32
}

// Fragment is a search hit, ordered by descending Score.
type Fragment struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Document is the metadata record for one uploaded file. The filename is
// the document id within a user scope.
type Document struct {
	UserID      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storage_path"`
	OCR         bool      `json:"ocr"`
	SizeBytes   int64     `json:"size_bytes"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store holds per-user document chunks and their embeddings. Deleting
// something that does not exist is not an error.
type Store interface {
	Search(ctx context.Context, userID string, embedding []float32, topK int) ([]Fragment, error)
	// ReplaceChunks swaps every chunk of docID for chunks atomically.
	ReplaceChunks(ctx context.Context, userID, docID string, chunks []Chunk) error
	DeleteChunks(ctx context.Context, userID, docID string) error
	UpsertMetadata(ctx context.Context, doc Document) error
	DeleteMetadata(ctx context.Context, userID, docID string) error
	ListDocuments(ctx context.Context, userID string) ([]Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore keeps the original uploaded bytes.
type BlobStore interface {
	Put(ctx context.Context, userID, filename string, data []byte) (string, error)
	Get(ctx context.Context, userID, filename string) ([]byte, error)
	Delete(ctx context.Context, userID, filename string) error
}
