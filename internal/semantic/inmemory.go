package semantic

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is an in-process store for tests and local runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	chunks map[docKey][]Chunk
	docs   map[docKey]Document
}

type docKey struct {
	userID string
	docID  string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chunks: make(map[docKey][]Chunk),
		docs:   make(map[docKey]Document),
	}
}

func (s *InMemoryStore) Search(_ context.Context, userID string, embedding []float32, topK int) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var frags []Fragment
	for key, chunks := range s.chunks {
		if key.userID != userID {
			continue
		}
		for _, c := range chunks {
			frags = append(frags, Fragment{
				DocumentID: key.docID,
				ChunkIndex: c.Index,
				Content:    c.Content,
				Score:      cosineSimilarity(embedding, c.Embedding),
			})
		}
	}
	return rankTopK(frags, topK), nil
}

func (s *InMemoryStore) ReplaceChunks(_ context.Context, userID, docID string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey{userID, docID}
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	s.chunks[key] = cp
	if doc, ok := s.docs[key]; ok {
		doc.ChunkCount = len(chunks)
		doc.UpdatedAt = time.Now().UTC()
		s.docs[key] = doc
	}
	return nil
}

func (s *InMemoryStore) DeleteChunks(_ context.Context, userID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, docKey{userID, docID})
	return nil
}

func (s *InMemoryStore) UpsertMetadata(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey{doc.UserID, doc.Filename}
	now := time.Now().UTC()
	if prev, ok := s.docs[key]; ok {
		doc.CreatedAt = prev.CreatedAt
		if doc.ChunkCount == 0 {
			doc.ChunkCount = prev.ChunkCount
		}
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.docs[key] = doc
	return nil
}

func (s *InMemoryStore) DeleteMetadata(_ context.Context, userID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docKey{userID, docID})
	return nil
}

func (s *InMemoryStore) ListDocuments(_ context.Context, userID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for key, doc := range s.docs {
		if key.userID == userID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
