package docstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a map-backed Store for tests and single-node use.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
	}
}

// Load returns the document for id, or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}

	out := *doc
	out.Content = append([]byte(nil), doc.Content...)
	return &out, nil
}

// Save writes content for id and returns its digest.
func (s *MemoryStore) Save(ctx context.Context, id string, content []byte, updatedBy string) (string, error) {
	digest := ContentDigest(content)

	s.mu.Lock()
	s.docs[id] = &Document{
		ID:        id,
		Content:   append([]byte(nil), content...),
		Digest:    digest,
		UpdatedBy: updatedBy,
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()

	return digest, nil
}
