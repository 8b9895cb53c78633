package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 开发和测试用
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[Ref]Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[Ref]Document), now: time.Now}
}

func (s *MemoryStore) FetchDocument(ctx context.Context, ref Ref) (*Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (s *MemoryStore) WriteDocument(ctx context.Context, ref Ref, patch Patch) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return ErrNotFound
	}
	if patch.Empty() {
		return nil
	}
	patch.applyTo(&doc)
	doc.UpdatedAt = s.now()
	s.docs[ref] = doc
	return nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *Document) error {
	ref := doc.Ref()
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ref]; ok {
		return ErrDocumentExists
	}
	now := s.now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	s.docs[ref] = *doc
	return nil
}
