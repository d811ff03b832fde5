package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type ledgerRecord struct {
	doc      Document
	versions []Version
}

// MemoryStore keeps the ledger in process. It enforces the same
// compare-and-set pointer rule as PostgresStore, so the write path behaves
// identically against either backend.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*ledgerRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*ledgerRecord)}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document, first Version) error {
	if first.VersionNumber != 1 || doc.CurrentVersionNumber != 1 {
		return fmt.Errorf("create document %s: %w", doc.ID, ErrVersionOutOfSequence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("create document %s: %w", doc.ID, ErrDocumentExists)
	}
	doc = doc.Clone()
	doc.CreatedAt = first.CreatedAt
	doc.UpdatedAt = first.CreatedAt
	s.docs[doc.ID] = &ledgerRecord{
		doc:      doc,
		versions: []Version{first.Clone()},
	}
	return nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, expectedCurrent int, v Version) error {
	if v.VersionNumber != expectedCurrent+1 {
		return fmt.Errorf("append version %d after %d: %w", v.VersionNumber, expectedCurrent, ErrVersionOutOfSequence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[v.DocumentID]
	if !ok {
		return fmt.Errorf("append version to %s: %w", v.DocumentID, ErrDocumentNotFound)
	}
	if rec.doc.CurrentVersionNumber != expectedCurrent {
		return fmt.Errorf("append version %d to %s: %w", v.VersionNumber, v.DocumentID, ErrConcurrentModification)
	}

	v = v.Clone()
	rec.versions = append(rec.versions, v)
	rec.doc.Title = v.Title
	rec.doc.Content = append(rec.doc.Content[:0:0], v.Content...)
	rec.doc.Mode = v.Mode
	rec.doc.CurrentVersionNumber = v.VersionNumber
	rec.doc.UpdatedAt = v.CreatedAt
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[documentID]
	if !ok {
		return Document{}, fmt.Errorf("get document %s: %w", documentID, ErrDocumentNotFound)
	}
	return rec.doc.Clone(), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Document, 0, len(s.docs))
	for _, rec := range s.docs {
		items = append(items, rec.doc.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetCurrentVersion(_ context.Context, documentID string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[documentID]
	if !ok {
		return Version{}, fmt.Errorf("get current version of %s: %w", documentID, ErrDocumentNotFound)
	}
	return rec.versions[rec.doc.CurrentVersionNumber-1].Clone(), nil
}

func (s *MemoryStore) GetVersion(_ context.Context, documentID string, versionNumber int) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[documentID]
	if !ok {
		return Version{}, fmt.Errorf("get version of %s: %w", documentID, ErrDocumentNotFound)
	}
	if versionNumber < 1 || versionNumber > len(rec.versions) {
		return Version{}, fmt.Errorf("get version %d of %s: %w", versionNumber, documentID, ErrVersionNotFound)
	}
	return rec.versions[versionNumber-1].Clone(), nil
}

func (s *MemoryStore) ListVersions(_ context.Context, documentID string, page Page) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("list versions of %s: %w", documentID, ErrDocumentNotFound)
	}

	top := len(rec.versions)
	if page.Before > 0 && page.Before-1 < top {
		top = page.Before - 1
	}
	items := make([]Version, 0, top)
	for n := top; n >= 1; n-- {
		if page.Limit > 0 && len(items) == page.Limit {
			break
		}
		items = append(items, rec.versions[n-1].Clone())
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
