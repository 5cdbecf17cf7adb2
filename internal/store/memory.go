package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// MemoryDocuments is a DocumentStore for tests and single-process runs.
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]*models.Document
}

// NewMemoryDocuments creates an empty MemoryDocuments.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: make(map[string]*models.Document)}
}

func (s *MemoryDocuments) Insert(_ context.Context, doc *models.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id must be set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *MemoryDocuments) Get(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (s *MemoryDocuments) Update(_ context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	updated := cloneDocument(d)
	if err := updated.Apply(fields); err != nil {
		return fmt.Errorf("document %s: %w", id, err)
	}
	s.docs[id] = updated
	return nil
}

func (s *MemoryDocuments) FindByHash(_ context.Context, hash string, status models.UploadStatus) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := s.docs[id]
		if d.FileHash == hash && d.Status == status {
			return cloneDocument(d), nil
		}
	}
	return nil, nil
}

const memoryScheme = "mem://"

// MemoryObjects is an ObjectStore for tests and single-process runs.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjects creates an empty MemoryObjects.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

func (s *MemoryObjects) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return memoryScheme + key, nil
}

func (s *MemoryObjects) Get(_ context.Context, url string) ([]byte, error) {
	key, ok := strings.CutPrefix(url, memoryScheme)
	if !ok {
		return nil, fmt.Errorf("not a %s URL: %q", memoryScheme, url)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
