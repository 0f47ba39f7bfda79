// Package memory keeps attachment content in process memory.
package memory

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/pkg/common/uuid"
)

var _ clearing.AttachmentContentStore = (*Store)(nil)

// Object is a stored blob.
type Object struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Store is an in-memory clearing.AttachmentContentStore.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewStore creates an empty store.
func NewStore() *Store { return &Store{objects: make(map[string]Object)} }

// Put stores data under contentID and returns its sha1.
func (s *Store) Put(contentID, filename string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[contentID] = Object{Filename: filename, Data: bytes.Clone(data)}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the object stored under contentID.
func (s *Store) Get(contentID string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[contentID]
	return o, ok
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *Store) OpenContent(_ context.Context, contentID string) (io.ReadCloser, error) {
	o, ok := s.Get(contentID)
	if !ok {
		return nil, fmt.Errorf("attachment %s not found", contentID)
	}
	return io.NopCloser(bytes.NewReader(o.Data)), nil
}

func (s *Store) StoreContent(
	_ context.Context,
	filename, contentType string,
	body io.Reader,
) (clearing.StoredContent, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return clearing.StoredContent{}, fmt.Errorf("read attachment %s: %w", filename, err)
	}

	id := uuid.New().String()
	s.mu.Lock()
	s.objects[id] = Object{Filename: filename, ContentType: contentType, Data: data}
	s.mu.Unlock()

	sum := sha1.Sum(data)
	return clearing.StoredContent{ContentID: id, SHA1: hex.EncodeToString(sum[:]), Size: int64(len(data))}, nil
}
