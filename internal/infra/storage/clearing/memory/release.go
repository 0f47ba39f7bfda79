package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
)

var _ clearing.ReleaseRepository = (*ReleaseStore)(nil)

// ReleaseStore is an in-memory clearing.ReleaseRepository for tests and
// local development. It keeps the same optimistic revision semantics as the
// PostgreSQL store and hands out deep copies.
type ReleaseStore struct {
	mu       sync.Mutex
	releases map[string]*clearing.Release
	order    []string
}

// NewReleaseStore creates an empty store.
func NewReleaseStore() *ReleaseStore {
	return &ReleaseStore{releases: make(map[string]*clearing.Release)}
}

// CreateRelease stores r at revision 1.
func (s *ReleaseStore) CreateRelease(_ context.Context, r *clearing.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.releases[r.ID]; ok {
		return fmt.Errorf("release %s already exists", r.ID)
	}
	r.Revision = 1
	if r.ClearingState == "" {
		r.ClearingState = clearing.ClearingStateNew
	}
	s.releases[r.ID] = r.Clone()
	s.order = append(s.order, r.ID)
	return nil
}

// GetRelease returns a copy of the stored release.
func (s *ReleaseStore) GetRelease(_ context.Context, releaseID string) (*clearing.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.releases[releaseID]
	if !ok {
		return nil, clearing.ErrReleaseNotFound
	}
	return r.Clone(), nil
}

// UpdateRelease replaces the stored release if its revision matches.
func (s *ReleaseStore) UpdateRelease(_ context.Context, r *clearing.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.releases[r.ID]
	if !ok {
		return clearing.ErrReleaseNotFound
	}
	if stored.Revision != r.Revision {
		return clearing.ErrConcurrentModification
	}

	next := r.Clone()
	// Attachments are append-only.
	for _, a := range stored.Attachments {
		if !next.HasAttachment(a.ContentID) {
			next.Attachments = append(next.Attachments, a)
		}
	}
	if err := checkSingleActive(next); err != nil {
		return err
	}
	next.Revision = stored.Revision + 1
	s.releases[r.ID] = next
	r.Revision = next.Revision
	return nil
}

// checkSingleActive mirrors the unique index of the SQL schema.
func checkSingleActive(r *clearing.Release) error {
	seen := make(map[clearing.Tool]bool)
	for _, p := range r.Processes {
		if p.IsOutdated() {
			continue
		}
		if seen[p.Tool()] {
			return fmt.Errorf("%w: release %s would have two active %s processes", clearing.ErrIllegalState, r.ID, p.Tool())
		}
		seen[p.Tool()] = true
	}
	return nil
}

// ListReleaseIDsByClearingState returns ids in insertion order.
func (s *ReleaseStore) ListReleaseIDsByClearingState(
	_ context.Context,
	states []clearing.ClearingState,
	limit int,
) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, id := range s.order {
		if !slices.Contains(states, s.releases[id].ClearingState) {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// ListReleaseIDsByProcessStatus returns ids in insertion order.
func (s *ReleaseStore) ListReleaseIDsByProcessStatus(
	_ context.Context,
	tool clearing.Tool,
	statuses []clearing.ProcessStatus,
	limit int,
) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, id := range s.order {
		if !slices.ContainsFunc(s.releases[id].Processes, func(p *clearing.Process) bool {
			return p.Tool() == tool && slices.Contains(statuses, p.Status())
		}) {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// Bump increments the stored revision without other changes, as another
// writer of the release document would.
func (s *ReleaseStore) Bump(releaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.releases[releaseID]; ok {
		r.Revision++
	}
}

// SetClearingState overwrites the stored clearing state and bumps the
// revision, e.g. for a manual approval made in the portal.
func (s *ReleaseStore) SetClearingState(releaseID string, state clearing.ClearingState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.releases[releaseID]; ok {
		r.ClearingState = state
		r.Revision++
	}
}
