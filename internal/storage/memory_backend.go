package storage

import (
	"context"
	"sync"
)

// MemoryBackend is an in-memory implementation of ProfileStore for testing
// and for runs that do not persist profiles.
type MemoryBackend struct {
	mu          sync.RWMutex
	profiles    map[string]*Profile
	initialized bool
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		profiles: make(map[string]*Profile),
	}
}

// Initialize implements ProfileStore.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = make(map[string]*Profile)
	}
	m.initialized = true
	return nil
}

// Close implements ProfileStore.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = nil
	m.initialized = false
	return nil
}

// IsInitialized reports whether Initialize was called since the last Close.
func (m *MemoryBackend) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// SaveProfile implements ProfileStore.
func (m *MemoryBackend) SaveProfile(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return errNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := *p
	m.profiles[p.ID] = &stored
	return nil
}

// GetProfile implements ProfileStore.
func (m *MemoryBackend) GetProfile(ctx context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, errNotInitialized
	}

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := *p
	return &out, nil
}

// ListProfiles implements ProfileStore.
func (m *MemoryBackend) ListProfiles(ctx context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, errNotInitialized
	}

	profiles := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out := *p
		profiles = append(profiles, &out)
	}
	sortProfiles(profiles)
	return profiles, nil
}

// DeleteProfile implements ProfileStore.
func (m *MemoryBackend) DeleteProfile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return errNotInitialized
	}
	if _, ok := m.profiles[id]; !ok {
		return ErrProfileNotFound
	}
	delete(m.profiles, id)
	return nil
}

// SearchPredicates implements ProfileStore.
func (m *MemoryBackend) SearchPredicates(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, errNotInitialized
	}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []SearchResult{}, nil
	}

	scores := make(map[hit]float64)
	for id, p := range m.profiles {
		for i, pred := range p.Predicates {
			nameTokens := make(map[string]bool)
			for _, t := range tokenize(pred.Name) {
				nameTokens[t] = true
			}
			for _, t := range tokens {
				if nameTokens[t] {
					scores[hit{profileID: id, index: i}]++
				}
			}
		}
	}

	lookup := func(h hit) (SearchResult, bool) {
		p := m.profiles[h.profileID]
		return SearchResult{ProfileID: p.ID, LogPath: p.LogPath, Predicate: p.Predicates[h.index]}, true
	}
	return rankHits(scores, lookup, limit), nil
}
