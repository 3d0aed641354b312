package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for different data types
const (
	prefixProfile = "p:" // profile JSON
)

// BadgerBackend is a BadgerDB-backed storage implementation.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// SaveProfile stores p and indexes its predicate names, replacing any
// profile with the same ID.
func (b *BadgerBackend) SaveProfile(ctx context.Context, p *Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return errNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}

	if err := b.deleteProfileTokens(p.ID); err != nil {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set(profileKey(p.ID), data); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	for i, pred := range p.Predicates {
		for _, token := range tokenize(pred.Name) {
			if err := wb.Set(tokenKey(token, p.ID, i), nil); err != nil {
				return fmt.Errorf("indexing predicate %s: %w", pred.Name, err)
			}
		}
	}

	return wb.Flush()
}

// GetProfile retrieves a profile by ID.
func (b *BadgerBackend) GetProfile(ctx context.Context, id string) (*Profile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, errNotInitialized
	}

	var profile *Profile
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		profile, err = readProfile(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// ListProfiles returns every stored profile, newest first.
func (b *BadgerBackend) ListProfiles(ctx context.Context) ([]*Profile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, errNotInitialized
	}

	profiles := make([]*Profile, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixProfile)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p Profile
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("decoding profile %s: %w", it.Item().Key(), err)
			}
			profiles = append(profiles, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortProfiles(profiles)
	return profiles, nil
}

// DeleteProfile removes a profile and its index entries.
func (b *BadgerBackend) DeleteProfile(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return errNotInitialized
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(profileKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrProfileNotFound
			}
			return err
		}
		return txn.Delete(profileKey(id))
	})
	if err != nil {
		return err
	}

	return b.deleteProfileTokens(id)
}

// deleteProfileTokens removes all index entries of a profile.
func (b *BadgerBackend) deleteProfileTokens(id string) error {
	marker := ":" + id + ":"
	var keys [][]byte

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixToken)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if strings.Contains(string(key), marker) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning predicate index: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("removing index entry: %w", err)
		}
	}
	return wb.Flush()
}

// SearchPredicates scores every indexed predicate by the number of query
// tokens its name contains.
func (b *BadgerBackend) SearchPredicates(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, errNotInitialized
	}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []SearchResult{}, nil
	}

	var results []SearchResult
	err := b.db.View(func(txn *badger.Txn) error {
		scores := make(map[hit]float64)
		for _, token := range tokens {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := prefixToken + token + ":"
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				id, index, ok := parseTokenKey(string(it.Item().Key()), prefix)
				if ok {
					scores[hit{profileID: id, index: index}]++
				}
			}
			it.Close()
		}

		profiles := make(map[string]*Profile)
		lookup := func(h hit) (SearchResult, bool) {
			p, ok := profiles[h.profileID]
			if !ok {
				var err error
				p, err = readProfile(txn, h.profileID)
				if err != nil {
					return SearchResult{}, false
				}
				profiles[h.profileID] = p
			}
			if h.index < 0 || h.index >= len(p.Predicates) {
				return SearchResult{}, false
			}
			return SearchResult{ProfileID: p.ID, LogPath: p.LogPath, Predicate: p.Predicates[h.index]}, true
		}
		results = rankHits(scores, lookup, limit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func readProfile(txn *badger.Txn, id string) (*Profile, error) {
	item, err := txn.Get(profileKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	var p Profile
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	}); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", id, err)
	}
	return &p, nil
}

func profileKey(id string) []byte {
	return []byte(prefixProfile + id)
}

// sortProfiles orders profiles newest first, then by ID.
func sortProfiles(profiles []*Profile) {
	sort.Slice(profiles, func(i, j int) bool {
		if !profiles[i].CreatedAt.Equal(profiles[j].CreatedAt) {
			return profiles[i].CreatedAt.After(profiles[j].CreatedAt)
		}
		return profiles[i].ID < profiles[j].ID
	})
}
