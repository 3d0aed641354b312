// Package storage persists evaluation profiles.
//
// It defines the ProfileStore protocol that all storage implementations must
// satisfy, along with the profile types shared by the backends. A profile is
// keyed by the content hash of the log it was computed from, so profiling the
// same log twice replaces the earlier profile.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Benny93/evalprof/internal/flamegraph"
)

// ErrProfileNotFound is returned when no profile has the requested ID.
var ErrProfileNotFound = errors.New("profile not found")

var errNotInitialized = errors.New("storage backend not initialized")

// PredicateSummary is the stored digest of one predicate of a profiled log.
type PredicateSummary struct {
	// Name is the canonical predicate name.
	Name string `json:"name"`

	// Query is the name of the query the predicate belongs to.
	Query string `json:"query"`

	// Evaluations is the number of pipeline evaluations.
	Evaluations int `json:"evaluations"`

	// Tuples is the pipeline tuple volume over all evaluations.
	Tuples int64 `json:"tuples"`

	RowCount       *int64 `json:"rowCount,omitempty"`
	EvaluationTime *int64 `json:"evaluationTime,omitempty"`
}

// Profile is the persisted result of profiling one evaluation log.
type Profile struct {
	// ID is the hex SHA-256 of the log contents.
	ID string `json:"id"`

	// LogPath is the path the log was read from.
	LogPath string `json:"logPath"`

	CreatedAt   time.Time `json:"createdAt"`
	Granularity string    `json:"granularity"`

	// Queries and Stages count the completed queries and their stages.
	Queries int `json:"queries"`
	Stages  int `json:"stages"`

	// TotalTuples is the value of the flame graph root.
	TotalTuples int64 `json:"totalTuples"`

	// EvaluationSeen is false when the log showed no predicate evaluation.
	EvaluationSeen bool `json:"evaluationSeen"`

	// Predicates lists every predicate of every query, most expensive first.
	Predicates []PredicateSummary `json:"predicates"`

	Flamegraph *flamegraph.Node `json:"flamegraph"`
}

// SearchResult is a stored predicate matching a search.
type SearchResult struct {
	// ProfileID is the ID of the profile containing the predicate.
	ProfileID string `json:"profileId"`

	// LogPath is the log the profile was computed from.
	LogPath string `json:"logPath"`

	// Predicate is the matching predicate.
	Predicate PredicateSummary `json:"predicate"`

	// Score is the number of query tokens the predicate name matched.
	Score float64 `json:"score"`
}

// ProfileStore defines the interface for storage implementations.
//
// Implementations must be thread-safe and support concurrent access.
type ProfileStore interface {
	// Initialize opens or creates the store at the given path.
	// If readOnly is true, the store is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the store.
	Close() error

	// SaveProfile stores a profile, replacing any profile with the same ID.
	SaveProfile(ctx context.Context, p *Profile) error

	// GetProfile returns the profile with the given ID or ErrProfileNotFound.
	GetProfile(ctx context.Context, id string) (*Profile, error)

	// ListProfiles returns all profiles, newest first.
	ListProfiles(ctx context.Context) ([]*Profile, error)

	// DeleteProfile removes a profile and its predicate index entries.
	// Returns ErrProfileNotFound if there is no such profile.
	DeleteProfile(ctx context.Context, id string) error

	// SearchPredicates finds stored predicates whose names contain the tokens
	// of query, best matches first.
	SearchPredicates(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// FindProfile resolves a full profile ID or a unique ID prefix.
func FindProfile(ctx context.Context, store ProfileStore, id string) (*Profile, error) {
	if id == "" {
		return nil, errors.New("profile id required")
	}

	p, err := store.GetProfile(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	var match *Profile
	for _, candidate := range profiles {
		if !strings.HasPrefix(candidate.ID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("profile id %q is ambiguous", id)
		}
		match = candidate
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return match, nil
}
