// Package ingestion turns evaluation logs on disk into stored profiles.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Benny93/evalprof/internal/evallog"
	"github.com/Benny93/evalprof/internal/flamegraph"
	"github.com/Benny93/evalprof/internal/model"
	"github.com/Benny93/evalprof/internal/report"
	"github.com/Benny93/evalprof/internal/storage"
)

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	Profile      *storage.Profile
	LogFile      *model.LogFile
	Bytes        int64
	DurationSecs float64
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// Options configures a pipeline run.
type Options struct {
	Granularity flamegraph.Granularity

	// Logger receives parse diagnostics. Nil discards them.
	Logger log.Logger

	// Now stamps the profile. Nil uses time.Now.
	Now func() time.Time
}

// RunPipeline reads the log at logPath, builds its flame graph and saves the
// resulting profile to store. A nil store skips saving.
func RunPipeline(
	ctx context.Context,
	logPath string,
	store storage.ProfileStore,
	opts Options,
	progress ProgressCallback,
) (*PipelineResult, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	granularity, err := flamegraph.ParseGranularity(string(opts.Granularity))
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(logPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	// Phase 1: Parsing
	phase := phaseReporter(progress)
	phase("Parsing log", 0.0)

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", absPath, err)
	}
	defer f.Close()

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(f, hasher)}
	logFile, err := evallog.ReadLog(ctx, counter, log.With(logger, "file", absPath))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", absPath, err)
	}
	phase("Parsing log", 1.0)

	if !logFile.EvaluationSeen {
		level.Warn(logger).Log("msg", "no predicate evaluation found in log", "file", absPath)
	}

	// Phase 2: Flame graph
	phase("Building flame graph", 0.0)
	root := flamegraph.Build(logFile, flamegraph.Options{Granularity: granularity})
	phase("Building flame graph", 1.0)

	profile := NewProfile(hex.EncodeToString(hasher.Sum(nil)), absPath, logFile, root, granularity, now())

	// Phase 3: Storage
	if store != nil {
		phase("Saving profile", 0.0)
		if err := store.SaveProfile(ctx, profile); err != nil {
			return nil, fmt.Errorf("saving profile: %w", err)
		}
		phase("Saving profile", 1.0)
	}

	level.Debug(logger).Log("msg", "profiled log", "file", absPath, "id", profile.ID,
		"queries", profile.Queries, "stages", profile.Stages, "tuples", profile.TotalTuples)

	return &PipelineResult{
		Profile:      profile,
		LogFile:      logFile,
		Bytes:        counter.n,
		DurationSecs: time.Since(start).Seconds(),
	}, nil
}

// NewProfile summarizes a parsed log and its flame graph.
func NewProfile(
	id, logPath string,
	logFile *model.LogFile,
	root *flamegraph.Node,
	granularity flamegraph.Granularity,
	createdAt time.Time,
) *storage.Profile {
	stages := 0
	for _, q := range logFile.Queries {
		stages += len(q.Stages)
	}

	costs := report.TopPredicates(logFile, 0)
	predicates := make([]storage.PredicateSummary, 0, len(costs))
	for _, c := range costs {
		predicates = append(predicates, storage.PredicateSummary{
			Name:           c.Predicate.Name,
			Query:          c.Query,
			Evaluations:    len(c.Predicate.Evaluations),
			Tuples:         c.Tuples,
			RowCount:       c.Predicate.RowCount,
			EvaluationTime: c.Predicate.EvaluationTime,
		})
	}

	return &storage.Profile{
		ID:             id,
		LogPath:        logPath,
		CreatedAt:      createdAt.UTC(),
		Granularity:    string(granularity),
		Queries:        len(logFile.Queries),
		Stages:         stages,
		TotalTuples:    root.Value,
		EvaluationSeen: logFile.EvaluationSeen,
		Predicates:     predicates,
		Flamegraph:     root,
	}
}

func phaseReporter(progress ProgressCallback) ProgressCallback {
	if progress == nil {
		return func(string, float64) {}
	}
	return progress
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
