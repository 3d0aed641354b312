package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/evalprof/internal/flamegraph"
	"github.com/Benny93/evalprof/internal/storage"
)

const sampleLog = `Start query execution
[STAGING] Executing stage 0
Starting to evaluate predicate Edges::edge/2@aa11
  10  ~0%  {2} r1 = SCAN edges_raw
  10  ~0%  {2} r2 = r1 AND NOT Edges::excluded(r1)
Starting to evaluate predicate Edges::excluded/1@bb22
   2  ~0%  {1} r1 = SCAN excluded_raw
CSV_IMB_QUERIES: extensional,Edges::edge Edges::excluded,reach.ql,0,true,0.5,12,0.5
[STAGING] Executing stage 1
Starting to evaluate predicate Reach::reach/2@cc33
  10  ~0%  {2} r1 = SCAN Edges::edge
Tuple counts for Reach::reach#prev_delta/2@cc33
  7   ~0%  {2} r1 = JOIN Reach::reach#prev_delta WITH Edges::edge ON FIRST 1 OUTPUT Lhs.0, Rhs.1
  7   ~0%  {2} r2 = r1 AND NOT Reach::reach#prev(r1)
CSV_IMB_QUERIES: recursive,Reach::reach,reach.ql,1,true,1.25,17,1.75
CSV_IMB_QUERIES: Query,Reach::reach,reach.ql,1,true,1.25,17,1.75
Start query execution
Starting to evaluate predicate Count::total/1@dd44
   1  ~0%  {1} r1 = AGGREGATE Edges::edge OUTPUT count
CSV_IMB_QUERIES: extensional,Edges::edge Count::total,count.ql,0,true,0.01,11,0.01
CSV_IMB_QUERIES: Query,Count::total,count.ql,0,true,0.01,11,0.01
`

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunPipeline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeLog(t, dir, "evaluator.log", sampleLog)

	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize("", false))

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var phases []string
	progress := func(phase string, pct float64) {
		if pct == 1.0 {
			phases = append(phases, phase)
		}
	}

	result, err := RunPipeline(context.Background(), path, store, Options{
		Now: func() time.Time { return created },
	}, progress)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(sampleLog))
	wantID := hex.EncodeToString(sum[:])

	t.Run("Profile", func(t *testing.T) {
		p := result.Profile
		assert.Equal(t, wantID, p.ID)
		assert.Equal(t, path, p.LogPath)
		assert.Equal(t, created, p.CreatedAt)
		assert.Equal(t, "stage", p.Granularity)
		assert.Equal(t, 2, p.Queries)
		assert.Equal(t, 3, p.Stages)
		assert.Equal(t, int64(47), p.TotalTuples)
		assert.True(t, p.EvaluationSeen)
		assert.Equal(t, int64(len(sampleLog)), result.Bytes)
	})

	t.Run("PredicatesMostExpensiveFirst", func(t *testing.T) {
		preds := result.Profile.Predicates
		require.Len(t, preds, 5)
		assert.Equal(t, "Reach::reach", preds[0].Name)
		assert.Equal(t, int64(24), preds[0].Tuples)
		assert.Equal(t, 2, preds[0].Evaluations)
		assert.Equal(t, "Edges::edge", preds[1].Name)
		assert.Equal(t, "reach.ql", preds[1].Query)
		assert.Equal(t, "count.ql", preds[4].Query)
		assert.Equal(t, int64(0), preds[4].Tuples)
	})

	t.Run("Phases", func(t *testing.T) {
		assert.Equal(t, []string{"Parsing log", "Building flame graph", "Saving profile"}, phases)
	})

	t.Run("Saved", func(t *testing.T) {
		stored, err := store.GetProfile(context.Background(), wantID)
		require.NoError(t, err)
		assert.Equal(t, int64(47), stored.Flamegraph.Value)
	})
}

func TestRunPipeline_QueryGranularity(t *testing.T) {
	t.Parallel()

	path := writeLog(t, t.TempDir(), "evaluator.log", sampleLog)

	result, err := RunPipeline(context.Background(), path, nil, Options{Granularity: flamegraph.GranularityQuery}, nil)
	require.NoError(t, err)

	root := result.Profile.Flamegraph
	require.Len(t, root.Children, 2)
	assert.Equal(t, flamegraph.KindQuery, root.Children[0].Kind)
	assert.Equal(t, "query", result.Profile.Granularity)
}

func TestRunPipeline_Errors(t *testing.T) {
	t.Parallel()

	t.Run("MissingFile", func(t *testing.T) {
		t.Parallel()
		_, err := RunPipeline(context.Background(), filepath.Join(t.TempDir(), "nope.log"), nil, Options{}, nil)
		assert.ErrorContains(t, err, "opening log")
	})

	t.Run("UnknownGranularity", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, t.TempDir(), "evaluator.log", sampleLog)
		_, err := RunPipeline(context.Background(), path, nil, Options{Granularity: "predicate"}, nil)
		assert.ErrorContains(t, err, "unknown granularity")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, t.TempDir(), "evaluator.log", sampleLog)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := RunPipeline(ctx, path, nil, Options{}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("StoreNotInitialized", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, t.TempDir(), "evaluator.log", sampleLog)
		_, err := RunPipeline(context.Background(), path, storage.NewMemoryBackend(), Options{}, nil)
		assert.ErrorContains(t, err, "saving profile")
	})
}

func TestRunPipeline_LogWithoutEvaluations(t *testing.T) {
	t.Parallel()

	path := writeLog(t, t.TempDir(), "empty.log", "nothing to see here\n")

	result, err := RunPipeline(context.Background(), path, nil, Options{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Profile.EvaluationSeen)
	assert.Equal(t, int64(0), result.Profile.TotalTuples)
	assert.Empty(t, result.Profile.Predicates)
	assert.Equal(t, flamegraph.RootName, result.Profile.Flamegraph.Name)
}
