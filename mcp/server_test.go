package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

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
`

func newTestServer(t *testing.T) (*Server, *storage.MemoryBackend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize("", false))
	return NewServer(store), store
}

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evaluator.log")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o644))
	return path
}

// profiledServer returns a server with one stored profile and its ID.
func profiledServer(t *testing.T) (*Server, string) {
	t.Helper()
	server, store := newTestServer(t)

	_, err := server.CallTool(context.Background(), "evalprof_profile", map[string]any{"path": writeLog(t)})
	require.NoError(t, err)

	profiles, err := store.ListProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	return server, profiles[0].ID
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)

		require.NotNil(t, server.info)
		assert.Equal(t, ServerName, server.info.Name)
		assert.Equal(t, ServerVersion, server.info.Version)
		assert.NotNil(t, server.store)
		assert.Equal(t, flamegraph.GranularityStage, server.granularity)
	})

	t.Run("Options", func(t *testing.T) {
		t.Parallel()
		server := NewServer(storage.NewMemoryBackend(), WithGranularity(flamegraph.GranularityQuery))
		assert.Equal(t, flamegraph.GranularityQuery, server.granularity)
	})
}

func TestServer_Tools(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	tools := server.ListTools()

	toolNames := make(map[string]bool)
	for _, tool := range tools {
		toolNames[tool.Name] = true
		assert.NotEmpty(t, tool.Description)
		require.NotNil(t, tool.InputSchema)
		assert.Equal(t, "object", tool.InputSchema.Type)
	}

	for _, expected := range []string{
		"evalprof_profile",
		"evalprof_flamegraph",
		"evalprof_predicates",
		"evalprof_search",
		"evalprof_structure",
		"evalprof_profiles",
	} {
		assert.True(t, toolNames[expected], "Should have tool: %s", expected)
	}
}

func TestServer_HandleToolCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, id := profiledServer(t)

	t.Run("Profile", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestServer(t)
		result, err := s.CallTool(ctx, "evalprof_profile", map[string]any{"path": writeLog(t)})
		require.NoError(t, err)
		assert.Contains(t, result, "## Profile "+id[:12])
		assert.Contains(t, result, "**Total tuples:** 46")
		assert.Contains(t, result, "- Edges::{edge, excluded}: 22 tuples")
		assert.Contains(t, result, "- Reach::reach: 24 tuples")
	})

	t.Run("ProfileQueryGranularity", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestServer(t)
		result, err := s.CallTool(ctx, "evalprof_profile", map[string]any{"path": writeLog(t), "granularity": "query"})
		require.NoError(t, err)
		assert.Contains(t, result, "### Level-one frames (query)")
		assert.Contains(t, result, "- reach.ql: 46 tuples")
	})

	t.Run("ProfileMissingPath", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_profile", map[string]any{})
		assert.NoError(t, err)
		assert.Contains(t, result, "No log path provided")
	})

	t.Run("Flamegraph", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_flamegraph", map[string]any{"id": id[:8]})
		require.NoError(t, err)

		var root flamegraph.Node
		require.NoError(t, json.Unmarshal([]byte(result), &root))
		assert.Equal(t, flamegraph.RootName, root.Name)
		assert.Equal(t, int64(46), root.Value)
		assert.Len(t, root.Children, 2)
	})

	t.Run("FlamegraphUnknownID", func(t *testing.T) {
		t.Parallel()
		_, err := server.CallTool(ctx, "evalprof_flamegraph", map[string]any{"id": "zzz"})
		assert.ErrorIs(t, err, storage.ErrProfileNotFound)
	})

	t.Run("Predicates", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_predicates", map[string]any{"id": id, "limit": float64(2)})
		require.NoError(t, err)
		assert.Contains(t, result, "Top 2 predicates")
		assert.Contains(t, result, "1. **Reach::reach** (reach.ql)")
		assert.Contains(t, result, "2. **Edges::edge** (reach.ql)")
		assert.NotContains(t, result, "Edges::excluded")
	})

	t.Run("Search", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_search", map[string]any{"query": "edges"})
		require.NoError(t, err)
		assert.Contains(t, result, "Found 2 results for 'edges'")
		assert.Contains(t, result, "**Edges::edge**")
	})

	t.Run("SearchEmpty", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_search", map[string]any{})
		require.NoError(t, err)
		assert.Contains(t, result, "No query provided")

		result, err = server.CallTool(ctx, "evalprof_search", map[string]any{"query": "nothing"})
		require.NoError(t, err)
		assert.Equal(t, "No results found", result)
	})

	t.Run("Structure", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_structure", map[string]any{"path": writeLog(t)})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(result, "Structured log for evaluator.log"))
		assert.Contains(t, result, "Query reach.ql")
		assert.Contains(t, result, "Stage 1 - 17 tuples in 1.25s")
	})

	t.Run("Profiles", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "evalprof_profiles", nil)
		require.NoError(t, err)
		assert.Contains(t, result, "# Stored Profiles (1)")
		assert.Contains(t, result, "1 queries, 2 stages, 46 tuples, stage")
	})

	t.Run("UnknownTool", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "unknown_tool", map[string]any{})
		assert.ErrorContains(t, err, "unknown tool")
		assert.Empty(t, result)
	})
}

func TestServer_Resources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("ListResources", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)
		for _, res := range server.ListResources() {
			assert.NotEmpty(t, res.Name)
			assert.NotEmpty(t, res.Description)
			assert.NotEmpty(t, res.MimeType)
		}
	})

	t.Run("EmptyStore", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)

		content, err := server.ReadResource(ctx, "evalprof://profiles")
		require.NoError(t, err)
		assert.Equal(t, "No profiles stored", content)

		_, err = server.ReadResource(ctx, "evalprof://latest/flamegraph")
		assert.ErrorContains(t, err, "no profiles stored")
	})

	t.Run("LatestFlamegraph", func(t *testing.T) {
		t.Parallel()
		server, _ := profiledServer(t)

		content, err := server.ReadResource(ctx, "evalprof://latest/flamegraph")
		require.NoError(t, err)
		assert.Contains(t, content, `"name":"root"`)
	})

	t.Run("Schema", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)
		content, err := server.ReadResource(ctx, "evalprof://schema")
		require.NoError(t, err)
		assert.Contains(t, content, "ownValue")
	})

	t.Run("Unknown", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)
		content, err := server.ReadResource(ctx, "evalprof://unknown")
		assert.ErrorContains(t, err, "unknown resource")
		assert.Empty(t, content)
	})
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	t.Run("RunWithNilStreams", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)
		assert.Error(t, server.Run(context.Background(), nil, nil))
	})

	t.Run("Session", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)

		requests := strings.Join([]string{
			`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
			`not json`,
			`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"evalprof_profile","arguments":{"path":"` + writeLog(t) + `"}}}`,
			`{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"evalprof://latest/flamegraph"}}`,
			`{"jsonrpc":"2.0","id":5,"method":"bogus"}`,
		}, "\n")

		var out bytes.Buffer
		require.NoError(t, server.Run(context.Background(), strings.NewReader(requests), &out))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 6, "the notification gets no response")

		responses := make([]map[string]any, len(lines))
		for i, line := range lines {
			require.NoError(t, json.Unmarshal([]byte(line), &responses[i]))
		}

		initResult := responses[0]["result"].(map[string]any)
		assert.Equal(t, protocolVersion, initResult["protocolVersion"])
		serverInfo := initResult["serverInfo"].(map[string]any)
		assert.Equal(t, ServerName, serverInfo["name"])
		assert.Equal(t, ServerVersion, serverInfo["version"])
		capabilities := initResult["capabilities"].(map[string]any)
		assert.Contains(t, capabilities, "tools")
		assert.Contains(t, capabilities, "resources")

		tools := responses[1]["result"].(map[string]any)["tools"].([]any)
		assert.Len(t, tools, 6)
		first := tools[0].(map[string]any)
		assert.Equal(t, "evalprof_profile", first["name"])
		assert.Equal(t, "object", first["inputSchema"].(map[string]any)["type"])

		assert.Equal(t, float64(-32700), responses[2]["error"].(map[string]any)["code"])

		content := responses[3]["result"].(map[string]any)["content"].([]any)
		assert.Equal(t, "text", content[0].(map[string]any)["type"])
		assert.Contains(t, content[0].(map[string]any)["text"], "**Total tuples:** 46")

		contents := responses[4]["result"].(map[string]any)["contents"].([]any)
		assert.Equal(t, "application/json", contents[0].(map[string]any)["mimeType"])
		assert.Equal(t, "evalprof://latest/flamegraph", contents[0].(map[string]any)["uri"])

		assert.Equal(t, float64(-32601), responses[5]["error"].(map[string]any)["code"])
	})

	t.Run("ResourcesList", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)

		var out bytes.Buffer
		require.NoError(t, server.Run(context.Background(),
			strings.NewReader(`{"jsonrpc":"2.0","id":"r","method":"resources/list"}`), &out))

		var resp map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
		assert.Equal(t, "r", resp["id"])
		resources := resp["result"].(map[string]any)["resources"].([]any)
		require.Len(t, resources, 3)
		latest := resources[1].(map[string]any)
		assert.Equal(t, "evalprof://latest/flamegraph", latest["uri"])
		assert.Equal(t, "application/json", latest["mimeType"])
	})

	t.Run("CancelledContext", func(t *testing.T) {
		t.Parallel()
		server, _ := newTestServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := server.Run(ctx, strings.NewReader(`{"id":1,"method":"ping"}`), &bytes.Buffer{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
