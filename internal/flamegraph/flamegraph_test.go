package flamegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/evalprof/internal/evallog"
	"github.com/Benny93/evalprof/internal/model"
)

// evaluation returns an evaluation of name with one step per cost, each
// reading deps.
func evaluation(name string, cost int64, deps ...string) *model.PipelineEvaluation {
	return &model.PipelineEvaluation{
		Predicate: name,
		Steps:     []*model.PipelineStep{{TupleCount: cost, SubPredicates: deps}},
	}
}

func childNames(n *Node) []string {
	names := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		names = append(names, c.Name)
	}
	return names
}

func child(t *testing.T, n *Node, name string) *Node {
	t.Helper()
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	require.Failf(t, "missing child", "%q has no child %q (children: %v)", n.Name, name, childNames(n))
	return nil
}

func TestBuildScope(t *testing.T) {
	t.Parallel()

	t.Run("SharedDependencyCountedOnce", func(t *testing.T) {
		t.Parallel()
		nodes := BuildScope([]*model.PipelineEvaluation{
			evaluation("R", 1, "X", "Y"),
			evaluation("X", 2, "Z"),
			evaluation("Y", 3, "Z"),
			evaluation("Z", 4),
		})

		require.Len(t, nodes, 1)
		r := nodes[0]
		assert.Equal(t, "R", r.Name)
		assert.Equal(t, int64(10), r.Value)
		require.NotNil(t, r.OwnValue)
		assert.Equal(t, int64(1), *r.OwnValue)
		assert.ElementsMatch(t, []string{"X", "Y", "Z"}, childNames(r))
		assert.Empty(t, child(t, r, "X").Children)
		assert.Empty(t, child(t, r, "Y").Children)
	})

	t.Run("RecursiveComponent", func(t *testing.T) {
		t.Parallel()
		nodes := BuildScope([]*model.PipelineEvaluation{
			evaluation("D", 5, "A"),
			evaluation("A", 1, "B"),
			evaluation("B", 2, "A", "E"),
			evaluation("E", 3),
		})

		require.Len(t, nodes, 1)
		d := nodes[0]
		assert.Equal(t, int64(11), d.Value)
		require.Len(t, d.Children, 1)

		cycle := d.Children[0]
		assert.Equal(t, "A, B", cycle.Name)
		assert.Nil(t, cycle.OwnValue)
		assert.Equal(t, int64(6), cycle.Value)
		assert.Equal(t, []string{"A", "B", "E"}, childNames(cycle))
		assert.Empty(t, child(t, cycle, "A").Children, "members do not descend into the cycle")
	})

	t.Run("IterationsAccumulate", func(t *testing.T) {
		t.Parallel()
		nodes := BuildScope([]*model.PipelineEvaluation{
			evaluation("rec", 10, "base"),
			evaluation("rec", 7, "rec", "base"),
			evaluation("rec", 0, "rec", "base"),
		})

		require.Len(t, nodes, 1)
		assert.Equal(t, "rec", nodes[0].Name)
		assert.Equal(t, int64(17), nodes[0].Value)
		assert.Empty(t, nodes[0].Children, "base was not evaluated in the scope")
	})

	t.Run("SharedBetweenOutputs", func(t *testing.T) {
		t.Parallel()
		nodes := BuildScope([]*model.PipelineEvaluation{
			evaluation("out1", 1, "shared"),
			evaluation("out2", 1, "shared"),
			evaluation("shared", 8),
		})

		assert.ElementsMatch(t, []string{"out1", "out2", "shared"}, childNames(&Node{Children: nodes}))
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		nodes := BuildScope(nil)

		assert.NotNil(t, nodes)
		assert.Empty(t, nodes)
	})
}

func TestBuildScope_EveryEvaluatedPredicateOnce(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		n := 1 + rng.Intn(12)

		var evaluations []*model.PipelineEvaluation
		var total int64
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < n; j++ {
				if rng.Float64() < 0.2 {
					deps = append(deps, fmt.Sprintf("p%d", j))
				}
			}
			if rng.Float64() < 0.3 {
				deps = append(deps, "external")
			}
			cost := int64(rng.Intn(100))
			total += cost
			evaluations = append(evaluations, evaluation(fmt.Sprintf("p%d", i), cost, deps...))
		}

		scope := &Node{Children: BuildScope(evaluations)}
		scope.Value = totalValue(scope.Children)

		seen := make(map[string]int)
		Walk(scope, func(_ []string, node *Node) {
			if node.OwnValue != nil {
				seen[node.Name]++
			}
			assert.Equal(t, own(node)+totalValue(node.Children), node.Value, "seed %d: %s", seed, node.Name)
		})

		assert.Len(t, seen, n, "seed %d", seed)
		for name, count := range seen {
			assert.Equal(t, 1, count, "seed %d: %s", seed, name)
		}
		assert.Equal(t, total, scope.Value, "seed %d", seed)
	}
}

func own(n *Node) int64 {
	if n.OwnValue == nil {
		return 0
	}
	return *n.OwnValue
}

const twoQueryLog = `Start query execution
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

func readLog(t *testing.T) *model.LogFile {
	t.Helper()
	logFile, err := evallog.ReadText(context.Background(), twoQueryLog, nil)
	require.NoError(t, err)
	require.Len(t, logFile.Queries, 2)
	return logFile
}

func TestBuild_StageGranularity(t *testing.T) {
	t.Parallel()

	root := Build(readLog(t), Options{Granularity: GranularityStage})

	assert.Equal(t, RootName, root.Name)
	assert.Empty(t, root.Kind)
	assert.Nil(t, root.OwnValue)
	require.Len(t, root.Children, 3)
	assert.Equal(t, int64(22+24+1), root.Value)

	first := root.Children[0]
	assert.Equal(t, KindStage, first.Kind)
	assert.Equal(t, "Edges::{edge, excluded}", first.Name)
	assert.Equal(t, int64(22), first.Value)
	assert.Equal(t, []string{"Edges::edge", "Edges::excluded"}, childNames(first))

	second := root.Children[1]
	assert.Equal(t, "Reach::reach", second.Name)
	require.Len(t, second.Children, 1)
	assert.Equal(t, int64(24), second.Children[0].Value)
	assert.Empty(t, second.Children[0].Children, "Edges::edge was evaluated in another stage")

	third := root.Children[2]
	assert.Equal(t, "Count::total, Edges::edge", third.Name)
	assert.Equal(t, []string{"Count::total"}, childNames(third))
}

func TestBuild_LogWithoutQueryRow(t *testing.T) {
	t.Parallel()

	logFile, err := evallog.ReadText(context.Background(), `[STAGING] Executing stage 0
Starting to evaluate predicate p/1@h
5   ~0%  {1} r1 = SCAN base

CSV_IMB_QUERIES: Query type,Query predicate(s),Query name,Stage number,Success,Stage time (seconds),Number of results,Cumulative time
CSV_IMB_QUERIES: extensional,p,myQuery,0,true,0.1,5,0.1
`, nil)
	require.NoError(t, err)

	root := Build(logFile, Options{})
	assert.Equal(t, int64(5), root.Value)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "p", root.Children[0].Name)
	assert.Equal(t, []string{"p"}, childNames(root.Children[0]))
}

func TestBuild_QueryGranularity(t *testing.T) {
	t.Parallel()

	root := Build(readLog(t), Options{Granularity: GranularityQuery})

	require.Len(t, root.Children, 2)
	assert.Equal(t, int64(47), root.Value)

	reach := root.Children[0]
	assert.Equal(t, KindQuery, reach.Kind)
	assert.Equal(t, "reach.ql", reach.Name)
	assert.Equal(t, int64(46), reach.Value)
	assert.ElementsMatch(t, []string{"Reach::reach", "Edges::excluded"}, childNames(reach))

	rec := child(t, reach, "Reach::reach")
	assert.Equal(t, int64(44), rec.Value)
	assert.Equal(t, []string{"Edges::edge"}, childNames(rec))
}

func TestNode_JSON(t *testing.T) {
	t.Parallel()

	nodes := BuildScope([]*model.PipelineEvaluation{
		evaluation("A", 1, "B"),
		evaluation("B", 2, "A"),
	})
	data, err := json.Marshal(&Node{Name: RootName, Value: totalValue(nodes), Children: nodes})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "root", decoded["name"])
	assert.NotContains(t, decoded, "ownValue")
	assert.NotContains(t, decoded, "kind")

	cycle := decoded["children"].([]any)[0].(map[string]any)
	assert.Equal(t, "A, B", cycle["name"])
	assert.NotContains(t, cycle, "ownValue")

	member := cycle["children"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(1), member["ownValue"])
	assert.Equal(t, []any{}, member["children"])
}

func TestWriteFolded(t *testing.T) {
	t.Parallel()

	root := &Node{Name: RootName, Value: 10, Children: []*Node{{
		Kind: KindStage, Name: "s", Value: 10, Children: []*Node{
			{Name: "a", Value: 10, OwnValue: ptr(6), Children: []*Node{
				{Name: "b", Value: 4, OwnValue: ptr(4), Children: []*Node{}},
			}},
		},
	}}}

	var buf bytes.Buffer
	require.NoError(t, WriteFolded(&buf, root))

	assert.Equal(t, "root;s;a 6\nroot;s;a;b 4\n", buf.String())
}

func TestParseGranularity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Granularity
		wantErr  bool
	}{
		{"", GranularityStage, false},
		{"stage", GranularityStage, false},
		{"query", GranularityQuery, false},
		{"predicate", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseGranularity(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func ptr(v int64) *int64 {
	return &v
}
