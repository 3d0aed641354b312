package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRaPredicate_TupleCount(t *testing.T) {
	t.Parallel()

	p := &RaPredicate{
		Name: "p",
		Evaluations: []*PipelineEvaluation{
			{Steps: []*PipelineStep{{TupleCount: 5}, {TupleCount: 7}}},
			{Steps: []*PipelineStep{{TupleCount: 1}}},
		},
	}

	assert.Equal(t, int64(13), p.TupleCount())
	assert.False(t, p.FromCache())
	assert.True(t, (&RaPredicate{Name: "cached"}).FromCache())
}

func TestQuery_Predicate(t *testing.T) {
	t.Parallel()

	q := &Query{RaPredicates: []*RaPredicate{{Name: "a"}, {Name: "b"}}}

	assert.Equal(t, "b", q.Predicate("b").Name)
	assert.Nil(t, q.Predicate("c"))
}

func TestStage_PredicateNames(t *testing.T) {
	t.Parallel()

	s := &Stage{Predicates: []*RaPredicate{{Name: "x"}, {Name: "y"}}}
	assert.Equal(t, []string{"x", "y"}, s.PredicateNames())
}
