// Package model defines the structured representation of a query evaluation log.
//
// A LogFile holds the queries that completed in the log, each query holds its
// evaluation stages, and each stage refers to the RA predicates it produced.
// Cross references between predicates are kept by name; the builder in
// package evallog resolves them once the whole query has been read.
package model

// SourceLine is one line of the input log.
type SourceLine struct {
	// Text is the raw line text without its line terminator.
	Text string `json:"text"`

	// LineNumber is the 1-based position of the line in the log.
	LineNumber int `json:"lineNumber"`
}

// PipelineStep is one line of a predicate's evaluation pipeline, e.g.
//
//	963  ~0%  {1} r2 = JOIN r1 WITH stmts_10#join_rhs AS R ON FIRST 1 OUTPUT R.<1>
type PipelineStep struct {
	// TupleCount is the cardinality of the intermediate result.
	TupleCount int64 `json:"tupleCount"`

	// Duplication is the duplication percentage reported by the engine.
	Duplication int `json:"duplication"`

	// Arity is the number of columns of the intermediate result.
	Arity int `json:"arity"`

	// Target is the id of the intermediate result defined by the step (2 for r2).
	Target int `json:"target"`

	// Body is the RA expression text after the `=`.
	Body string `json:"body"`

	// SubRelations are the ids of the intermediate results the step reads.
	SubRelations []int `json:"subRelations"`

	// SubPredicates are the names of the other predicates of the same query the
	// step reads. Filled in when the enclosing query ends.
	SubPredicates []string `json:"subPredicates"`

	// Line is the log line the step was read from.
	Line SourceLine `json:"line"`
}

// PipelineEvaluation is one full evaluation attempt of a predicate.
type PipelineEvaluation struct {
	// Predicate is the canonical name of the evaluated predicate.
	Predicate string `json:"predicate"`

	// Steps are the pipeline lines in log order.
	Steps []*PipelineStep `json:"steps"`

	// Lines are the source lines spanned by the evaluation.
	Lines []SourceLine `json:"lines"`
}

// TupleCount returns the sum of the tuple counts of all steps.
func (e *PipelineEvaluation) TupleCount() int64 {
	var total int64
	for _, step := range e.Steps {
		total += step.TupleCount
	}
	return total
}

// RaPredicate is a predicate of the relational algebra program.
type RaPredicate struct {
	// Name is the canonical predicate name, unique within a query.
	Name string `json:"name"`

	// Evaluations are the pipeline evaluations of the predicate. Empty when the
	// predicate was served from cache.
	Evaluations []*PipelineEvaluation `json:"evaluations"`

	// RowCount is the final number of rows, when the log reports it.
	RowCount *int64 `json:"rowCount,omitempty"`

	// EvaluationTime is the reported evaluation time in milliseconds.
	EvaluationTime *int64 `json:"evaluationTime,omitempty"`

	// ExecutionCount is the number of times the predicate was executed.
	ExecutionCount *int `json:"executionCount,omitempty"`
}

// FromCache reports whether the predicate has no pipeline evaluations.
func (p *RaPredicate) FromCache() bool {
	return len(p.Evaluations) == 0
}

// TupleCount returns the pipeline tuple volume summed over all evaluations.
func (p *RaPredicate) TupleCount() int64 {
	var total int64
	for _, e := range p.Evaluations {
		total += e.TupleCount()
	}
	return total
}

// Stage is one evaluation stage of a query.
type Stage struct {
	// StageNumber is the 0-based execution order of the stage.
	StageNumber int `json:"stageNumber"`

	// StageTime is the wall time of the stage in seconds.
	StageTime float64 `json:"stageTime"`

	// NumTuples is the total number of rows produced by the stage.
	NumTuples int64 `json:"numTuples"`

	// Predicates are the predicates the log attributes to this stage.
	Predicates []*RaPredicate `json:"predicates"`

	// Evaluations are the pipeline evaluations completed while the stage was open.
	Evaluations []*PipelineEvaluation `json:"evaluations"`

	StartLine *SourceLine `json:"startLine,omitempty"`
	EndLine   SourceLine  `json:"endLine"`
}

// PredicateNames returns the names of the stage's predicates in log order.
func (s *Stage) PredicateNames() []string {
	names := make([]string, len(s.Predicates))
	for i, p := range s.Predicates {
		names[i] = p.Name
	}
	return names
}

// Query is one query of the log.
type Query struct {
	Name string `json:"name"`

	// Stages are sorted by StageNumber.
	Stages []*Stage `json:"stages"`

	// RaPredicates holds every predicate seen while the query ran, in first-seen order.
	RaPredicates []*RaPredicate `json:"raPredicates"`

	StartLine *SourceLine `json:"startLine,omitempty"`
	EndLine   SourceLine  `json:"endLine"`
}

// Predicate returns the predicate with the given canonical name, or nil.
func (q *Query) Predicate(name string) *RaPredicate {
	for _, p := range q.RaPredicates {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// LogFile is the structured form of a whole evaluation log.
type LogFile struct {
	// Queries are listed in the order they completed.
	Queries []*Query `json:"queries"`

	// EvaluationSeen is false when no predicate evaluation was observed at all,
	// which usually means the input is not an evaluation log.
	EvaluationSeen bool `json:"evaluationSeen"`
}
