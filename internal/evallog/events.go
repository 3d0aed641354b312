package evallog

import "github.com/Benny93/evalprof/internal/model"

// Event is a typed occurrence recognized in the evaluation log.
type Event interface {
	event()
}

// Handler consumes the events produced by a Parser, in log order.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

// Handle implements Handler.
func (f HandlerFunc) Handle(e Event) { f(e) }

// QueryStarted is emitted for a "Start query execution" line.
type QueryStarted struct {
	Line model.SourceLine
}

// QueryEnded is emitted for a structured result row of type "Query".
type QueryEnded struct {
	Name      string
	StartLine *model.SourceLine
	EndLine   model.SourceLine
}

// StageEnded is emitted for a structured result row describing a stage.
type StageEnded struct {
	QueryName       string
	StageNumber     int
	StageTime       float64
	NumTuples       int64
	Success         bool
	QueryPredicates []string
	StartLine       *model.SourceLine
	EndLine         model.SourceLine
}

// PredicateStarted is emitted when the log opens the evaluation (or the tuple
// count listing) of a predicate.
type PredicateStarted struct {
	Name  string
	Arity int
	Line  model.SourceLine
}

// PipelineCompleted is emitted when a predicate's pipeline listing ends.
type PipelineCompleted struct {
	Evaluation *model.PipelineEvaluation
}

// PredicateSize is emitted when a relation is completed or found in cache.
// RowCount is nil when the line carries no count.
type PredicateSize struct {
	Name     string
	RowCount *int64
	Line     model.SourceLine
}

// PredicateTime is emitted for an execution time summary line.
type PredicateTime struct {
	Name           string
	QueryName      string
	StageNumber    int
	Milliseconds   int64
	ExecutionCount *int
	Line           model.SourceLine
}

// EndOfLog is emitted once after the last line.
type EndOfLog struct {
	// EvaluationSeen reports whether any predicate evaluation was observed.
	EvaluationSeen bool
}

func (QueryStarted) event()      {}
func (QueryEnded) event()        {}
func (StageEnded) event()        {}
func (PredicateStarted) event()  {}
func (PipelineCompleted) event() {}
func (PredicateSize) event()     {}
func (PredicateTime) event()     {}
func (EndOfLog) event()          {}
