package evallog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Benny93/evalprof/internal/linestream"
	"github.com/Benny93/evalprof/internal/model"
	"github.com/Benny93/evalprof/internal/ra"
)

// Builder accumulates parser events into a LogFile.
//
// Predicates are scoped to the query being read: the predicate map is started
// fresh at every query boundary and handed to the Query when it ends. A query
// with stages but no closing row is completed at the next query start or at
// the end of the log, named after its stage rows.
type Builder struct {
	logger log.Logger

	queries        []*model.Query
	evaluationSeen bool

	// state of the query being read
	predicates map[string]*model.RaPredicate
	order      []*model.RaPredicate
	stages     []*model.Stage
	pending    []*model.PipelineEvaluation
	startLine  *model.SourceLine
	queryName  string
}

// NewBuilder creates an empty Builder.
func NewBuilder(logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Builder{logger: logger, queries: []*model.Query{}}
	b.reset()
	return b
}

// LogFile returns the queries completed so far.
func (b *Builder) LogFile() *model.LogFile {
	return &model.LogFile{Queries: b.queries, EvaluationSeen: b.evaluationSeen}
}

// Handle implements Handler.
func (b *Builder) Handle(e Event) {
	switch e := e.(type) {
	case QueryStarted:
		b.closeOpenQuery("line", e.Line.LineNumber)
		line := e.Line
		b.startLine = &line
	case PredicateStarted:
		b.predicate(e.Name)
	case PipelineCompleted:
		p := b.predicate(e.Evaluation.Predicate)
		p.Evaluations = append(p.Evaluations, e.Evaluation)
		b.pending = append(b.pending, e.Evaluation)
	case PredicateSize:
		p := b.predicate(e.Name)
		if e.RowCount != nil {
			count := *e.RowCount
			p.RowCount = &count
		}
	case PredicateTime:
		b.recordTime(e)
	case StageEnded:
		b.endStage(e)
	case QueryEnded:
		b.endQuery(e)
	case EndOfLog:
		b.evaluationSeen = e.EvaluationSeen
		b.closeOpenQuery("at", "end of log")
	}
}

// closeOpenQuery completes a query that saw stage rows but no query row and
// discards predicates that never reached a stage.
func (b *Builder) closeOpenQuery(keyvals ...any) {
	if len(b.stages) > 0 {
		last := b.stages[len(b.stages)-1]
		level.Debug(b.logger).Log(append([]any{"msg", "completing query without a query row",
			"query", b.queryName, "stages", len(b.stages)}, keyvals...)...)
		b.endQuery(QueryEnded{Name: b.queryName, EndLine: last.EndLine})
		return
	}
	if len(b.order) > 0 {
		level.Warn(b.logger).Log(append([]any{"msg", "discarding predicates outside any stage",
			"predicates", len(b.order)}, keyvals...)...)
	}
	b.reset()
}

func (b *Builder) reset() {
	b.predicates = make(map[string]*model.RaPredicate)
	b.order = nil
	b.stages = nil
	b.pending = nil
	b.startLine = nil
	b.queryName = ""
}

// predicate returns the predicate of the current query named name, creating it
// on first reference.
func (b *Builder) predicate(name string) *model.RaPredicate {
	if p, ok := b.predicates[name]; ok {
		return p
	}
	p := &model.RaPredicate{Name: name, Evaluations: []*model.PipelineEvaluation{}}
	b.predicates[name] = p
	b.order = append(b.order, p)
	return p
}

// recordTime attaches an execution time. Summary lines may be printed after
// the query they describe has ended, so completed queries are searched (most
// recent first) before a new predicate is created.
func (b *Builder) recordTime(e PredicateTime) {
	p, ok := b.predicates[e.Name]
	if !ok {
		p = b.completedPredicate(e.QueryName, e.Name)
	}
	if p == nil {
		p = b.predicate(e.Name)
	}
	ms := e.Milliseconds
	p.EvaluationTime = &ms
	if e.ExecutionCount != nil {
		count := *e.ExecutionCount
		p.ExecutionCount = &count
	}
}

func (b *Builder) completedPredicate(queryName, name string) *model.RaPredicate {
	var fallback *model.RaPredicate
	for i := len(b.queries) - 1; i >= 0; i-- {
		q := b.queries[i]
		p := q.Predicate(name)
		if p == nil {
			continue
		}
		if q.Name == queryName {
			return p
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback
}

func (b *Builder) endStage(e StageEnded) {
	stage := &model.Stage{
		StageNumber: e.StageNumber,
		StageTime:   e.StageTime,
		NumTuples:   e.NumTuples,
		Predicates:  []*model.RaPredicate{},
		Evaluations: b.pending,
		StartLine:   e.StartLine,
		EndLine:     e.EndLine,
	}
	if stage.Evaluations == nil {
		stage.Evaluations = []*model.PipelineEvaluation{}
	}
	b.pending = nil

	seen := make(map[string]bool, len(e.QueryPredicates))
	for _, name := range e.QueryPredicates {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := b.predicates[name]; !ok {
			level.Warn(b.logger).Log("msg", "stage summary names a predicate that was never logged",
				"predicate", name, "query", e.QueryName, "stage", e.StageNumber, "line", e.EndLine.LineNumber)
		}
		stage.Predicates = append(stage.Predicates, b.predicate(name))
	}

	b.stages = append(b.stages, stage)
	b.queryName = e.QueryName
}

func (b *Builder) endQuery(e QueryEnded) {
	stages := b.stages
	if stages == nil {
		stages = []*model.Stage{}
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].StageNumber < stages[j].StageNumber
	})

	if len(b.pending) > 0 {
		if len(stages) > 0 {
			last := stages[len(stages)-1]
			last.Evaluations = append(last.Evaluations, b.pending...)
		} else {
			level.Debug(b.logger).Log("msg", "query has no stages, dropping stage scope of evaluations",
				"query", e.Name, "evaluations", len(b.pending))
		}
	}

	b.matchSubPredicates()

	predicates := b.order
	if predicates == nil {
		predicates = []*model.RaPredicate{}
	}
	startLine := e.StartLine
	if startLine == nil {
		startLine = b.startLine
	}
	b.queries = append(b.queries, &model.Query{
		Name:         e.Name,
		Stages:       stages,
		RaPredicates: predicates,
		StartLine:    startLine,
		EndLine:      e.EndLine,
	})
	b.reset()
}

// matchSubPredicates re-reads every pipeline step of the query and resolves its
// references against the complete predicate map. References to predicates
// outside the query are dropped.
func (b *Builder) matchSubPredicates() {
	for _, p := range b.order {
		for _, evaluation := range p.Evaluations {
			for _, step := range evaluation.Steps {
				deps := ra.Extract(step.Body)

				step.SubRelations = deps.InputVariables
				if step.SubRelations == nil {
					step.SubRelations = []int{}
				}
				step.SubPredicates = []string{}
				for _, name := range deps.InputRelations {
					if _, ok := b.predicates[name]; ok {
						step.SubPredicates = append(step.SubPredicates, name)
					}
				}
			}
		}
	}
}

// ReadLog parses a whole evaluation log from r. A read error is returned
// without a partial result.
func ReadLog(ctx context.Context, r io.Reader, logger log.Logger) (*model.LogFile, error) {
	return read(ctx, linestream.FromReader(r), logger)
}

// ReadText parses an evaluation log held in memory.
func ReadText(ctx context.Context, text string, logger log.Logger) (*model.LogFile, error) {
	return read(ctx, linestream.FromText(text), logger)
}

// ReadFile parses the evaluation log stored at path.
func ReadFile(ctx context.Context, path string, logger log.Logger) (*model.LogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	logFile, err := ReadLog(ctx, f, logger)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return logFile, nil
}

func read(ctx context.Context, stream *linestream.Stream, logger log.Logger) (*model.LogFile, error) {
	builder := NewBuilder(logger)
	NewParser(stream, builder, logger)

	if err := stream.Run(ctx); err != nil {
		return nil, fmt.Errorf("reading evaluation log: %w", err)
	}
	return builder.LogFile(), nil
}
