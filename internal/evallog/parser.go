// Package evallog parses query evaluation logs into the structured model.
//
// The Parser recognizes the interesting lines of a log and turns them into
// typed events; the Builder accumulates those events into queries, stages and
// predicates. Lines that match no pattern are ignored.
package evallog

import (
	"encoding/csv"
	"errors"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"

	"github.com/Benny93/evalprof/internal/linestream"
	"github.com/Benny93/evalprof/internal/model"
	"github.com/Benny93/evalprof/internal/ra"
)

// csvColumns is the number of fields of a CSV_IMB_QUERIES row:
// Query type, Query predicate(s), Query name, Stage number, Success,
// Stage time (seconds), Number of results, Cumulative time.
const csvColumns = 8

const (
	colType = iota
	colPredicates
	colName
	colStage
	colSuccess
	colStageTime
	colResults
)

var (
	pipelineStepRegex    = regexp.MustCompile(`^\s*(\d+)\s+~(\d+)%\s+\{(\d+)\}\s+r(\d+)\s+=\s+(.*?)\s*$`)
	queryStartRegex      = regexp.MustCompile(`Start query execution`)
	stageStartRegex      = regexp.MustCompile(`\[STAGING\]`)
	predicateStartRegex  = regexp.MustCompile(`(?:Starting to evaluate predicate|Tuple counts for) (\S+?)/(\d+)`)
	relationWrittenRegex = regexp.MustCompile(`(?:Wrote|Created|Found) relation (\S+?)/(\d+)(?:@\S+)? with (\d+) rows`)
	relationRowsRegex    = regexp.MustCompile(`Relation (\S+?): (\d+) rows`)
	predicateRowsRegex   = regexp.MustCompile(`^\s*- (\S+) has (\d+) rows`)
	cacheFoundRegex      = regexp.MustCompile(`Found in cache: (\S+?)/(\d+)`)
	cacheHitRegex        = regexp.MustCompile(`Cache hit for predicate (\S+?)/(\d+)`)
	executionTimeRegex   = regexp.MustCompile(`^\t(\S+)-(\d+):(\S+) \.+ ((?:\d+(?:h|ms|m|s))+)(?: \(executed (\d+) times\))?`)
	durationPartRegex    = regexp.MustCompile(`(\d+)(h|ms|m|s)`)
	structuredRowRegex   = regexp.MustCompile(`CSV_IMB_QUERIES:\s*(.*)`)
)

// Parser turns log lines into events for a Handler.
type Parser struct {
	handler Handler
	logger  log.Logger

	queryStartLine   *model.SourceLine
	stageStartLine   *model.SourceLine
	currentPredicate string
	pendingSteps     []*model.PipelineStep
	pendingLines     []model.SourceLine
	evaluationSeen   bool
}

// NewParser registers the log grammar on stream. Events are delivered to
// handler synchronously while the stream runs.
func NewParser(stream *linestream.Stream, handler Handler, logger log.Logger) *Parser {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Parser{handler: handler, logger: logger}

	// The pipeline pattern goes first so that its end-of-block flush sees the
	// predicate context before a following lifecycle line replaces it.
	stream.On(pipelineStepRegex, p.onPipelineStep, p.onNonPipelineLine)
	stream.On(queryStartRegex, p.onQueryStart, nil)
	stream.On(stageStartRegex, p.onStageStart, nil)
	stream.On(predicateStartRegex, p.onPredicateStart, nil)
	stream.On(relationWrittenRegex, p.onRelationSize(1, 3), nil)
	stream.On(relationRowsRegex, p.onRelationSize(1, 2), nil)
	stream.On(predicateRowsRegex, p.onRelationSize(1, 2), nil)
	stream.On(cacheFoundRegex, p.onRelationSize(1, 0), nil)
	stream.On(cacheHitRegex, p.onRelationSize(1, 0), nil)
	stream.On(executionTimeRegex, p.onExecutionTime, nil)
	stream.On(structuredRowRegex, p.onStructuredRow, nil)
	stream.OnEnd(p.onEnd)

	return p
}

// EvaluationSeen reports whether any predicate evaluation has been observed.
func (p *Parser) EvaluationSeen() bool {
	return p.evaluationSeen
}

func (p *Parser) onPipelineStep(m linestream.Match) {
	tupleCount, errCount := strconv.ParseInt(m.Groups[1], 10, 64)
	duplication, errDup := strconv.Atoi(m.Groups[2])
	arity, errArity := strconv.Atoi(m.Groups[3])
	target, errTarget := strconv.Atoi(m.Groups[4])
	if err := errors.Join(errCount, errDup, errArity, errTarget); err != nil {
		level.Warn(p.logger).Log("msg", "skipping malformed pipeline step", "line", m.Line.LineNumber, "err", err)
		return
	}

	p.pendingSteps = append(p.pendingSteps, &model.PipelineStep{
		TupleCount:  tupleCount,
		Duplication: duplication,
		Arity:       arity,
		Target:      target,
		Body:        m.Groups[5],
		Line:        m.Line,
	})
	p.pendingLines = append(p.pendingLines, m.Line)
}

func (p *Parser) onNonPipelineLine(line model.SourceLine) {
	p.flushPipeline()
}

// flushPipeline completes the pending pipeline listing, if any.
func (p *Parser) flushPipeline() {
	if len(p.pendingSteps) == 0 {
		return
	}
	if p.currentPredicate != "" {
		p.handler.Handle(PipelineCompleted{Evaluation: &model.PipelineEvaluation{
			Predicate: p.currentPredicate,
			Steps:     p.pendingSteps,
			Lines:     p.pendingLines,
		}})
	} else {
		level.Debug(p.logger).Log("msg", "dropping pipeline without predicate", "line", p.pendingLines[0].LineNumber)
	}
	p.pendingSteps = nil
	p.pendingLines = nil
	p.currentPredicate = ""
}

func (p *Parser) onQueryStart(m linestream.Match) {
	line := m.Line
	p.queryStartLine = &line
	p.handler.Handle(QueryStarted{Line: line})
}

func (p *Parser) onStageStart(m linestream.Match) {
	line := m.Line
	p.stageStartLine = &line
}

func (p *Parser) onPredicateStart(m linestream.Match) {
	arity, _ := strconv.Atoi(m.Groups[2])
	name := ra.RewritePredicateName(m.Groups[1])

	p.currentPredicate = name
	p.evaluationSeen = true
	p.handler.Handle(PredicateStarted{Name: name, Arity: arity, Line: m.Line})
}

// onRelationSize builds a handler for a completion line whose predicate name
// is capture group nameGroup and row count capture group countGroup (0 when
// the phrasing carries no count).
func (p *Parser) onRelationSize(nameGroup, countGroup int) linestream.MatchHandler {
	return func(m linestream.Match) {
		event := PredicateSize{
			Name: ra.RewritePredicateName(m.Groups[nameGroup]),
			Line: m.Line,
		}
		if countGroup > 0 {
			if count, err := strconv.ParseInt(m.Groups[countGroup], 10, 64); err == nil {
				event.RowCount = &count
			}
		}
		p.handler.Handle(event)
	}
}

func (p *Parser) onExecutionTime(m linestream.Match) {
	stage, _ := strconv.Atoi(m.Groups[2])
	event := PredicateTime{
		QueryName:    m.Groups[1],
		StageNumber:  stage,
		Name:         ra.RewritePredicateName(m.Groups[3]),
		Milliseconds: ParseDuration(m.Groups[4]),
		Line:         m.Line,
	}
	if m.Groups[5] != "" {
		if count, err := strconv.Atoi(m.Groups[5]); err == nil {
			event.ExecutionCount = &count
		}
	}
	p.handler.Handle(event)
}

// ParseDuration converts a duration of the form `1h2m3s4ms` (any component
// may be absent) to milliseconds.
func ParseDuration(text string) int64 {
	var total int64
	for _, part := range durationPartRegex.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseInt(part[1], 10, 64)
		if err != nil {
			continue
		}
		switch part[2] {
		case "h":
			total += n * 3600000
		case "m":
			total += n * 60000
		case "s":
			total += n * 1000
		case "ms":
			total += n
		}
	}
	return total
}

func (p *Parser) onStructuredRow(m linestream.Match) {
	reader := csv.NewReader(strings.NewReader(m.Groups[1]))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	fields, err := reader.Read()
	if err != nil {
		level.Warn(p.logger).Log("msg", "unreadable structured row", "line", m.Line.LineNumber, "err", err)
		return
	}
	if len(fields) > 0 && strings.TrimSpace(fields[colType]) == "Query type" {
		return
	}
	if len(fields) != csvColumns {
		level.Warn(p.logger).Log("msg", "malformed structured row", "line", m.Line.LineNumber,
			"fields", len(fields), "expected", csvColumns)
		return
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	if strings.EqualFold(fields[colType], "query") {
		p.handler.Handle(QueryEnded{
			Name:      fields[colName],
			StartLine: p.queryStartLine,
			EndLine:   m.Line,
		})
		p.queryStartLine = nil
		return
	}

	stageNumber, errStage := strconv.Atoi(fields[colStage])
	stageTime, errTime := strconv.ParseFloat(fields[colStageTime], 64)
	numTuples, errTuples := strconv.ParseInt(fields[colResults], 10, 64)
	if errStage != nil || errTime != nil || errTuples != nil {
		level.Warn(p.logger).Log("msg", "malformed structured row", "line", m.Line.LineNumber,
			"row", m.Groups[1])
		return
	}

	predicates := strings.Fields(fields[colPredicates])
	for i, name := range predicates {
		predicates[i] = ra.RewritePredicateName(name)
	}

	p.handler.Handle(StageEnded{
		QueryName:       fields[colName],
		StageNumber:     stageNumber,
		StageTime:       stageTime,
		NumTuples:       numTuples,
		Success:         fields[colSuccess] == "true",
		QueryPredicates: predicates,
		StartLine:       p.stageStartLine,
		EndLine:         m.Line,
	})
	p.stageStartLine = nil
}

func (p *Parser) onEnd() {
	p.flushPipeline()
	p.handler.Handle(EndOfLog{EvaluationSeen: p.evaluationSeen})
}
