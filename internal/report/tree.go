// Package report renders the structured model of an evaluation log for
// people: a navigable tree of queries, stages, predicates and pipeline steps,
// and a table of the most expensive predicates.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Benny93/evalprof/internal/model"
)

// Location is a range of lines in the log file, 1-based and inclusive.
type Location struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// String formats the location as path:start-end.
func (l Location) String() string {
	if l.StartLine == l.EndLine {
		return fmt.Sprintf("%s:%d", l.Path, l.StartLine)
	}
	return fmt.Sprintf("%s:%d-%d", l.Path, l.StartLine, l.EndLine)
}

// Item is one node of the structured log tree.
type Item struct {
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	Location    *Location `json:"location,omitempty"`
	Children    []*Item   `json:"children"`
}

// Convert builds the structured tree of logFile. path is the file the log was
// read from and is used for the root label and every Location.
//
// Predicates of a query that no stage reports are listed under the query's
// final stage. The model is not modified.
func Convert(logFile *model.LogFile, path string, logger log.Logger) *Item {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := converter{path: path, logger: logger}

	root := newItem(fmt.Sprintf("Structured log for %s", filepath.Base(path)))
	for _, q := range logFile.Queries {
		root.Children = append(root.Children, c.query(q))
	}
	return root
}

type converter struct {
	path   string
	logger log.Logger
}

func newItem(label string) *Item {
	return &Item{Label: label, Children: []*Item{}}
}

func (c converter) location(start *model.SourceLine, end model.SourceLine) *Location {
	if start == nil {
		return nil
	}
	return &Location{Path: c.path, StartLine: start.LineNumber, EndLine: end.LineNumber}
}

func (c converter) query(q *model.Query) *Item {
	item := newItem("Query " + q.Name)
	item.Location = c.location(q.StartLine, q.EndLine)

	staged := make(map[*model.RaPredicate]bool)
	for _, stage := range q.Stages {
		for _, p := range stage.Predicates {
			staged[p] = true
		}
	}
	var unstaged []*model.RaPredicate
	for _, p := range q.RaPredicates {
		if !staged[p] {
			level.Debug(c.logger).Log("msg", "adding unstaged predicate to final stage", "predicate", p.Name, "query", q.Name)
			unstaged = append(unstaged, p)
		}
	}

	if len(q.Stages) == 0 {
		for _, p := range unstaged {
			item.Children = append(item.Children, c.predicate(p))
		}
		return item
	}
	for i, stage := range q.Stages {
		var extra []*model.RaPredicate
		if i == len(q.Stages)-1 {
			extra = unstaged
		}
		item.Children = append(item.Children, c.stage(stage, extra))
	}
	return item
}

func (c converter) stage(stage *model.Stage, extra []*model.RaPredicate) *Item {
	label := fmt.Sprintf("Stage %d - %d tuples in %ss", stage.StageNumber, stage.NumTuples,
		strconv.FormatFloat(stage.StageTime, 'f', -1, 64))
	if stage.StartLine != nil {
		label += fmt.Sprintf(" (lines %d-%d)", stage.StartLine.LineNumber, stage.EndLine.LineNumber)
	}
	item := newItem(label)
	item.Location = c.location(stage.StartLine, stage.EndLine)

	for _, p := range stage.Predicates {
		item.Children = append(item.Children, c.predicate(p))
	}
	for _, p := range extra {
		item.Children = append(item.Children, c.predicate(p))
	}
	return item
}

func (c converter) predicate(p *model.RaPredicate) *Item {
	label := p.Name
	if p.RowCount != nil {
		label += fmt.Sprintf(" - %d tuples", *p.RowCount)
	}
	if p.EvaluationTime != nil && *p.EvaluationTime > 0 {
		label += fmt.Sprintf(" in %dms", *p.EvaluationTime)
	}
	item := newItem(label)

	switch len(p.Evaluations) {
	case 0:
		item.Label += " (from cache)"
	case 1:
		// A single evaluation lists its steps directly.
		for _, step := range p.Evaluations[0].Steps {
			item.Children = append(item.Children, c.step(step))
		}
	default:
		for i, evaluation := range p.Evaluations {
			item.Children = append(item.Children, c.evaluation(fmt.Sprintf("#%d", i), evaluation))
		}
	}
	return item
}

func (c converter) evaluation(label string, evaluation *model.PipelineEvaluation) *Item {
	item := newItem(label)
	if n := len(evaluation.Lines); n > 0 {
		first := evaluation.Lines[0]
		item.Location = c.location(&first, evaluation.Lines[n-1])
	}
	for _, step := range evaluation.Steps {
		item.Children = append(item.Children, c.step(step))
	}
	return item
}

func (c converter) step(step *model.PipelineStep) *Item {
	item := newItem(fmt.Sprintf("(%d tuples) r%d", step.TupleCount, step.Target))
	item.Description = "= " + step.Body
	line := step.Line
	item.Location = c.location(&line, line)
	return item
}

// Render writes the tree as indented text, one item per line, followed by its
// description and location.
func Render(w io.Writer, root *Item) error {
	return render(w, root, 0)
}

func render(w io.Writer, item *Item, depth int) error {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(item.Label)
	if item.Description != "" {
		b.WriteString(" ")
		b.WriteString(item.Description)
	}
	if item.Location != nil {
		fmt.Fprintf(&b, "  [%s]", item.Location)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("rendering structured log: %w", err)
	}

	for _, child := range item.Children {
		if err := render(w, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
