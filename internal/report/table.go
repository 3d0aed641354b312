package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/Benny93/evalprof/internal/model"
)

// PredicateCost is a predicate together with the pipeline tuple volume it
// produced.
type PredicateCost struct {
	Query     string             `json:"query"`
	Predicate *model.RaPredicate `json:"predicate"`
	Tuples    int64              `json:"tuples"`
}

// TopPredicates ranks the predicates of all queries by pipeline tuple volume,
// largest first. Ties are broken by predicate name and then query name. A
// non-positive n returns every predicate.
func TopPredicates(logFile *model.LogFile, n int) []PredicateCost {
	costs := make([]PredicateCost, 0)
	for _, q := range logFile.Queries {
		for _, p := range q.RaPredicates {
			costs = append(costs, PredicateCost{Query: q.Name, Predicate: p, Tuples: p.TupleCount()})
		}
	}

	sort.SliceStable(costs, func(i, j int) bool {
		a, b := costs[i], costs[j]
		if a.Tuples != b.Tuples {
			return a.Tuples > b.Tuples
		}
		if a.Predicate.Name != b.Predicate.Name {
			return a.Predicate.Name < b.Predicate.Name
		}
		return a.Query < b.Query
	})

	if n > 0 && len(costs) > n {
		costs = costs[:n]
	}
	return costs
}

var predicateColumns = []string{"Predicate", "Query", "Evaluations", "Tuples", "Rows", "Time", "Executions"}

// PredicateTable writes costs as a markdown table.
func PredicateTable(w io.Writer, costs []PredicateCost) error {
	if len(costs) == 0 {
		_, err := fmt.Fprintln(w, "_No predicates_")
		return err
	}

	alignment := make([]tw.Align, len(predicateColumns))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(predicateColumns)

	for _, c := range costs {
		p := c.Predicate
		row := []string{
			p.Name,
			c.Query,
			fmt.Sprintf("%d", len(p.Evaluations)),
			humanize.Comma(c.Tuples),
			optionalCount(p.RowCount),
			optionalDuration(p.EvaluationTime),
			optionalInt(p.ExecutionCount),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("adding row for %s: %w", p.Name, err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering predicate table: %w", err)
	}
	return nil
}

func optionalCount(v *int64) string {
	if v == nil {
		return "-"
	}
	return humanize.Comma(*v)
}

func optionalDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return humanize.Comma(*ms) + "ms"
}

func optionalInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
