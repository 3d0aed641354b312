// Evalprof turns query evaluator logs into flame graphs.
//
// It parses an evaluation log into queries, stages and predicate pipelines,
// attributes tuple counts along the dependency dominator tree of each stage
// and stores the resulting profiles for later inspection and search.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/evalprof/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
