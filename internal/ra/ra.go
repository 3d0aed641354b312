// Package ra extracts dependency information from relational algebra
// expressions as they appear in pipeline lines of an evaluation log.
package ra

import (
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

// deltaSuffixes are the suffixes the engine appends to the delta relations of
// a recursive predicate. Order matters: the longer suffixes share a prefix
// with "#prev".
var deltaSuffixes = []string{"#cur_delta", "#prev_delta", "#prev"}

// excludedPrefixes mark tokens that name operators rather than relations.
var excludedPrefixes = []string{"HIGHER-ORDER RELATION ", "PRIMITIVE "}

var (
	stringLiteralRegex = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	identifierRegex    = regexp.MustCompile(`[A-Za-z#][\w:#]+`)
	variableRegex      = regexp.MustCompile(`^r(\d+)$`)
)

// RewritePredicateName maps the delta variants of a recursive predicate onto
// the predicate itself, e.g. `foo#prev_delta` becomes `foo`.
//
// Suffixes are stripped until none remains, so the rewrite is idempotent.
func RewritePredicateName(name string) string {
	for {
		stripped := false
		for _, suffix := range deltaSuffixes {
			if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
				name = strings.TrimSuffix(name, suffix)
				stripped = true
				break
			}
		}
		if !stripped {
			return name
		}
	}
}

// Dependencies lists what an RA expression reads.
type Dependencies struct {
	// InputVariables are the ids of the local intermediate results (r1, r2, ...)
	// referenced by the expression, ascending.
	InputVariables []int

	// InputRelations are the canonical names of the other predicates referenced
	// by the expression, in order of first appearance.
	InputRelations []string
}

// Extract tokenizes an RA expression and classifies its identifiers into local
// variable references and predicate references. String literals are ignored.
func Extract(body string) Dependencies {
	text := stringLiteralRegex.ReplaceAllLiteralString(body, `""`)

	variables := make(map[int]bool)
	relations := make(map[string]bool)
	var deps Dependencies

	for _, loc := range identifierRegex.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if end < len(text) && text[end] == '(' {
			continue // function call
		}
		if isAnnotated(text[:start]) {
			continue
		}

		token := text[start:end]
		if m := variableRegex.FindStringSubmatch(token); m != nil {
			id, err := strconv.Atoi(m[1])
			if err == nil && !variables[id] {
				variables[id] = true
				deps.InputVariables = append(deps.InputVariables, id)
			}
			continue
		}
		if isKeyword(token) {
			continue
		}

		name := RewritePredicateName(token)
		if !relations[name] {
			relations[name] = true
			deps.InputRelations = append(deps.InputRelations, name)
		}
	}

	sort.Ints(deps.InputVariables)
	return deps
}

// isAnnotated reports whether the text preceding a token marks it as an
// operator name or annotation.
func isAnnotated(prefix string) bool {
	if prefix == "" {
		return false
	}
	switch prefix[len(prefix)-1] {
	case '$', '@', '#':
		return true
	}
	for _, marker := range excludedPrefixes {
		if strings.HasSuffix(prefix, marker) {
			return true
		}
	}
	return false
}

// isKeyword reports whether a token is RA syntax: an all-uppercase keyword or
// a boolean literal.
func isKeyword(token string) bool {
	if token == "true" || token == "false" {
		return true
	}
	return strings.ToUpper(token) == token
}
