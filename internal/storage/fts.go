package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

// Key prefixes for the predicate index
const (
	prefixToken = "t:" // t:token:profileID:index -> empty
)

var (
	separatorRegex = regexp.MustCompile(`[_.\-\s#:,{}]+`)
	camelRegex     = regexp.MustCompile(`([a-z])([A-Z])`)
	numberRegex    = regexp.MustCompile(`([a-zA-Z])(\d)|(\d)([a-zA-Z])`)
)

// tokenize splits a predicate name into searchable tokens.
// Handles `::` namespaces, `#` suffixes, camelCase and snake_case.
func tokenize(text string) []string {
	if text == "" {
		return nil
	}

	tokens := make(map[string]bool)

	for _, part := range separatorRegex.Split(text, -1) {
		if part == "" {
			continue
		}
		tokens[strings.ToLower(part)] = true

		// Split camelCase: "getParent" -> "get", "Parent"
		camelSplit := camelRegex.ReplaceAllString(part, "$1 $2")
		camelSplit = numberRegex.ReplaceAllString(camelSplit, "$1$3 $2$4")
		for _, word := range strings.Fields(camelSplit) {
			tokens[strings.ToLower(word)] = true
		}
	}

	result := make([]string, 0, len(tokens))
	for token := range tokens {
		result = append(result, token)
	}
	sort.Strings(result)
	return result
}

// tokenKey is the index key of predicate index of profile profileID.
func tokenKey(token, profileID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%d", prefixToken, token, profileID, index))
}

// parseTokenKey splits an index key found under prefix `t:<token>:`.
func parseTokenKey(key, prefix string) (profileID string, index int, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	sep := strings.LastIndexByte(rest, ':')
	if sep < 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(rest[sep+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:sep], index, true
}

type hit struct {
	profileID string
	index     int
}

// rankHits orders matches by score, then tuple volume, then name and applies
// limit.
func rankHits(scores map[hit]float64, lookup func(hit) (SearchResult, bool), limit int) []SearchResult {
	results := make([]SearchResult, 0, len(scores))
	for h, score := range scores {
		result, ok := lookup(h)
		if !ok {
			continue
		}
		result.Score = score
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Predicate.Tuples != b.Predicate.Tuples {
			return a.Predicate.Tuples > b.Predicate.Tuples
		}
		if a.Predicate.Name != b.Predicate.Name {
			return a.Predicate.Name < b.Predicate.Name
		}
		return a.ProfileID < b.ProfileID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
