package memory

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Fold case-folds text. Casers carry state, so each call gets its own.
func Fold(text string) string {
	return cases.Fold().String(text)
}

// Tokens splits text into case-folded words of two or more characters.
func Tokens(text string) []string {
	words := strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) >= 2 {
			out = append(out, w)
		}
	}
	return out
}

// Score is the share of query words present in the fact, with a bonus when
// the fact key contains the whole query.
func Score(query string, fact Fact) float64 {
	q := Tokens(query)
	if len(q) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, w := range Tokens(fact.Key + " " + fact.Text) {
		have[w] = true
	}
	hits := 0
	for _, w := range q {
		if have[w] {
			hits++
		}
	}
	score := float64(hits) / float64(len(q))
	if score > 0 && strings.Contains(Fold(fact.Key), Fold(strings.TrimSpace(query))) {
		score += 1
	}
	return score
}

// Rank scores candidates against the query, drops non-matches and facts
// outside the filter, and returns the best first up to the filter limit.
func Rank(query string, filter Filter, candidates []Fact) []Fact {
	var out []Fact
	for _, f := range candidates {
		if !filter.Matches(f) {
			continue
		}
		f.Score = Score(query, f)
		if f.Score > 0 {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out
}
