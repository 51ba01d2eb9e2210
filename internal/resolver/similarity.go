package resolver

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xrash/smetrics"
)

type Metric string

const (
	MetricLevenshtein  Metric = "levenshtein"
	MetricJaroWinkler  Metric = "jaro_winkler"
	MetricTokenJaccard Metric = "token_jaccard"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricLevenshtein, MetricJaroWinkler, MetricTokenJaccard:
		return m, nil
	case "":
		return MetricLevenshtein, nil
	default:
		return "", fmt.Errorf("unknown similarity metric %q", s)
	}
}

// Similarity scores two normalized names in [0,1].
func (m Metric) Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	switch m {
	case MetricJaroWinkler:
		return smetrics.JaroWinkler(a, b, 0.7, 4)
	case MetricTokenJaccard:
		return tokenJaccard(a, b)
	default:
		longest := len(a)
		if len(b) > longest {
			longest = len(b)
		}
		return 1 - float64(smetrics.WagnerFischer(a, b, 1, 1, 1))/float64(longest)
	}
}

func tokenJaccard(a, b string) float64 {
	setA := make(map[string]struct{})
	for _, t := range strings.Fields(a) {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{})
	for _, t := range strings.Fields(b) {
		setB[t] = struct{}{}
	}

	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// Normalize case-folds s, turns punctuation and symbols into spaces and
// collapses whitespace runs.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}
