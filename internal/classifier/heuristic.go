package classifier

import (
	"strings"
	"unicode"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

const (
	heuristicBase     = 0.4
	heuristicPerHit   = 0.1
	heuristicCeiling  = 0.7
	heuristicNoMatch  = 0.3
	minNameTokenRunes = 3
)

// Generic name parts that say nothing about intent.
var ignoredNameTokens = map[string]bool{
	"agent":   true,
	"handler": true,
	"service": true,
	"tool":    true,
}

// Heuristic scores each descriptor by keyword and name-token hits in the
// message. The first descriptor with the highest score wins.
func Heuristic(message string, catalogue []domain.CapabilityDescriptor) domain.RoutingDecision {
	lower := strings.ToLower(message)
	words := wordSet(lower)

	best, bestHits := "", 0
	for _, d := range catalogue {
		hits := score(d, lower, words)
		if hits > bestHits {
			best, bestHits = d.Name, hits
		}
	}

	decision := domain.RoutingDecision{
		Arguments:  map[string]any{},
		IsFallback: true,
		Source:     domain.SourceHeuristic,
	}
	if bestHits == 0 {
		decision.Confidence = heuristicNoMatch
		return decision
	}
	decision.Capability = best
	decision.Confidence = min(heuristicCeiling, heuristicBase+heuristicPerHit*float64(bestHits))
	return decision
}

func score(d domain.CapabilityDescriptor, lower string, words map[string]bool) int {
	hits := 0
	seen := map[string]bool{}
	for _, kw := range d.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		if strings.Contains(kw, " ") {
			if strings.Contains(lower, kw) {
				hits++
			}
		} else if words[kw] {
			hits++
		}
	}
	for _, tok := range nameTokens(d.Name) {
		if !seen[tok] && words[tok] {
			seen[tok] = true
			hits++
		}
	}
	return hits
}

func nameTokens(name string) []string {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || unicode.IsSpace(r)
	})
	out := parts[:0]
	for _, p := range parts {
		if len([]rune(p)) >= minNameTokenRunes && !ignoredNameTokens[p] {
			out = append(out, p)
		}
	}
	return out
}

// wordSet also holds a naive singular for plural words.
func wordSet(lower string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
		if len(w) > 3 && strings.HasSuffix(w, "s") {
			words[strings.TrimSuffix(w, "s")] = true
		}
	}
	return words
}
