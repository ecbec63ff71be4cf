package discovery

import (
	"sort"
	"strings"

	"github.com/sells-group/prospect-engine/internal/model"
)

// TokenPlaceholder is replaced by a token in query templates.
const TokenPlaceholder = "{token}"

// TokenScore is one ranked token.
type TokenScore struct {
	Token      string  `json:"token"`
	Positive   int     `json:"positive"`
	Population int     `json:"population"`
	Score      float64 `json:"score"`
}

// Rank scores every token that appears in at least minSupport positive
// documents by its positive document frequency relative to its population
// frequency, smoothed by one. Results are sorted by score descending, then
// token ascending.
func Rank(positive, population []map[string]struct{}, minSupport int) []TokenScore {
	if len(positive) == 0 {
		return nil
	}
	if minSupport < 1 {
		minSupport = 1
	}

	pos := docFreq(positive)
	pop := docFreq(population)
	posN := float64(len(positive))
	popN := float64(len(population))

	ranked := make([]TokenScore, 0, len(pos))
	for tok, n := range pos {
		if n < minSupport {
			continue
		}
		m := pop[tok]
		ranked = append(ranked, TokenScore{
			Token:      tok,
			Positive:   n,
			Population: m,
			Score:      (float64(n) / posN) / ((float64(m) + 1) / (popN + 1)),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Token < ranked[j].Token
	})
	return ranked
}

// BuildQueries turns the top maxTokens ranked tokens into at most maxQueries
// suggestions, one per token. Templates rotate across tokens; when a token's
// query was already suggested in history the next template is tried, and the
// token is dropped once every template is exhausted.
func BuildQueries(ranked []TokenScore, templates []string, maxTokens, maxQueries int, history map[string]struct{}) []model.QuerySuggestion {
	if len(templates) == 0 || maxQueries < 1 {
		return nil
	}
	if maxTokens > 0 && len(ranked) > maxTokens {
		ranked = ranked[:maxTokens]
	}

	seenTokens := make(map[string]struct{}, len(ranked))
	seenQueries := make(map[string]struct{}, len(ranked))
	var out []model.QuerySuggestion
	for i, ts := range ranked {
		if len(out) == maxQueries {
			break
		}
		if _, dup := seenTokens[ts.Token]; dup {
			continue
		}
		for k := range templates {
			q := strings.ReplaceAll(templates[(i+k)%len(templates)], TokenPlaceholder, ts.Token)
			key := queryKey(q)
			if _, old := history[key]; old {
				continue
			}
			if _, dup := seenQueries[key]; dup {
				continue
			}
			seenTokens[ts.Token] = struct{}{}
			seenQueries[key] = struct{}{}
			out = append(out, model.QuerySuggestion{Query: q, Token: ts.Token, Score: ts.Score})
			break
		}
	}
	return out
}

func docFreq(docs []map[string]struct{}) map[string]int {
	freq := make(map[string]int)
	for _, d := range docs {
		for tok := range d {
			freq[tok]++
		}
	}
	return freq
}

// queryKey compares queries case- and whitespace-insensitively.
func queryKey(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
