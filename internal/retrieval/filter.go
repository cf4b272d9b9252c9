package retrieval

import (
	"strconv"
	"strings"
)

// FilterByMetadata applies predicate filters to an already-ranked result
// list. Scores are preserved untouched; documents unknown to the corpus are
// dropped. Filter values arrive from the tool-calling loop as loosely typed
// JSON, so scalars and lists are both accepted where it makes sense.
//
// Supported keys: verified (bool), sentiment (string or list), category
// (string or list), language (string or list), author_type (string or list),
// min_engagement (number or numeric string).
func (e *Engine) FilterByMetadata(results []SearchResult, filters map[string]interface{}) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		doc, ok := e.byID[r.DocumentID]
		if !ok {
			continue
		}

		if v, ok := filters["verified"]; ok {
			want, ok := v.(bool)
			if ok && doc.Author.Verified != want {
				continue
			}
		}
		if v, ok := filters["sentiment"]; ok && !matchesString(doc.Sentiment, v) {
			continue
		}
		if v, ok := filters["category"]; ok && !matchesString(doc.Category, v) {
			continue
		}
		if v, ok := filters["language"]; ok && !matchesString(doc.Language, v) {
			continue
		}
		if v, ok := filters["author_type"]; ok && !matchesString(doc.Author.AuthorType, v) {
			continue
		}
		if v, ok := filters["min_engagement"]; ok {
			min, ok := asInt(v)
			// An unparseable threshold skips the filter rather than
			// dropping everything.
			if ok && doc.Engagement.Total() < min {
				continue
			}
		}

		out = append(out, r)
	}
	return out
}

// matchesString accepts a scalar or a list of acceptable values.
func matchesString(got string, want interface{}) bool {
	switch w := want.(type) {
	case string:
		return strings.EqualFold(got, w)
	case []string:
		for _, s := range w {
			if strings.EqualFold(got, s) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, item := range w {
			if s, ok := item.(string); ok && strings.EqualFold(got, s) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
