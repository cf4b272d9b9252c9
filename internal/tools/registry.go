package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/corpus"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/retrieval"
)

// ToolSchema describes one invokable operation in OpenAI function-calling
// format, sent verbatim to the reasoning service.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// TrendReport aggregates temporal analysis over a result window.
type TrendReport struct {
	DailyCounts           map[string]int `json:"daily_counts"`
	SentimentDistribution map[string]int `json:"sentiment_distribution"`
	TotalEngagement       int            `json:"total_engagement"`
	AverageEngagement     float64        `json:"average_engagement"`
}

// ToolResult is the in-band outcome of one tool invocation. Tool-level
// failures (unknown tool, bad arguments, empty slices) are captured here and
// never surface as Go errors, so the calling loop can continue with partial
// data.
type ToolResult struct {
	Success bool                     `json:"success"`
	Results []retrieval.SearchResult `json:"results"`
	Message string                   `json:"message"`
	Trends  *TrendReport             `json:"trends,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// Registry is a named catalog of retrieval operations. All tools are backed
// by the shared read-only engine, so a single registry serves concurrent
// runs.
type Registry struct {
	engine *retrieval.Engine
	logger *zap.Logger

	// created_at ascending, built once at construction
	temporal []temporalEntry
}

type temporalEntry struct {
	at  time.Time
	doc *corpus.Document
}

// NewRegistry builds the registry and its temporal index.
func NewRegistry(engine *retrieval.Engine, logger *zap.Logger) *Registry {
	r := &Registry{engine: engine, logger: logger}
	docs := engine.Documents()
	for i := range docs {
		if !docs[i].CreatedAt.IsZero() {
			r.temporal = append(r.temporal, temporalEntry{at: docs[i].CreatedAt, doc: &docs[i]})
		}
	}
	sort.Slice(r.temporal, func(i, j int) bool { return r.temporal[i].at.Before(r.temporal[j].at) })
	return r
}

func intParam(desc string, def int) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc, "default": def}
}

func stringParam(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

// DescribeTools returns the schemas for every registered tool.
func (r *Registry) DescribeTools() []ToolSchema {
	searchParams := func(queryDesc string) map[string]interface{} {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": stringParam(queryDesc),
				"top_k": intParam("Number of results to return (default: 10)", 10),
			},
			"required": []string{"query"},
		}
	}

	return []ToolSchema{
		{
			Name:        "keyword_search",
			Description: "Search posts using keyword matching. Good for exact terms, hashtags, or specific phrases.",
			Parameters:  searchParams("Search query with keywords or phrases"),
		},
		{
			Name:        "semantic_search",
			Description: "Search posts using semantic similarity. Good for finding conceptually related content even without exact keyword matches.",
			Parameters:  searchParams("Natural language query describing what to find"),
		},
		{
			Name:        "hybrid_search",
			Description: "Combine keyword and semantic search for best results. Recommended default search method.",
			Parameters:  searchParams("Search query"),
		},
		{
			Name:        "user_profile_lookup",
			Description: "Find all posts by a specific author/user. Useful for analyzing individual perspectives or tracking author activity.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"author_name": stringParam("Display name or username of the author"),
					"verified_only": map[string]interface{}{
						"type":        "boolean",
						"description": "Only return posts from verified accounts",
						"default":     false,
					},
				},
				"required": []string{},
			},
		},
		{
			Name:        "temporal_trend_analyzer",
			Description: "Analyze posts over time periods. Useful for identifying trends, spikes, or temporal patterns.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"days_back": intParam("Number of days to look back (default: 7)", 7),
					"query":     stringParam("Optional: filter posts by this query before temporal analysis"),
					"category":  stringParam("Optional: restrict analysis to one category"),
				},
				"required": []string{},
			},
		},
		{
			Name:        "filter_by_metadata",
			Description: "Filter posts by metadata criteria (sentiment, engagement, author type, etc.). Use after retrieving initial results.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"posts": map[string]interface{}{
						"type":        "array",
						"description": "List of post IDs to filter (from previous search results)",
					},
					"sentiment": map[string]interface{}{
						"type":        "string",
						"description": "Filter by sentiment: 'positive', 'negative', or 'neutral'",
						"enum":        []string{"positive", "negative", "neutral"},
					},
					"min_engagement": map[string]interface{}{
						"type":        "integer",
						"description": "Minimum total engagement (likes + retweets + replies)",
					},
					"verified_only": map[string]interface{}{
						"type":        "boolean",
						"description": "Only include verified authors",
						"default":     false,
					},
					"author_type": map[string]interface{}{
						"type":        "string",
						"description": "Filter by author type: 'researcher', 'influencer', 'developer', 'journalist', 'regular_user'",
						"enum":        []string{"researcher", "influencer", "developer", "journalist", "regular_user"},
					},
				},
				"required": []string{},
			},
		},
	}
}

// Invoke executes a named tool. Failures are reported in-band; Invoke itself
// never panics or returns a Go error.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	start := time.Now()
	res := r.invoke(ctx, name, args)

	status := "ok"
	if !res.Success {
		status = "error"
	}
	ometrics.RecordToolMetrics(name, status, time.Since(start).Seconds())

	if !res.Success {
		r.logger.Warn("Tool invocation failed",
			zap.String("tool", name),
			zap.String("error", res.Error),
		)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	switch name {
	case "keyword_search":
		query, topK, ok := searchArgs(args)
		if !ok {
			return failure("query argument is required")
		}
		results := r.engine.LexicalSearch(ctx, query, topK)
		return success(results, fmt.Sprintf("Found %d results", len(results)))

	case "semantic_search":
		query, topK, ok := searchArgs(args)
		if !ok {
			return failure("query argument is required")
		}
		results := r.engine.SemanticSearch(ctx, query, topK)
		return success(results, fmt.Sprintf("Found %d results", len(results)))

	case "hybrid_search":
		query, topK, ok := searchArgs(args)
		if !ok {
			return failure("query argument is required")
		}
		results := r.engine.HybridSearch(ctx, query, topK)
		return success(results, fmt.Sprintf("Found %d results", len(results)))

	case "user_profile_lookup":
		return r.userProfileLookup(args)

	case "temporal_trend_analyzer":
		return r.temporalTrend(ctx, args)

	case "filter_by_metadata":
		return r.filterByMetadata(args)

	default:
		return failure(fmt.Sprintf("Unknown tool: %s", name))
	}
}

func (r *Registry) userProfileLookup(args map[string]interface{}) ToolResult {
	authorName, _ := args["author_name"].(string)
	verifiedOnly, _ := args["verified_only"].(bool)
	if authorName == "" {
		return failure("author_name argument is required")
	}

	needle := strings.ToLower(authorName)
	var results []retrieval.SearchResult
	for _, doc := range r.engine.Documents() {
		if !strings.Contains(strings.ToLower(doc.Author.DisplayName), needle) &&
			!strings.Contains(strings.ToLower(doc.Author.Username), needle) {
			continue
		}
		if verifiedOnly && !doc.Author.Verified {
			continue
		}
		results = append(results, retrieval.SearchResult{DocumentID: doc.ID, Score: 1, Source: retrieval.SourceLexical})
	}
	return success(results, fmt.Sprintf("Found %d posts by this author", len(results)))
}

// temporalTrend filters the corpus to a trailing day window, optionally by
// query or category, and ranks survivors by a recency/engagement composite.
func (r *Registry) temporalTrend(ctx context.Context, args map[string]interface{}) ToolResult {
	daysBack := 7
	if v, ok := asInt(args["days_back"]); ok && v > 0 {
		daysBack = v
	}
	category, _ := args["category"].(string)
	query, _ := args["query"].(string)

	end := time.Now()
	startWindow := end.AddDate(0, 0, -daysBack)

	var window []*corpus.Document
	for _, entry := range r.temporal {
		if entry.at.Before(startWindow) || entry.at.After(end) {
			continue
		}
		if category != "" && !strings.EqualFold(entry.doc.Category, category) {
			continue
		}
		window = append(window, entry.doc)
	}

	if query != "" && len(window) > 0 {
		matched := map[string]struct{}{}
		for _, sr := range r.engine.HybridSearch(ctx, query, len(window)) {
			matched[sr.DocumentID] = struct{}{}
		}
		kept := window[:0]
		for _, doc := range window {
			if _, ok := matched[doc.ID]; ok {
				kept = append(kept, doc)
			}
		}
		window = kept
	}

	trends := &TrendReport{
		DailyCounts:           map[string]int{},
		SentimentDistribution: map[string]int{"positive": 0, "negative": 0, "neutral": 0},
	}
	results := make([]retrieval.SearchResult, 0, len(window))
	for _, doc := range window {
		trends.DailyCounts[doc.CreatedAt.Format("2006-01-02")]++
		if _, ok := trends.SentimentDistribution[doc.Sentiment]; ok {
			trends.SentimentDistribution[doc.Sentiment]++
		}
		trends.TotalEngagement += doc.Engagement.Total() + doc.Engagement.Bookmarks

		// Recency/engagement composite: newer and busier posts first.
		age := end.Sub(doc.CreatedAt).Hours() / 24
		recency := 1 - age/float64(daysBack)
		if recency < 0 {
			recency = 0
		}
		score := 0.5*recency + 0.5*engagementScore(doc.Engagement.Total())
		results = append(results, retrieval.SearchResult{DocumentID: doc.ID, Score: score, Source: retrieval.SourceHybrid})
	}
	if len(window) > 0 {
		trends.AverageEngagement = float64(trends.TotalEngagement) / float64(len(window))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})

	res := success(results, fmt.Sprintf("Analyzed %d posts from %s to %s",
		len(window), startWindow.Format("2006-01-02"), end.Format("2006-01-02")))
	res.Trends = trends
	return res
}

// engagementScore squashes raw engagement into [0,1).
func engagementScore(total int) float64 {
	return float64(total) / float64(total+1000)
}

func (r *Registry) filterByMetadata(args map[string]interface{}) ToolResult {
	ids, ok := asStringSlice(args["posts"])
	if !ok {
		return failure("posts argument must be a list of post IDs")
	}

	input := make([]retrieval.SearchResult, 0, len(ids))
	for _, id := range ids {
		if _, found := r.engine.Document(id); found {
			input = append(input, retrieval.SearchResult{DocumentID: id, Score: 1, Source: retrieval.SourceHybrid})
		}
	}

	filters := map[string]interface{}{}
	if v, ok := args["sentiment"]; ok {
		filters["sentiment"] = v
	}
	if v, ok := args["min_engagement"]; ok {
		filters["min_engagement"] = v
	}
	if v, ok := args["verified_only"].(bool); ok && v {
		filters["verified"] = true
	}
	if v, ok := args["author_type"]; ok {
		filters["author_type"] = v
	}

	filtered := r.engine.FilterByMetadata(input, filters)
	return success(filtered, fmt.Sprintf("Filtered to %d posts matching criteria", len(filtered)))
}

func searchArgs(args map[string]interface{}) (query string, topK int, ok bool) {
	query, _ = args["query"].(string)
	if query == "" {
		return "", 0, false
	}
	topK = 10
	if v, found := asInt(args["top_k"]); found && v > 0 {
		topK = v
	}
	return query, topK, true
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

func success(results []retrieval.SearchResult, msg string) ToolResult {
	return ToolResult{Success: true, Results: results, Message: msg}
}

func failure(errMsg string) ToolResult {
	return ToolResult{Success: false, Results: []retrieval.SearchResult{}, Message: errMsg, Error: errMsg}
}
