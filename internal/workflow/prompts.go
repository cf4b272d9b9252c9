package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lodestone-ai/lodestone/internal/corpus"
)

const plannerSystemPrompt = `You are an expert research planner. Break down queries into clear steps.

Return JSON:
{
    "query_type": "trend_analysis|info_extraction|comparison|sentiment|temporal|other",
    "use_tool_calling": true|false,
    "steps": [
        {"step_number": 1, "action": "search", "description": "...", "tools": ["semantic_search", "keyword_search"]},
        {"step_number": 2, "action": "filter", "description": "...", "filters": {...}},
        {"step_number": 3, "action": "analyze", "description": "..."}
    ],
    "success_criteria": ["criterion1", "criterion2"],
    "expected_complexity": "low|medium|high"
}

Set use_tool_calling true only when the query needs iterative tool selection
based on intermediate results.`

const validatorSystemPrompt = `You are a retrieval quality validator. Judge how well the retrieved
documents match the intent of the research query.

Return JSON:
{
    "relevance_score": 0.0-1.0,
    "reason": "short explanation"
}

Score 1.0 means every document is directly on topic; 0.0 means nothing
retrieved relates to the query.`

const analystSystemPrompt = `You are a research analyst. Analyze data and identify patterns, themes, insights.

Return JSON:
{
    "main_themes": ["theme1", "theme2"],
    "key_insights": ["insight1", "insight2"],
    "sentiment_analysis": {"positive": count, "negative": count, "neutral": count},
    "notable_findings": ["finding1", "finding2"],
    "data_quality": "high|medium|low",
    "confidence": 0.0-1.0,
    "gaps_or_limitations": ["gap1", "gap2"]
}`

const refinerSystemPrompt = `You are a research refinement specialist. Evaluate if the current
analysis is sufficient or if additional steps are needed.

Return JSON:
{
    "refinement_needed": true|false,
    "reason": "explanation",
    "next_steps": [
        {"action": "search", "description": "exact search query to run for this step"}
    ],
    "confidence_improvement_expected": 0.0-1.0
}

For next_steps: use action "search" with a clear "description" that is the exact
search query to run (e.g. "negative sentiment posts about X", "high engagement
posts from verified users"). The description will be used as the search query.`

const evaluatorSystemPrompt = `You are a research strategy evaluator. Determine if the current
research plan needs to be completely revised (not just refined with more searches).

Return JSON:
{
    "replan_needed": true|false,
    "reason": "explanation",
    "suggested_strategy": "description of new approach if replan needed"
}

Replan if:
- The retrieved data is fundamentally wrong (e.g., 90% sarcasm when query asks for serious analysis)
- The search strategy is misaligned with query intent
- Data quality issues require a completely different approach (not just more searches)

Do NOT replan if:
- Just need more data (use refinement instead)
- Need to filter existing results (use refinement instead)
- Confidence is low but strategy is sound (use refinement instead)`

const criticSystemPrompt = `You are a research critique specialist. Review the analysis and summary
for hallucinations (unsupported claims), bias, and factual errors.

Return JSON:
{
    "critique_passed": true|false,
    "hallucinations": ["claim1 not supported", "claim2 not in data"],
    "biases": ["selection bias: only positive posts", "temporal bias: only recent data"],
    "corrections": ["correction1", "correction2"],
    "confidence_adjustment": 0.0-1.0,
    "revised_summary": "corrected summary if critique failed"
}

Be strict: flag any claim that cannot be directly supported by the retrieved data.`

const summarizerSystemPrompt = `You are a research summarization expert. Create clear summaries.

Structure: 1) Executive Summary (2-3 sentences), 2) Key Findings, 3) Analysis, 4) Limitations, 5) Recommendations`

const toolLoopSystemPrompt = `You are a research assistant with access to retrieval tools over a
social-media corpus. Use the tools to gather the documents needed to answer
the research query, then stop calling tools when you have enough relevant
material.`

func planUserPrompt(query string) string {
	return fmt.Sprintf(`Analyze this research query and create a detailed plan:

Query: %q

Consider:
- What type of query is this?
- What information needs to be retrieved?
- What analysis is required?
- What filters or constraints apply?
- How will we know if we've succeeded?

Create a comprehensive plan.`, query)
}

func validateUserPrompt(query string, docs []*corpus.Document, sampleSize, textLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research Query: %s\n\nRetrieved %d documents. Sample:\n\n", query, len(docs))
	writeDocSample(&b, docs, sampleSize, textLen, false)
	b.WriteString("\nRate how relevant the retrieved documents are to the query.")
	return b.String()
}

func analyzeUserPrompt(query string, docs []*corpus.Document, plan *Plan, sampleSize, textLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nRetrieved %d items:\n\n", query, len(docs))
	writeDocSample(&b, docs, sampleSize, textLen, true)
	steps, _ := json.MarshalIndent(plan.Steps, "", "  ")
	fmt.Fprintf(&b, "\nAnalyze this data according to the plan:\n%s\n\nProvide comprehensive analysis.", steps)
	return b.String()
}

func refineUserPrompt(query string, analysis *Analysis, plan *Plan) string {
	aj, _ := json.MarshalIndent(analysis, "", "  ")
	pj, _ := json.MarshalIndent(plan, "", "  ")
	return fmt.Sprintf(`Query: %s

Analysis: %s
Plan: %s

Evaluate if refinement needed: gaps, completeness, need for more searches, confidence.`, query, aj, pj)
}

func evaluateUserPrompt(query string, analysis *Analysis, plan *Plan, resultCount int) string {
	aj, _ := json.MarshalIndent(analysis, "", "  ")
	pj, _ := json.MarshalIndent(plan, "", "  ")
	return fmt.Sprintf(`Original Query: %s

Current Plan:
%s

Analysis Results:
%s

Data Quality Signals:
- Sentiment distribution: %v
- Data quality rating: %s
- Confidence: %.2f
- Gaps/limitations: %v
- Retrieved %d items

Evaluate if the PLAN/STRATEGY needs to be completely revised (replan) vs. just refined (more searches).
Consider: Is the fundamental approach wrong, or do we just need more/better data?`,
		query, pj, aj, analysis.SentimentAnalysis, analysis.DataQuality,
		analysis.Confidence, analysis.Gaps, resultCount)
}

func critiqueUserPrompt(query string, analysis *Analysis, docs []*corpus.Document, summary string, sampleSize, textLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original Query: %s\n\nRetrieved Data Sample:\nRetrieved %d items. Sample:\n\n", query, len(docs))
	writeDocSample(&b, docs, sampleSize, textLen, false)
	aj, _ := json.MarshalIndent(analysis, "", "  ")
	fmt.Fprintf(&b, `
Analysis:
%s

Summary:
%s

Critique the analysis and summary:
1. Are all claims supported by the retrieved data?
2. Are there hallucinations (made-up facts)?
3. Is there bias (selection, temporal, sentiment)?
4. Is the analysis balanced and fair?`, aj, summary)
	return b.String()
}

func summarizeUserPrompt(query string, analysis *Analysis, plan *Plan) string {
	aj, _ := json.MarshalIndent(analysis, "", "  ")
	pj, _ := json.MarshalIndent(plan, "", "  ")
	return fmt.Sprintf(`Research Query: %s

Plan Executed:
%s

Analysis Results:
%s

Create a comprehensive final summary that answers the original query.`, query, pj, aj)
}

// writeDocSample renders up to sampleSize documents with text truncated to
// textLen bytes, keeping analysis prompts within budget.
func writeDocSample(b *strings.Builder, docs []*corpus.Document, sampleSize, textLen int, withEngagement bool) {
	n := len(docs)
	if n > sampleSize {
		n = sampleSize
	}
	for i := 0; i < n; i++ {
		d := docs[i]
		text := cutText(d.Text, textLen)
		fmt.Fprintf(b, "%d. %s\n", i+1, text)
		if withEngagement {
			fmt.Fprintf(b, "   Author: %s\n", displayName(d))
			fmt.Fprintf(b, "   Engagement: %d total\n", d.Engagement.Total())
			fmt.Fprintf(b, "   Sentiment: %s\n\n", d.Sentiment)
		} else {
			fmt.Fprintf(b, "   Sentiment: %s\n", d.Sentiment)
			fmt.Fprintf(b, "   Author: %s\n\n", displayName(d))
		}
	}
}

// cutText truncates s to at most n bytes without splitting a rune.
func cutText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func displayName(d *corpus.Document) string {
	if d.Author.DisplayName != "" {
		return d.Author.DisplayName
	}
	if d.Author.Username != "" {
		return d.Author.Username
	}
	return "Unknown"
}
