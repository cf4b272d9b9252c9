package workflow

import (
	"fmt"
	"strings"
)

// Decode-with-defaults for the loosely typed JSON the reasoning service
// returns. Every decoder accepts a nil or partial map and fills the
// documented default for anything missing; the boolean return reports
// whether the whole object had to be defaulted, which tags the step as
// degraded. Parse problems never escalate past this file.

// fallbackPlan is substituted when planning output cannot be parsed or
// carries no steps.
func fallbackPlan() *Plan {
	return &Plan{
		QueryType: "other",
		Steps: []Step{
			{StepNumber: 1, Action: "search", Description: "Search for relevant posts", Tools: []string{"hybrid_search"}},
			{StepNumber: 2, Action: "analyze", Description: "Analyze retrieved results"},
		},
		SuccessCriteria:    []string{"Relevant results found", "Analysis completed"},
		ExpectedComplexity: "medium",
	}
}

func decodePlan(m map[string]interface{}) (*Plan, bool) {
	if m == nil {
		return fallbackPlan(), true
	}
	steps := decodeSteps(m["steps"])
	if len(steps) == 0 {
		p := fallbackPlan()
		if qt := getString(m, "query_type", ""); qt != "" {
			p.QueryType = qt
		}
		return p, true
	}
	return &Plan{
		QueryType:          getString(m, "query_type", "other"),
		Steps:              steps,
		SuccessCriteria:    getStringSlice(m, "success_criteria"),
		ExpectedComplexity: getString(m, "expected_complexity", "medium"),
		UseToolCalling:     getBool(m, "use_tool_calling", false),
	}, false
}

// fallbackAnalysis is substituted when analyst output cannot be parsed.
func fallbackAnalysis(resultCount int) *Analysis {
	return &Analysis{
		MainThemes:        []string{"Unable to analyze - malformed response"},
		KeyInsights:       []string{fmt.Sprintf("Retrieved %d items", resultCount)},
		SentimentAnalysis: map[string]int{"positive": 0, "negative": 0, "neutral": 0},
		Confidence:        0.3,
		DataQuality:       "unknown",
		Gaps:              []string{"Malformed response prevented full analysis"},
	}
}

func decodeAnalysis(m map[string]interface{}, resultCount int) (*Analysis, bool) {
	if m == nil {
		return fallbackAnalysis(resultCount), true
	}
	a := &Analysis{
		MainThemes:        getStringSlice(m, "main_themes"),
		KeyInsights:       getStringSlice(m, "key_insights"),
		SentimentAnalysis: getIntMap(m, "sentiment_analysis"),
		NotableFindings:   getStringSlice(m, "notable_findings"),
		DataQuality:       getString(m, "data_quality", "medium"),
		Confidence:        getFloat(m, "confidence", 0.5),
		Gaps:              getStringSlice(m, "gaps_or_limitations"),
	}
	if a.MainThemes == nil {
		a.MainThemes = []string{}
	}
	return a, false
}

func decodeValidation(m map[string]interface{}) (*ValidationVerdict, bool) {
	if m == nil {
		// Mid-band default sends the run through refinement rather than
		// wasting a replan or trusting unvalidated results.
		return &ValidationVerdict{RelevanceScore: 0.5}, true
	}
	return &ValidationVerdict{RelevanceScore: getFloat(m, "relevance_score", 0.5)}, false
}

func decodeEvaluation(m map[string]interface{}) (*EvaluationVerdict, bool) {
	if m == nil {
		return &EvaluationVerdict{ReplanNeeded: false, Reason: "Malformed response - proceeding with current plan"}, true
	}
	return &EvaluationVerdict{
		ReplanNeeded:      getBool(m, "replan_needed", false),
		Reason:            getString(m, "reason", ""),
		SuggestedStrategy: getString(m, "suggested_strategy", ""),
	}, false
}

func decodeRefinement(m map[string]interface{}) (*RefinementDirective, bool) {
	if m == nil {
		return &RefinementDirective{RefinementNeeded: false, Reason: "Malformed response - skipping refinement"}, true
	}
	d := &RefinementDirective{
		RefinementNeeded: getBool(m, "refinement_needed", false),
		Reason:           getString(m, "reason", ""),
		NextSteps:        normalizeNextSteps(decodeSteps(m["next_steps"])),
	}
	if d.RefinementNeeded && len(d.NextSteps) == 0 {
		// A refinement with nothing to execute would loop without progress.
		d.RefinementNeeded = false
		d.Reason = "No actionable next steps provided"
	}
	return d, false
}

func decodeCritique(m map[string]interface{}) (*CritiqueVerdict, bool) {
	if m == nil {
		// Critique passes on parse failure so a flaky reviewer cannot
		// block summarization.
		return &CritiqueVerdict{CritiquePassed: true}, true
	}
	c := &CritiqueVerdict{
		Hallucinations:       getStringSlice(m, "hallucinations"),
		Biases:               getStringSlice(m, "biases"),
		Corrections:          getStringSlice(m, "corrections"),
		ConfidenceAdjustment: getFloat(m, "confidence_adjustment", 0),
		RevisedSummary:       getString(m, "revised_summary", ""),
	}
	if v, ok := m["critique_passed"].(bool); ok {
		c.CritiquePassed = v
	} else {
		c.CritiquePassed = len(c.Hallucinations) == 0
	}
	return c, false
}

// decodeSteps converts a raw steps array, dropping entries that are not
// objects.
func decodeSteps(v interface{}) []Step {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	steps := make([]Step, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		s := Step{
			StepNumber:  int(getFloatRaw(m, "step_number", float64(i+1))),
			Action:      getString(m, "action", "search"),
			Description: getString(m, "description", ""),
			Tools:       getStringSlice(m, "tools"),
		}
		if f, ok := m["filters"].(map[string]interface{}); ok {
			s.Filters = f
		}
		steps = append(steps, s)
	}
	return steps
}

// normalizeNextSteps coerces refinement next_steps into executable search
// or filter steps. Anything whose action mentions search becomes a
// hybrid_search step keyed on its description; filter steps survive only
// with filters attached; the rest is dropped.
func normalizeNextSteps(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		action := strings.ToLower(s.Action)
		switch {
		case strings.Contains(action, "search"):
			if s.Description == "" {
				continue
			}
			tools := s.Tools
			if len(tools) == 0 {
				tools = []string{"hybrid_search"}
			}
			out = append(out, Step{
				StepNumber:  len(out) + 1,
				Action:      "search",
				Description: s.Description,
				Tools:       tools,
			})
		case action == "filter":
			if len(s.Filters) == 0 {
				continue
			}
			out = append(out, Step{
				StepNumber:  len(out) + 1,
				Action:      "filter",
				Description: s.Description,
				Filters:     s.Filters,
			})
		}
	}
	return out
}

// map accessors

func getString(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func getBool(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// getFloat reads a score and clamps it into [0,1].
func getFloat(m map[string]interface{}, key string, def float64) float64 {
	return clamp01(getFloatRaw(m, key, def))
}

func getFloatRaw(m map[string]interface{}, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func getStringSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getIntMap(m map[string]interface{}, key string) map[string]int {
	raw, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = int(f)
		}
	}
	return out
}
