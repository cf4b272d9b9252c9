package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePlanFallsBackOnMissingSteps(t *testing.T) {
	plan, defaulted := decodePlan(nil)
	require.True(t, defaulted)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "other", plan.QueryType)
	assert.Equal(t, "medium", plan.ExpectedComplexity)
	assert.False(t, plan.UseToolCalling)

	// Keeps a recognizable query_type even when the steps are unusable.
	plan, defaulted = decodePlan(map[string]interface{}{"query_type": "sentiment"})
	require.True(t, defaulted)
	assert.Equal(t, "sentiment", plan.QueryType)
	require.Len(t, plan.Steps, 2)
}

func TestDecodePlanReadsFields(t *testing.T) {
	plan, defaulted := decodePlan(map[string]interface{}{
		"query_type":          "comparison",
		"expected_complexity": "high",
		"use_tool_calling":    true,
		"success_criteria":    []interface{}{"coverage"},
		"steps": []interface{}{
			map[string]interface{}{"step_number": float64(1), "action": "search", "description": "q", "tools": []interface{}{"keyword_search"}},
			"not an object",
			map[string]interface{}{"action": "filter", "filters": map[string]interface{}{"sentiment": "negative"}},
		},
	})
	require.False(t, defaulted)
	assert.True(t, plan.UseToolCalling)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, []string{"keyword_search"}, plan.Steps[0].Tools)
	assert.Equal(t, "negative", plan.Steps[1].Filters["sentiment"])
}

func TestDecodeAnalysisDefaultsAndClamps(t *testing.T) {
	a, defaulted := decodeAnalysis(nil, 7)
	require.True(t, defaulted)
	assert.InDelta(t, 0.3, a.Confidence, 1e-9)
	assert.Equal(t, "unknown", a.DataQuality)
	assert.Contains(t, a.KeyInsights[0], "7 items")

	a, defaulted = decodeAnalysis(map[string]interface{}{"confidence": float64(1.7)}, 0)
	require.False(t, defaulted)
	assert.InDelta(t, 1.0, a.Confidence, 1e-9, "confidence clamps into [0,1]")
	assert.NotNil(t, a.MainThemes)

	a, _ = decodeAnalysis(map[string]interface{}{"main_themes": []interface{}{"x"}}, 0)
	assert.InDelta(t, 0.5, a.Confidence, 1e-9, "missing confidence defaults to 0.5")
}

func TestDecodeRefinementNormalizesNextSteps(t *testing.T) {
	d, defaulted := decodeRefinement(map[string]interface{}{
		"refinement_needed": true,
		"reason":            "gaps",
		"next_steps": []interface{}{
			map[string]interface{}{"action": "web_search", "description": "negative posts about AI"},
			map[string]interface{}{"action": "search", "description": ""},
			map[string]interface{}{"action": "filter", "filters": map[string]interface{}{"verified": true}},
			map[string]interface{}{"action": "filter"},
			map[string]interface{}{"action": "meditate", "description": "hmm"},
		},
	})
	require.False(t, defaulted)
	require.True(t, d.RefinementNeeded)
	require.Len(t, d.NextSteps, 2)
	assert.Equal(t, "search", d.NextSteps[0].Action)
	assert.Equal(t, []string{"hybrid_search"}, d.NextSteps[0].Tools)
	assert.Equal(t, "filter", d.NextSteps[1].Action)
}

func TestDecodeRefinementWithoutActionableStepsStops(t *testing.T) {
	d, _ := decodeRefinement(map[string]interface{}{
		"refinement_needed": true,
		"next_steps":        []interface{}{},
	})
	assert.False(t, d.RefinementNeeded, "refinement with nothing to execute must not loop")

	d, defaulted := decodeRefinement(nil)
	require.True(t, defaulted)
	assert.False(t, d.RefinementNeeded)
}

func TestDecodeCritiqueDefaults(t *testing.T) {
	c, defaulted := decodeCritique(nil)
	require.True(t, defaulted)
	assert.True(t, c.CritiquePassed, "critique passes on malformed output")

	// Missing critique_passed derives from hallucinations.
	c, _ = decodeCritique(map[string]interface{}{
		"hallucinations": []interface{}{"made-up stat"},
	})
	assert.False(t, c.CritiquePassed)

	c, _ = decodeCritique(map[string]interface{}{"biases": []interface{}{"recency"}})
	assert.True(t, c.CritiquePassed)
}

func TestDecodeEvaluationDefaults(t *testing.T) {
	v, defaulted := decodeEvaluation(nil)
	require.True(t, defaulted)
	assert.False(t, v.ReplanNeeded)

	v, _ = decodeEvaluation(map[string]interface{}{"replan_needed": true, "reason": "off target"})
	assert.True(t, v.ReplanNeeded)
	assert.Equal(t, "off target", v.Reason)
}

func TestDecodeValidationDefaults(t *testing.T) {
	v, defaulted := decodeValidation(nil)
	require.True(t, defaulted)
	assert.InDelta(t, 0.5, v.RelevanceScore, 1e-9)

	v, _ = decodeValidation(map[string]interface{}{"relevance_score": float64(-0.2)})
	assert.InDelta(t, 0.0, v.RelevanceScore, 1e-9, "scores clamp into [0,1]")
}
