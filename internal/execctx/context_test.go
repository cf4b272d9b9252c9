package execctx

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(name, stepType, reasoning string, tokens int) ExecutionStep {
	return ExecutionStep{
		StepName:   name,
		StepType:   stepType,
		Reasoning:  reasoning,
		TokensUsed: tokens,
	}
}

func TestAppendAndTotals(t *testing.T) {
	c := New(8000)
	c.Append(step("plan", "plan", "decompose the query", 120))
	c.Append(step("execute", "execute", "ran hybrid search", 0))

	assert.Len(t, c.Steps(), 2)
	assert.Equal(t, 120, c.TokensUsed())
	assert.Greater(t, c.TotalTokens(), 0)
}

func TestTruncateEvictsOldestNeverNewest(t *testing.T) {
	c := New(8000)
	filler := strings.Repeat("retrieval reasoning detail ", 40) // ~270 tokens

	for i := 0; i < 10; i++ {
		c.Append(ExecutionStep{
			StepName:  "execute",
			StepType:  "execute",
			Reasoning: filler,
			OutputData: map[string]interface{}{
				"results_count": 5,
				"themes":        []string{"AI"},
			},
		})
	}
	c.Append(step("analyze", "analyze", "most recent analysis", 0))

	budget := 800
	c.TruncateIfNeeded(budget)

	require.NotEmpty(t, c.Steps())
	assert.LessOrEqual(t, c.TotalTokens(), budget)

	// Newest step survives.
	last := c.Steps()[len(c.Steps())-1]
	assert.Equal(t, "analyze", last.StepType)

	// Evicted history is folded into a single leading summary step.
	first := c.Steps()[0]
	require.Equal(t, "summary", first.StepType)
	assert.Contains(t, first.Reasoning, "documents seen")
	assert.Contains(t, first.Reasoning, "AI")
	evicted, _ := first.OutputData["evicted_steps"].(int)
	assert.Greater(t, evicted, 0)
	docs, _ := first.OutputData["documents_seen"].(int)
	assert.Greater(t, docs, 0)
}

func TestTruncateNoopUnderBudget(t *testing.T) {
	c := New(8000)
	c.Append(step("plan", "plan", "short", 0))
	c.Append(step("execute", "execute", "also short", 0))

	before := c.TotalTokens()
	c.TruncateIfNeeded(8000)
	assert.Equal(t, before, c.TotalTokens())
	assert.Len(t, c.Steps(), 2)
}

func TestOversizedStepTruncatedAtCreation(t *testing.T) {
	c := New(100)
	huge := strings.Repeat("word ", 2000) // ~2500 tokens, far over budget

	c.Append(ExecutionStep{StepName: "analyze", StepType: "analyze", Reasoning: huge})

	require.Len(t, c.Steps(), 1)
	got := c.Steps()[0]
	assert.Less(t, len(got.Reasoning), len(huge))
	assert.LessOrEqual(t, EstimateTokens(got.Reasoning), 101)
}

func TestOversizedStepTruncationKeepsValidUTF8(t *testing.T) {
	c := New(100)
	// 3-byte repeat unit lands the naive byte cut inside the two-byte rune.
	huge := strings.Repeat("éa", 300)

	c.Append(ExecutionStep{StepName: "analyze", StepType: "analyze", Reasoning: huge})

	require.Len(t, c.Steps(), 1)
	got := c.Steps()[0].Reasoning
	assert.True(t, utf8.ValidString(got), "truncation split a rune: %q", got[len(got)-8:])
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestReportedUsageNeverHoldsContextOverBudget(t *testing.T) {
	c := New(100)

	// Short reasoning, but the service reported a huge token count. The
	// retained cost must still be capped so the budget invariant holds.
	c.Append(step("summarize", "summarize", "brief", 10_000))

	require.Len(t, c.Steps(), 1)
	assert.LessOrEqual(t, c.TotalTokens(), 100)
	assert.Equal(t, 10_000, c.TokensUsed()) // cumulative reporting unaffected

	c.TruncateIfNeeded(100)
	assert.LessOrEqual(t, c.TotalTokens(), 100)
}

func TestRepeatedTruncationAbsorbsPreviousSummary(t *testing.T) {
	c := New(8000)
	filler := strings.Repeat("step reasoning text ", 40)

	for i := 0; i < 6; i++ {
		c.Append(ExecutionStep{StepName: "execute", StepType: "execute", Reasoning: filler})
	}
	c.TruncateIfNeeded(500)

	for i := 0; i < 6; i++ {
		c.Append(ExecutionStep{StepName: "refine", StepType: "refine", Reasoning: filler})
	}
	c.TruncateIfNeeded(500)

	// Only one rollup step exists after multiple passes.
	summaries := c.StepsByType("summary")
	assert.LessOrEqual(t, len(summaries), 1)
	assert.LessOrEqual(t, c.TotalTokens(), 500)
}

func TestTokensUsedSurvivesTruncation(t *testing.T) {
	c := New(8000)
	filler := strings.Repeat("reasoning ", 60)
	for i := 0; i < 5; i++ {
		c.Append(ExecutionStep{StepName: "execute", StepType: "execute", Reasoning: filler, TokensUsed: 100})
	}
	c.TruncateIfNeeded(300)
	assert.Equal(t, 500, c.TokensUsed())
}

func TestBuildContextSummary(t *testing.T) {
	c := New(8000)
	assert.Equal(t, "No execution history yet.", c.BuildContextSummary())

	c.Append(step("plan", "plan", "decompose query into three steps", 0))
	s := c.BuildContextSummary()
	assert.Contains(t, s, "plan")
	assert.Contains(t, s, "decompose")
}

func TestExport(t *testing.T) {
	c := New(8000)
	c.Append(step("plan", "plan", "planning", 10))

	data, err := c.Export()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"step_type":"plan"`)
}
