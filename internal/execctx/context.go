package execctx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
)

// ExecutionStep records one stage of a research run.
type ExecutionStep struct {
	StepName   string                 `json:"step_name"`
	StepType   string                 `json:"step_type"` // plan, execute, validate, analyze, evaluate, refine, critique, summarize, summary
	InputData  map[string]interface{} `json:"input_data,omitempty"`
	OutputData map[string]interface{} `json:"output_data,omitempty"`
	Reasoning  string                 `json:"reasoning"`
	Timestamp  time.Time              `json:"timestamp"`
	ModelUsed  string                 `json:"model_used,omitempty"`
	TokensUsed int                    `json:"tokens_used,omitempty"`

	cost int // cached token cost
}

// EstimateTokens approximates token count as len/4, matching the estimate
// used when the reasoning service reports no usage.
func EstimateTokens(text string) int {
	return len(text) / 4
}

func (s *ExecutionStep) tokenCost() int {
	if s.cost > 0 {
		return s.cost
	}
	c := EstimateTokens(s.Reasoning)
	if s.TokensUsed > c {
		c = s.TokensUsed
	}
	if c == 0 {
		c = 1
	}
	s.cost = c
	return c
}

// Context is an append-only log of execution steps with running token
// accounting and a truncation policy. It is owned by exactly one orchestrator
// run and is not safe for concurrent use.
type Context struct {
	maxTokens  int
	steps      []*ExecutionStep
	totalUsed  int // reasoning-service tokens reported across all steps, survives truncation
	evictedFor map[string]int
	docsSeen   int
	themes     []string
	themeSet   map[string]struct{}
}

// New creates a context bounded to maxTokens.
func New(maxTokens int) *Context {
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	return &Context{
		maxTokens:  maxTokens,
		evictedFor: map[string]int{},
		themeSet:   map[string]struct{}{},
	}
}

// Append adds a step. A single step that alone exceeds the token budget is
// truncated at creation time, and its cached cost is capped at the budget,
// so the eviction policy never has to drop the newest entry.
func (c *Context) Append(step ExecutionStep) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	if EstimateTokens(step.Reasoning) > c.maxTokens {
		step.Reasoning = cutBytes(step.Reasoning, c.maxTokens*4) + "…"
		step.cost = 0
	}
	if step.tokenCost() > c.maxTokens {
		// Reported usage covers prompt tokens too; the retained step can
		// never account for more than the whole budget.
		step.cost = c.maxTokens
	}
	c.totalUsed += step.TokensUsed
	c.steps = append(c.steps, &step)
}

// cutBytes truncates s to at most n bytes without splitting a rune.
func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// TotalTokens returns the current token cost of all retained steps.
func (c *Context) TotalTokens() int {
	total := 0
	for _, s := range c.steps {
		total += s.tokenCost()
	}
	return total
}

// TokensUsed returns the cumulative reasoning-service token usage reported
// for the whole run, including evicted steps.
func (c *Context) TokensUsed() int { return c.totalUsed }

// Steps returns the retained steps in order.
func (c *Context) Steps() []*ExecutionStep { return c.steps }

// RecentSteps returns the most recent n steps.
func (c *Context) RecentSteps(n int) []*ExecutionStep {
	if n >= len(c.steps) {
		return c.steps
	}
	return c.steps[len(c.steps)-n:]
}

// StepsByType returns all retained steps of one type.
func (c *Context) StepsByType(stepType string) []*ExecutionStep {
	var out []*ExecutionStep
	for _, s := range c.steps {
		if s.StepType == stepType {
			out = append(out, s)
		}
	}
	return out
}

// TruncateIfNeeded evicts oldest steps while the context is over budget,
// folding them into a single synthesized summary step. The most recent step
// is never evicted. After the call TotalTokens() <= maxTokens holds whenever
// the newest step alone fits the budget, which Append guarantees for the
// context's own budget.
func (c *Context) TruncateIfNeeded(maxTokens int) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if c.TotalTokens() <= maxTokens {
		return
	}
	ometrics.ContextTruncations.Inc()

	// Drop the rollup from a previous pass; it is rebuilt below with the
	// updated aggregates.
	if len(c.steps) > 0 && c.steps[0].StepType == "summary" {
		c.steps = c.steps[1:]
	}

	evicted := 0
	summary := c.summaryStep()
	for len(c.steps) > 1 && c.TotalTokens()+summary.tokenCost() > maxTokens {
		oldest := c.steps[0]
		c.evictedFor[oldest.StepType]++
		c.absorb(oldest)
		evicted++
		c.steps = c.steps[1:]
		summary = c.summaryStep()
	}

	// Prepend the rollup when it fits; when even summary+newest busts the
	// budget, keep just the newest step.
	if c.TotalTokens()+summary.tokenCost() <= maxTokens {
		c.steps = append([]*ExecutionStep{summary}, c.steps...)
	}
	if evicted > 0 {
		ometrics.ContextStepsEvicted.Add(float64(evicted))
	}
}

// absorb folds an evicted step's aggregates into the rollup counters.
func (c *Context) absorb(step *ExecutionStep) {
	if step.OutputData == nil {
		return
	}
	if v, ok := step.OutputData["results_count"]; ok {
		if n, ok := toInt(v); ok {
			c.docsSeen += n
		}
	}
	if v, ok := step.OutputData["themes"]; ok {
		if themes, ok := v.([]string); ok {
			for _, th := range themes {
				if _, seen := c.themeSet[th]; !seen {
					c.themeSet[th] = struct{}{}
					c.themes = append(c.themes, th)
				}
			}
		}
	}
}

func (c *Context) summaryStep() *ExecutionStep {
	var parts []string
	total := 0
	for stepType, n := range c.evictedFor {
		total += n
		parts = append(parts, fmt.Sprintf("%s×%d", stepType, n))
	}
	reasoning := fmt.Sprintf("Earlier history compacted: %d steps evicted (%s); %d documents seen",
		total, strings.Join(parts, ", "), c.docsSeen)
	if len(c.themes) > 0 {
		reasoning += "; themes so far: " + strings.Join(c.themes, ", ")
	}
	return &ExecutionStep{
		StepName:  "context_summary",
		StepType:  "summary",
		Reasoning: reasoning,
		OutputData: map[string]interface{}{
			"evicted_steps":  total,
			"documents_seen": c.docsSeen,
			"themes":         append([]string{}, c.themes...),
		},
		Timestamp: time.Now(),
	}
}

// BuildContextSummary renders recent history for inclusion in prompts.
func (c *Context) BuildContextSummary() string {
	if len(c.steps) == 0 {
		return "No execution history yet."
	}
	var b strings.Builder
	b.WriteString("Execution History:\n")
	for _, step := range c.RecentSteps(5) {
		reasoning := step.Reasoning
		if len(reasoning) > 100 {
			reasoning = cutBytes(reasoning, 100) + "..."
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", step.StepName, step.StepType, reasoning)
	}
	return b.String()
}

// Export serializes the retained history for the run result.
func (c *Context) Export() ([]byte, error) {
	return json.Marshal(c.steps)
}

func toInt(v interface{}) (int, bool) {
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
