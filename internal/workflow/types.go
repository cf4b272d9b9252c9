package workflow

// Step is one unit of a research plan, consumed by the execute stage.
// Search steps carry the search query in Description; filter steps carry
// metadata predicates in Filters.
type Step struct {
	StepNumber  int                    `json:"step_number"`
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Tools       []string               `json:"tools,omitempty"`
	Filters     map[string]interface{} `json:"filters,omitempty"`
}

// Plan is the structured decomposition of a query produced by the plan
// stage. A plan may be regenerated up to the replan bound; the superseded
// version is discarded.
type Plan struct {
	QueryType          string   `json:"query_type"`
	Steps              []Step   `json:"steps"`
	SuccessCriteria    []string `json:"success_criteria,omitempty"`
	ExpectedComplexity string   `json:"expected_complexity"`
	UseToolCalling     bool     `json:"use_tool_calling"`
}

// Analysis is the analyst stage output for one analysis cycle.
type Analysis struct {
	MainThemes        []string       `json:"main_themes"`
	KeyInsights       []string       `json:"key_insights,omitempty"`
	SentimentAnalysis map[string]int `json:"sentiment_analysis,omitempty"`
	NotableFindings   []string       `json:"notable_findings,omitempty"`
	DataQuality       string         `json:"data_quality"`
	Confidence        float64        `json:"confidence"`
	Gaps              []string       `json:"gaps_or_limitations,omitempty"`
}

// Validation actions.
const (
	ActionProceed = "proceed"
	ActionRefine  = "refine"
	ActionReplan  = "replan"
)

// ValidationVerdict scores how well retrieved documents match query intent.
// Action is derived locally from RelevanceScore and the configured
// thresholds; an empty result set always yields replan regardless of score.
type ValidationVerdict struct {
	RelevanceScore float64 `json:"relevance_score"`
	Action         string  `json:"action"`
}

// EvaluationVerdict decides between wholesale replanning and incremental
// refinement.
type EvaluationVerdict struct {
	ReplanNeeded      bool   `json:"replan_needed"`
	Reason            string `json:"reason"`
	SuggestedStrategy string `json:"suggested_strategy,omitempty"`
}

// RefinementDirective says whether another retrieval pass is worth running
// and which steps it should execute. ConfidenceStagnant records the local
// override that forces RefinementNeeded false when confidence stopped
// improving.
type RefinementDirective struct {
	RefinementNeeded   bool   `json:"refinement_needed"`
	Reason             string `json:"reason"`
	NextSteps          []Step `json:"next_steps,omitempty"`
	ConfidenceStagnant bool   `json:"confidence_stagnant"`
}

// CritiqueVerdict is the reviewer stage output.
type CritiqueVerdict struct {
	CritiquePassed       bool     `json:"critique_passed"`
	Hallucinations       []string `json:"hallucinations,omitempty"`
	Biases               []string `json:"biases,omitempty"`
	Corrections          []string `json:"corrections,omitempty"`
	ConfidenceAdjustment float64  `json:"confidence_adjustment"`
	RevisedSummary       string   `json:"revised_summary,omitempty"`
}

// IssuesFound reports whether the critique flagged problems.
func (c *CritiqueVerdict) IssuesFound() bool { return !c.CritiquePassed }

// Query is the immutable input of one run.
type Query struct {
	Text     string
	FastMode bool
	RunID    string
}

// Result is returned to the caller when a run reaches COMPLETE or FAILED.
type Result struct {
	Query                string           `json:"query"`
	State                State            `json:"state"`
	Plan                 *Plan            `json:"plan,omitempty"`
	ResultsCount         int              `json:"results_count"`
	Analysis             *Analysis        `json:"analysis,omitempty"`
	Critique             *CritiqueVerdict `json:"critique,omitempty"`
	FinalSummary         string           `json:"final_summary,omitempty"`
	Confidence           float64          `json:"confidence"`
	ExecutionSteps       int              `json:"execution_steps"`
	ReplanCount          int              `json:"replan_count"`
	RefinementIterations int              `json:"refinement_iterations"`
	Degraded             bool             `json:"degraded"`
	TotalTokensUsed      int              `json:"total_tokens_used"`
	Error                string           `json:"error,omitempty"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
