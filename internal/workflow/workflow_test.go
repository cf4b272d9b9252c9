package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/corpus"
	"github.com/lodestone-ai/lodestone/internal/gateway"
	"github.com/lodestone-ai/lodestone/internal/progress"
	"github.com/lodestone-ai/lodestone/internal/retrieval"
	"github.com/lodestone-ai/lodestone/internal/tools"
)

// fakeGateway scripts reasoning-service behavior per stage. The stage is
// recognized from the system prompt, and the handler additionally receives
// how many times that stage was called before, so tests can vary replies
// across iterations.
type fakeGateway struct {
	mu     sync.Mutex
	model  string
	calls  []gateway.Request
	stages []string
	handle func(stage string, n int, req gateway.Request) (*gateway.Response, error)
}

func (f *fakeGateway) Complete(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	stage := stageOf(req)
	n := 0
	for _, s := range f.stages {
		if s == stage {
			n++
		}
	}
	f.stages = append(f.stages, stage)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.handle(stage, n, req)
}

func (f *fakeGateway) Model() string {
	if f.model == "" {
		return "fake-model"
	}
	return f.model
}

func (f *fakeGateway) stageCalls(stage string) []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.Request
	for i, s := range f.stages {
		if s == stage {
			out = append(out, f.calls[i])
		}
	}
	return out
}

func stageOf(req gateway.Request) string {
	switch sp := req.SystemPrompt; {
	case strings.Contains(sp, "research planner"):
		return "plan"
	case strings.Contains(sp, "quality validator"):
		return "validate"
	case strings.Contains(sp, "research analyst"):
		return "analyze"
	case strings.Contains(sp, "strategy evaluator"):
		return "evaluate"
	case strings.Contains(sp, "refinement specialist"):
		return "refine"
	case strings.Contains(sp, "critique specialist"):
		return "critique"
	case strings.Contains(sp, "summarization expert"):
		return "summarize"
	case strings.Contains(sp, "retrieval tools"):
		return "toolloop"
	default:
		return "unknown"
	}
}

// jsonResp round-trips the object through JSON so its value types match
// what a real gateway response would decode to.
func jsonResp(obj map[string]interface{}) *gateway.Response {
	b, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return &gateway.Response{Content: string(b), ParsedJSON: gateway.ParseJSONResponse(string(b)), TokensUsed: 10}
}

func searchPlan(useTools bool) map[string]interface{} {
	return map[string]interface{}{
		"query_type":          "trend_analysis",
		"expected_complexity": "high",
		"use_tool_calling":    useTools,
		"steps": []map[string]interface{}{
			{"step_number": 1, "action": "search", "description": "AI climate", "tools": []string{"hybrid_search"}},
			{"step_number": 2, "action": "search", "description": "premier league", "tools": []string{"keyword_search"}},
			{"step_number": 3, "action": "analyze", "description": "Analyze retrieved results"},
		},
	}
}

// happyHandler scripts a clean single-pass run with the given analysis
// confidence and data quality.
func happyHandler(conf float64, quality string) func(string, int, gateway.Request) (*gateway.Response, error) {
	return func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		switch stage {
		case "plan":
			return jsonResp(searchPlan(false)), nil
		case "validate":
			return jsonResp(map[string]interface{}{"relevance_score": 0.7}), nil
		case "analyze":
			return jsonResp(map[string]interface{}{
				"confidence": conf, "data_quality": quality,
				"main_themes": []string{"AI adoption"},
			}), nil
		case "evaluate":
			return jsonResp(map[string]interface{}{"replan_needed": false, "reason": "sound"}), nil
		case "refine":
			return jsonResp(map[string]interface{}{"refinement_needed": false, "reason": "sufficient"}), nil
		case "critique":
			return jsonResp(map[string]interface{}{"critique_passed": true}), nil
		case "summarize":
			return &gateway.Response{Content: "FINAL SUMMARY", TokensUsed: 20}, nil
		}
		return nil, fmt.Errorf("unexpected stage %q", stage)
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *captureSink) Publish(e progress.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *captureSink) find(eventType, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType && e.Status == status {
			return true
		}
	}
	return false
}

func workflowDocs() []corpus.Document {
	now := time.Now()
	return []corpus.Document{
		{
			ID: "post_1", Text: "AI models are a breakthrough for climate research",
			Author:     corpus.Author{Username: "researcher_1", DisplayName: "Ada Chen", Verified: true},
			Engagement: corpus.Engagement{Likes: 400, Retweets: 80},
			Sentiment:  "positive", Category: "tech", Topics: []string{"AI"},
			Language: "en", CreatedAt: now.AddDate(0, 0, -1),
		},
		{
			ID: "post_2", Text: "skeptical about AI hype in climate modelling",
			Author:     corpus.Author{Username: "journo_2", DisplayName: "Ben Ortiz"},
			Engagement: corpus.Engagement{Likes: 20},
			Sentiment:  "negative", Category: "tech", Topics: []string{"AI"},
			Language: "en", CreatedAt: now.AddDate(0, 0, -3),
		},
		{
			ID: "post_3", Text: "the premier league title race is heating up",
			Author:     corpus.Author{Username: "fan_9", DisplayName: "Casey Fan"},
			Engagement: corpus.Engagement{Likes: 150},
			Sentiment:  "positive", Category: "sports", Topics: []string{"soccer"},
			Language: "en", CreatedAt: now.AddDate(0, 0, -5),
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg config.WorkflowConfig, gw Gateway, sink progress.Sink) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	engine := retrieval.NewEngine(workflowDocs(), nil, retrieval.Config{}, logger)
	require.NoError(t, engine.Build(context.Background()))
	registry := tools.NewRegistry(engine, logger)
	return New(cfg, 8000, gw, registry, engine, sink, logger)
}

func stepTypes(o *Orchestrator) []string {
	var out []string
	for _, s := range o.Context().Steps() {
		out = append(out, s.StepType)
	}
	return out
}

func TestFastModeSkipsEvaluateAndCritique(t *testing.T) {
	gw := &fakeGateway{handle: happyHandler(0.9, "high")}
	sink := &captureSink{}
	o := newTestOrchestrator(t, config.WorkflowConfig{FastMode: true}, gw, sink)

	res := o.Run(context.Background(), Query{Text: "sentiment on AI in climate tech"})

	require.Equal(t, StateComplete, res.State)
	require.Empty(t, res.Error)
	require.False(t, res.Degraded)
	require.Equal(t, "FINAL SUMMARY", res.FinalSummary)
	require.InDelta(t, 0.9, res.Confidence, 1e-9)

	require.Equal(t, []string{"plan", "execute", "validate", "analyze", "refine", "summarize"}, stepTypes(o))
	require.Empty(t, gw.stageCalls("evaluate"))
	require.Empty(t, gw.stageCalls("critique"))
	// High confidence stops refinement without a reasoning-service call.
	require.Empty(t, gw.stageCalls("refine"))

	require.True(t, sink.find(progress.TypeEvaluating, progress.StatusSkipped))
	require.True(t, sink.find(progress.TypeCritiquing, progress.StatusSkipped))
	require.True(t, sink.find(progress.TypeComplete, progress.StatusCompleted))
}

func TestEmptyResultsForceReplan(t *testing.T) {
	handler := func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		if stage == "plan" && n == 0 {
			// First plan searches for something the corpus cannot match.
			return jsonResp(map[string]interface{}{
				"query_type":          "other",
				"expected_complexity": "medium",
				"steps": []map[string]interface{}{
					{"step_number": 1, "action": "search", "description": "zzz quark flibber", "tools": []string{"hybrid_search"}},
				},
			}), nil
		}
		return happyHandler(0.9, "high")(stage, n, req)
	}
	gw := &fakeGateway{handle: handler}
	o := newTestOrchestrator(t, config.WorkflowConfig{FastMode: true}, gw, &captureSink{})

	res := o.Run(context.Background(), Query{Text: "AI climate sentiment"})

	require.Equal(t, StateComplete, res.State)
	require.Equal(t, 1, res.ReplanCount)
	require.Len(t, gw.stageCalls("plan"), 2)
	// The empty first pass never reaches the validator model.
	require.Len(t, gw.stageCalls("validate"), 1)
	require.Positive(t, res.ResultsCount)

	// One full PLAN,EXECUTE,VALIDATE cycle before the replan.
	require.Equal(t, []string{"plan", "execute", "validate"}, stepTypes(o)[:3])
}

func TestMidBandScoreRoutesToRefine(t *testing.T) {
	handler := func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		switch stage {
		case "validate":
			if n == 0 {
				return jsonResp(map[string]interface{}{"relevance_score": 0.45}), nil
			}
			return jsonResp(map[string]interface{}{"relevance_score": 0.75}), nil
		case "refine":
			return jsonResp(map[string]interface{}{
				"refinement_needed": true,
				"reason":            "coverage gap",
				"next_steps": []map[string]interface{}{
					{"action": "search", "description": "AI climate"},
				},
			}), nil
		}
		return happyHandler(0.9, "high")(stage, n, req)
	}
	gw := &fakeGateway{handle: handler}
	o := newTestOrchestrator(t, config.WorkflowConfig{FastMode: true}, gw, &captureSink{})

	res := o.Run(context.Background(), Query{Text: "AI climate"})

	require.Equal(t, StateComplete, res.State)
	require.Equal(t, 1, res.RefinementIterations)
	require.Len(t, gw.stageCalls("validate"), 2)
	// Mid-band validation goes straight to refinement, before any analysis.
	require.Equal(t, []string{"plan", "execute", "validate", "refine"}, stepTypes(o)[:4])
}

func TestStagnationStopsRefinementLoop(t *testing.T) {
	confidences := []float64{0.5, 0.52, 0.53}
	handler := func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		switch stage {
		case "analyze":
			conf := confidences[len(confidences)-1]
			if n < len(confidences) {
				conf = confidences[n]
			}
			return jsonResp(map[string]interface{}{"confidence": conf, "data_quality": "medium", "main_themes": []string{"AI"}}), nil
		case "refine":
			// The service always wants another pass; only the local
			// stagnation override can end the loop.
			return jsonResp(map[string]interface{}{
				"refinement_needed": true,
				"reason":            "more data",
				"next_steps": []map[string]interface{}{
					{"action": "search", "description": "AI climate"},
				},
			}), nil
		}
		return happyHandler(0.5, "medium")(stage, n, req)
	}
	gw := &fakeGateway{handle: handler}
	o := newTestOrchestrator(t, config.WorkflowConfig{MaxRefinements: 5}, gw, &captureSink{})

	res := o.Run(context.Background(), Query{Text: "AI climate"})

	require.Equal(t, StateComplete, res.State)
	require.False(t, res.Degraded)
	// 0.52 - 0.50 < 0.05, so the second refine check stops locally.
	require.Equal(t, 1, res.RefinementIterations)
	require.Len(t, gw.stageCalls("refine"), 1)

	var sawStagnation bool
	for _, s := range o.Context().StepsByType("refine") {
		if v, ok := s.OutputData["confidence_stagnant"].(bool); ok && v {
			sawStagnation = true
		}
	}
	require.True(t, sawStagnation, "expected a refine step recording the stagnation override")
}

func TestConfidenceStagnantHelper(t *testing.T) {
	require.True(t, confidenceStagnant([]float64{0.5, 0.52, 0.53}, 0.05))
	require.True(t, confidenceStagnant([]float64{0.5, 0.52}, 0.05))
	require.False(t, confidenceStagnant([]float64{0.5, 0.6}, 0.05))
	require.False(t, confidenceStagnant([]float64{0.5}, 0.05))
	require.False(t, confidenceStagnant(nil, 0.05))
}

func TestReplanBoundProducesDegradedResult(t *testing.T) {
	handler := func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		if stage == "evaluate" {
			return jsonResp(map[string]interface{}{"replan_needed": true, "reason": "strategy misaligned"}), nil
		}
		return happyHandler(0.5, "medium")(stage, n, req)
	}
	gw := &fakeGateway{handle: handler}
	o := newTestOrchestrator(t, config.WorkflowConfig{MaxReplans: 1}, gw, &captureSink{})

	res := o.Run(context.Background(), Query{Text: "AI climate"})

	require.Equal(t, StateComplete, res.State, "bound exhaustion must not fail the run")
	require.True(t, res.Degraded)
	require.Equal(t, 1, res.ReplanCount)
	require.NotEmpty(t, res.FinalSummary)
}

func TestGatewayFailureAbortsToFailed(t *testing.T) {
	handler := func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		return nil, fmt.Errorf("connection refused")
	}
	gw := &fakeGateway{handle: handler}
	sink := &captureSink{}
	o := newTestOrchestrator(t, config.WorkflowConfig{}, gw, sink)

	res := o.Run(context.Background(), Query{Text: "AI climate"})

	require.Equal(t, StateFailed, res.State)
	require.Contains(t, res.Error, "connection refused")
	require.True(t, sink.find(progress.TypeError, progress.StatusCompleted))
}

func TestCancellationStopsBetweenStates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(stage string, n int, req gateway.Request) (*gateway.Response, error) {
		if stage == "plan" {
			cancel()
			return jsonResp(searchPlan(false)), nil
		}
		return happyHandler(0.9, "high")(stage, n, req)
	}
	gw := &fakeGateway{handle: handler}
	o := newTestOrchestrator(t, config.WorkflowConfig{}, gw, &captureSink{})

	res := o.Run(ctx, Query{Text: "AI climate"})

	require.Equal(t, StateFailed, res.State)
	// Planning completed but the next transition saw the cancellation.
	require.Len(t, gw.stageCalls("plan"), 1)
	require.Empty(t, gw.stageCalls("validate"))
}

func TestNoDuplicateDocumentIDsFromExecute(t *testing.T) {
	// Two overlapping search steps contribute the same documents.
	gw := &fakeGateway{handle: happyHandler(0.9, "high")}
	o := newTestOrchestrator(t, config.WorkflowConfig{}, gw, &captureSink{})

	plan := &Plan{
		QueryType: "other",
		Steps: []Step{
			{StepNumber: 1, Action: "search", Description: "AI climate", Tools: []string{"hybrid_search"}},
			{StepNumber: 2, Action: "search", Description: "AI climate research", Tools: []string{"hybrid_search"}},
		},
	}
	results := o.executePlanSteps(context.Background(), plan, "AI climate")

	seen := map[string]bool{}
	for _, r := range results {
		require.False(t, seen[r.DocumentID], "duplicate document id %s", r.DocumentID)
		seen[r.DocumentID] = true
	}
	require.NotEmpty(t, results)
}

func TestExecuteFilterStepNarrowsResults(t *testing.T) {
	gw := &fakeGateway{handle: happyHandler(0.9, "high")}
	o := newTestOrchestrator(t, config.WorkflowConfig{}, gw, &captureSink{})

	plan := &Plan{
		Steps: []Step{
			{StepNumber: 1, Action: "search", Description: "AI climate", Tools: []string{"hybrid_search"}},
			{StepNumber: 2, Action: "filter", Filters: map[string]interface{}{"sentiment": "negative"}},
		},
	}
	results := o.executePlanSteps(context.Background(), plan, "AI climate")

	require.Len(t, results, 1)
	require.Equal(t, "post_2", results[0].DocumentID)
}

func TestComparePoolRunsEveryModel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	engine := retrieval.NewEngine(workflowDocs(), nil, retrieval.Config{}, logger)
	require.NoError(t, engine.Build(context.Background()))
	registry := tools.NewRegistry(engine, logger)

	pool := NewComparePool(config.WorkflowConfig{FastMode: true}, 8000, 2, registry, engine, nil, logger)
	gateways := []Gateway{
		&fakeGateway{model: "model-a", handle: happyHandler(0.9, "high")},
		&fakeGateway{model: "model-b", handle: happyHandler(0.8, "medium")},
	}

	runs, err := pool.Compare(context.Background(), gateways, Query{Text: "AI climate", RunID: "cmp"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "model-a", runs[0].Model)
	require.Equal(t, "model-b", runs[1].Model)
	for _, r := range runs {
		require.Equal(t, StateComplete, r.Result.State)
	}
}
