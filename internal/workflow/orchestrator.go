package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/corpus"
	"github.com/lodestone-ai/lodestone/internal/execctx"
	"github.com/lodestone-ai/lodestone/internal/gateway"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/progress"
	"github.com/lodestone-ai/lodestone/internal/retrieval"
	"github.com/lodestone-ai/lodestone/internal/tools"
)

// Gateway is the reasoning-service dependency of the orchestrator.
// Implementations retry transient failures once with backoff before
// returning an error, so any error reaching the orchestrator is final for
// the step that issued the call.
type Gateway interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Model() string
}

// Query types that never benefit from iterative tool selection; plans for
// them are forced onto the plan-based execution path.
var simpleQueryTypes = map[string]struct{}{
	"sentiment":       {},
	"info_extraction": {},
}

// Orchestrator drives one research run through the bounded cyclic state
// machine. An orchestrator owns its execution context and confidence
// history exclusively and must not be shared across runs; concurrent
// comparison runs each get their own instance over the same read-only
// retrieval engine.
type Orchestrator struct {
	cfg       config.WorkflowConfig
	ctxTokens int
	gw        Gateway
	registry  *tools.Registry
	engine    *retrieval.Engine
	sink      progress.Sink
	logger    *zap.Logger

	// per-run state
	execCtx       *execctx.Context
	runID         string
	fastMode      bool
	replanCount   int
	refineIters   int
	critiqueLoops int
	history       []float64
	degraded      bool
}

// New creates an orchestrator for a single run. A nil sink discards
// progress events; a nil logger is replaced with a no-op one.
func New(cfg config.WorkflowConfig, maxContextTokens int, gw Gateway, registry *tools.Registry, engine *retrieval.Engine, sink progress.Sink, logger *zap.Logger) *Orchestrator {
	if sink == nil {
		sink = progress.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 8000
	}
	applyWorkflowDefaults(&cfg)
	return &Orchestrator{
		cfg:       cfg,
		ctxTokens: maxContextTokens,
		gw:        gw,
		registry:  registry,
		engine:    engine,
		sink:      sink,
		logger:    logger,
	}
}

func applyWorkflowDefaults(cfg *config.WorkflowConfig) {
	if cfg.MaxReplans <= 0 {
		cfg.MaxReplans = 2
	}
	if cfg.MaxRefinements <= 0 {
		cfg.MaxRefinements = 2
	}
	if cfg.MaxCritiqueLoops <= 0 {
		cfg.MaxCritiqueLoops = 1
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 5
	}
	if cfg.ToolFanout <= 0 {
		cfg.ToolFanout = 3
	}
	if cfg.MaxRetrievalResults <= 0 {
		cfg.MaxRetrievalResults = 15
	}
	if cfg.MinRelevantResults <= 0 {
		cfg.MinRelevantResults = 12
	}
	if cfg.ReplanThreshold <= 0 {
		cfg.ReplanThreshold = 0.3
	}
	if cfg.RefineThreshold <= 0 {
		cfg.RefineThreshold = 0.6
	}
	if cfg.SkipConfidence <= 0 {
		cfg.SkipConfidence = 0.85
	}
	if cfg.RefineSkipConfidence <= 0 {
		cfg.RefineSkipConfidence = 0.75
	}
	if cfg.StagnationEpsilon <= 0 {
		cfg.StagnationEpsilon = 0.05
	}
	if cfg.AnalyzeSampleSize <= 0 {
		cfg.AnalyzeSampleSize = 6
	}
	if cfg.AnalyzeTextLength <= 0 {
		cfg.AnalyzeTextLength = 150
	}
	if cfg.CritiqueSampleSize <= 0 {
		cfg.CritiqueSampleSize = 4
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1200
	}
}

// Run drives the state machine to a terminal state. It always returns a
// result; failures are reported in Result.Error with State FAILED, never
// as a panic or error value crossing this boundary.
func (o *Orchestrator) Run(ctx context.Context, q Query) *Result {
	if q.RunID == "" {
		q.RunID = uuid.NewString()
	}
	o.runID = q.RunID
	o.fastMode = o.cfg.FastMode || q.FastMode
	o.execCtx = execctx.New(o.ctxTokens)
	o.replanCount = 0
	o.refineIters = 0
	o.critiqueLoops = 0
	o.history = nil
	o.degraded = false

	mode := "full"
	if o.fastMode {
		mode = "fast"
	}
	ometrics.RunsStarted.WithLabelValues(mode).Inc()
	start := time.Now()

	o.logger.Info("Starting research run",
		zap.String("run_id", o.runID),
		zap.String("model", o.gw.Model()),
		zap.Bool("fast_mode", o.fastMode))

	var (
		plan     *Plan
		results  []retrieval.SearchResult
		analysis *Analysis
		critique *CritiqueVerdict
		summary  string
	)

	state := StatePlan
	var runErr error

	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			runErr = err
			state = StateFailed
			break
		}

		var next State
		switch state {
		case StatePlan:
			plan, runErr = o.plan(ctx, q.Text)
			next = StateExecute

		case StateExecute:
			results, runErr = o.execute(ctx, plan, q.Text)
			next = StateValidateResults

		case StateValidateResults:
			var verdict *ValidationVerdict
			verdict, runErr = o.validate(ctx, q.Text, results)
			if runErr != nil {
				break
			}
			switch verdict.Action {
			case ActionReplan:
				if o.replanCount < o.cfg.MaxReplans {
					o.replanCount++
					results = nil
					analysis = nil
					next = StatePlan
				} else {
					// Replan budget spent; analyze whatever we have.
					o.degraded = true
					next = StateAnalyze
				}
			case ActionRefine:
				next = StateRefine
			default:
				next = StateAnalyze
			}

		case StateAnalyze:
			analysis, runErr = o.analyze(ctx, q.Text, results, plan)
			if runErr != nil {
				break
			}
			o.history = append(o.history, analysis.Confidence)
			if o.skipGate(analysis) {
				o.publish(progress.TypeEvaluating, progress.StatusSkipped,
					"Evaluation skipped for performance", nil)
				next = StateRefine
			} else {
				next = StateEvaluate
			}

		case StateEvaluate:
			var verdict *EvaluationVerdict
			verdict, runErr = o.evaluate(ctx, q.Text, analysis, plan, len(results))
			if runErr != nil {
				break
			}
			if verdict.ReplanNeeded {
				if o.replanCount < o.cfg.MaxReplans {
					o.replanCount++
					results = nil
					analysis = nil
					next = StatePlan
				} else {
					o.degraded = true
					next = StateRefine
				}
			} else {
				next = StateRefine
			}

		case StateRefine:
			if o.refineIters >= o.cfg.MaxRefinements {
				// Budget spent before the quality gate cleared.
				o.degraded = true
				next = o.refineExit(analysis)
				break
			}
			var directive *RefinementDirective
			directive, runErr = o.refine(ctx, q.Text, analysis, plan)
			if runErr != nil {
				break
			}
			if directive.RefinementNeeded {
				o.refineIters++
				extra := o.executePlanSteps(ctx, &Plan{QueryType: planQueryType(plan), Steps: directive.NextSteps}, q.Text)
				results = retrieval.Dedup(append(results, extra...))
				if len(results) > o.cfg.MaxRetrievalResults {
					results = results[:o.cfg.MaxRetrievalResults]
				}
				next = StateValidateResults
			} else {
				next = o.refineExit(analysis)
			}

		case StateCritique:
			if summary == "" {
				summary, runErr = o.summarize(ctx, q.Text, analysis, plan)
				if runErr != nil {
					break
				}
			}
			critique, runErr = o.critique(ctx, q.Text, analysis, results, summary)
			if runErr != nil {
				break
			}
			if critique.IssuesFound() {
				if o.critiqueLoops < o.cfg.MaxCritiqueLoops {
					o.critiqueLoops++
					summary = "" // regenerate after the extra refinement pass
					next = StateRefine
				} else {
					o.degraded = true
					if critique.RevisedSummary != "" {
						summary = critique.RevisedSummary
					}
					next = StateSummarize
				}
			} else {
				next = StateSummarize
			}

		case StateSummarize:
			if summary == "" {
				summary, runErr = o.summarize(ctx, q.Text, analysis, plan)
				if runErr != nil {
					break
				}
			}
			next = StateComplete

		default:
			runErr = fatalErr("undefined transition from state %s", state)
		}

		if runErr != nil {
			state = StateFailed
			break
		}
		ometrics.StateTransitions.WithLabelValues(state.String(), next.String()).Inc()
		o.logger.Debug("State transition",
			zap.String("run_id", o.runID),
			zap.String("from", state.String()),
			zap.String("to", next.String()))
		state = next
	}

	res := &Result{
		Query:                q.Text,
		State:                state,
		Plan:                 plan,
		ResultsCount:         len(results),
		Analysis:             analysis,
		Critique:             critique,
		FinalSummary:         summary,
		Confidence:           finalConfidence(analysis),
		ExecutionSteps:       len(o.execCtx.Steps()),
		ReplanCount:          o.replanCount,
		RefinementIterations: o.refineIters,
		Degraded:             o.degraded,
		TotalTokensUsed:      o.execCtx.TokensUsed(),
	}

	status := "ok"
	switch {
	case state == StateFailed:
		status = "failed"
		if runErr != nil {
			res.Error = runErr.Error()
		}
		o.publish(progress.TypeError, progress.StatusCompleted, res.Error,
			map[string]interface{}{"kind": errorKind(runErr)})
		o.logger.Error("Research run failed",
			zap.String("run_id", o.runID), zap.Error(runErr))
	case o.degraded:
		status = "degraded"
		ometrics.DegradedRuns.Inc()
		fallthrough
	default:
		o.publish(progress.TypeComplete, progress.StatusCompleted, "Run complete",
			map[string]interface{}{"result": res})
		o.logger.Info("Research run complete",
			zap.String("run_id", o.runID),
			zap.Float64("confidence", res.Confidence),
			zap.Int("replans", res.ReplanCount),
			zap.Int("refinements", res.RefinementIterations),
			zap.Bool("degraded", res.Degraded),
			zap.Int("tokens", res.TotalTokensUsed))
	}
	ometrics.RecordRunMetrics(mode, status, time.Since(start).Seconds(), res.TotalTokensUsed)
	return res
}

// Context exposes the execution log of the most recent run, for export and
// diagnostics.
func (o *Orchestrator) Context() *execctx.Context { return o.execCtx }

// skipGate reports whether the evaluate and critique stages should be
// bypassed: fast mode always skips, as does high-confidence analysis over
// high-quality data.
func (o *Orchestrator) skipGate(analysis *Analysis) bool {
	if o.fastMode {
		return true
	}
	return analysis != nil && analysis.Confidence > o.cfg.SkipConfidence && analysis.DataQuality == "high"
}

// refineExit picks the state after refinement settles.
func (o *Orchestrator) refineExit(analysis *Analysis) State {
	if o.skipGate(analysis) {
		o.publish(progress.TypeCritiquing, progress.StatusSkipped,
			"Critique skipped for performance", nil)
		return StateSummarize
	}
	return StateCritique
}

// stages

func (o *Orchestrator) plan(ctx context.Context, query string) (*Plan, error) {
	o.publish(progress.TypePlanning, progress.StatusStarted, "Analyzing query and creating plan...", nil)

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: plannerSystemPrompt,
		Messages:     []gateway.Message{{Role: gateway.RoleUser, Content: planUserPrompt(query)}},
		JSONMode:     true,
	})
	if err != nil {
		return nil, transientErr("plan", err)
	}

	plan, defaulted := decodePlan(resp.ParsedJSON)
	if defaulted {
		o.logger.Warn("Planner returned malformed plan, using fallback",
			zap.String("run_id", o.runID))
	}
	if plan.UseToolCalling && o.simplifyPlan(plan) {
		plan.UseToolCalling = false
		o.logger.Debug("Plan simplified to plan-based execution",
			zap.String("run_id", o.runID),
			zap.String("query_type", plan.QueryType),
			zap.Int("steps", len(plan.Steps)))
	}

	o.record(execctx.ExecutionStep{
		StepName:  "Planning",
		StepType:  "plan",
		InputData: map[string]interface{}{"query": query},
		OutputData: map[string]interface{}{
			"query_type":       plan.QueryType,
			"steps_count":      len(plan.Steps),
			"complexity":       plan.ExpectedComplexity,
			"use_tool_calling": plan.UseToolCalling,
			"defaulted":        defaulted,
		},
		Reasoning:  resp.Content,
		ModelUsed:  o.gw.Model(),
		TokensUsed: resp.TokensUsed,
	})
	o.publish(progress.TypePlanning, progress.StatusCompleted,
		fmt.Sprintf("Created a %s complexity plan with %d steps", plan.ExpectedComplexity, len(plan.Steps)),
		map[string]interface{}{
			"query_type":  plan.QueryType,
			"steps_count": len(plan.Steps),
			"complexity":  plan.ExpectedComplexity,
		})
	return plan, nil
}

// simplifyPlan reports whether a plan that requested tool calling should
// run plan-based anyway, trading flexibility for latency on queries that
// cannot use it.
func (o *Orchestrator) simplifyPlan(plan *Plan) bool {
	if plan.ExpectedComplexity == "low" || len(plan.Steps) <= 2 {
		return true
	}
	_, simple := simpleQueryTypes[plan.QueryType]
	return simple
}

func (o *Orchestrator) execute(ctx context.Context, plan *Plan, query string) ([]retrieval.SearchResult, error) {
	o.publish(progress.TypeExecuting, progress.StatusStarted, "Retrieving relevant data...", nil)

	var (
		results []retrieval.SearchResult
		tokens  int
		model   = "retrieval_system"
		err     error
	)
	if plan.UseToolCalling {
		model = o.gw.Model()
		results, tokens, err = o.executeToolLoop(ctx, query)
		if err != nil {
			return nil, err
		}
	} else {
		results = o.executePlanSteps(ctx, plan, query)
	}

	o.record(execctx.ExecutionStep{
		StepName:  "Execution",
		StepType:  "execute",
		InputData: map[string]interface{}{"steps_count": len(plan.Steps), "tool_calling": plan.UseToolCalling},
		OutputData: map[string]interface{}{
			"results_count": len(results),
		},
		Reasoning:  fmt.Sprintf("Retrieved %d relevant items", len(results)),
		ModelUsed:  model,
		TokensUsed: tokens,
	})
	o.publish(progress.TypeExecuting, progress.StatusCompleted,
		fmt.Sprintf("Retrieved %d relevant items", len(results)),
		map[string]interface{}{"results_count": len(results)})
	return results, nil
}

// validate scores retrieved results against query intent. An empty result
// set short-circuits to replan without consulting the reasoning service;
// otherwise the action derives locally from the score thresholds.
func (o *Orchestrator) validate(ctx context.Context, query string, results []retrieval.SearchResult) (*ValidationVerdict, error) {
	o.publish(progress.TypeValidating, progress.StatusStarted, "Validating retrieved results...", nil)

	if len(results) == 0 {
		verdict := &ValidationVerdict{RelevanceScore: 0, Action: ActionReplan}
		o.record(execctx.ExecutionStep{
			StepName:   "Validation",
			StepType:   "validate",
			OutputData: map[string]interface{}{"relevance_score": 0.0, "action": ActionReplan},
			Reasoning:  ErrEmptyResult.Error(),
			ModelUsed:  "retrieval_system",
		})
		o.publish(progress.TypeValidating, progress.StatusCompleted,
			"No documents retrieved, replanning",
			map[string]interface{}{"relevance_score": 0.0, "action": ActionReplan})
		return verdict, nil
	}

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: validatorSystemPrompt,
		Messages: []gateway.Message{{
			Role:    gateway.RoleUser,
			Content: validateUserPrompt(query, o.docsFor(results), o.cfg.AnalyzeSampleSize, o.cfg.AnalyzeTextLength),
		}},
		JSONMode: true,
	})
	if err != nil {
		return nil, transientErr("validate", err)
	}

	verdict, defaulted := decodeValidation(resp.ParsedJSON)
	if defaulted {
		o.logger.Warn("Validator returned malformed verdict, using mid-band default",
			zap.String("run_id", o.runID))
	}
	verdict.Action = o.deriveAction(verdict.RelevanceScore)

	o.record(execctx.ExecutionStep{
		StepName:   "Validation",
		StepType:   "validate",
		InputData:  map[string]interface{}{"results_count": len(results)},
		OutputData: map[string]interface{}{"relevance_score": verdict.RelevanceScore, "action": verdict.Action, "defaulted": defaulted},
		Reasoning:  resp.Content,
		ModelUsed:  o.gw.Model(),
		TokensUsed: resp.TokensUsed,
	})
	o.publish(progress.TypeValidating, progress.StatusCompleted,
		fmt.Sprintf("Relevance %.2f, action %s", verdict.RelevanceScore, verdict.Action),
		map[string]interface{}{"relevance_score": verdict.RelevanceScore, "action": verdict.Action})
	return verdict, nil
}

func (o *Orchestrator) deriveAction(score float64) string {
	switch {
	case score < o.cfg.ReplanThreshold:
		return ActionReplan
	case score < o.cfg.RefineThreshold:
		return ActionRefine
	default:
		return ActionProceed
	}
}

func (o *Orchestrator) analyze(ctx context.Context, query string, results []retrieval.SearchResult, plan *Plan) (*Analysis, error) {
	o.publish(progress.TypeAnalyzing, progress.StatusStarted, "Analyzing retrieved data...", nil)

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: analystSystemPrompt,
		Messages: []gateway.Message{{
			Role:    gateway.RoleUser,
			Content: analyzeUserPrompt(query, o.docsFor(results), plan, o.cfg.AnalyzeSampleSize, o.cfg.AnalyzeTextLength),
		}},
		JSONMode: true,
	})
	if err != nil {
		return nil, transientErr("analyze", err)
	}

	analysis, defaulted := decodeAnalysis(resp.ParsedJSON, len(results))
	if defaulted {
		o.logger.Warn("Analyst returned malformed analysis, using fallback",
			zap.String("run_id", o.runID))
	}

	o.record(execctx.ExecutionStep{
		StepName:  "Analysis",
		StepType:  "analyze",
		InputData: map[string]interface{}{"results_count": len(results)},
		OutputData: map[string]interface{}{
			"confidence":   analysis.Confidence,
			"data_quality": analysis.DataQuality,
			"themes":       analysis.MainThemes,
			"defaulted":    defaulted,
		},
		Reasoning:  resp.Content,
		ModelUsed:  o.gw.Model(),
		TokensUsed: resp.TokensUsed,
	})
	o.publish(progress.TypeAnalyzing, progress.StatusCompleted,
		fmt.Sprintf("Analysis completed with %.0f%% confidence", analysis.Confidence*100),
		map[string]interface{}{
			"confidence":  analysis.Confidence,
			"main_themes": headStrings(analysis.MainThemes, 3),
		})
	return analysis, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, query string, analysis *Analysis, plan *Plan, resultCount int) (*EvaluationVerdict, error) {
	o.publish(progress.TypeEvaluating, progress.StatusStarted, "Evaluating if replan needed...", nil)

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: evaluatorSystemPrompt,
		Messages: []gateway.Message{{
			Role:    gateway.RoleUser,
			Content: evaluateUserPrompt(query, analysis, plan, resultCount),
		}},
		JSONMode: true,
	})
	if err != nil {
		return nil, transientErr("evaluate", err)
	}

	verdict, defaulted := decodeEvaluation(resp.ParsedJSON)
	if defaulted {
		o.logger.Warn("Evaluator returned malformed verdict, proceeding with current plan",
			zap.String("run_id", o.runID))
	}

	o.record(execctx.ExecutionStep{
		StepName:   "Strategy Evaluation",
		StepType:   "evaluate",
		InputData:  map[string]interface{}{"results_count": resultCount},
		OutputData: map[string]interface{}{"replan_needed": verdict.ReplanNeeded, "reason": verdict.Reason, "defaulted": defaulted},
		Reasoning:  resp.Content,
		ModelUsed:  o.gw.Model(),
		TokensUsed: resp.TokensUsed,
	})

	msg := "Strategy is sound"
	if verdict.ReplanNeeded {
		msg = "Replan needed: " + verdict.Reason
	}
	o.publish(progress.TypeEvaluating, progress.StatusCompleted, msg,
		map[string]interface{}{"replan_needed": verdict.ReplanNeeded, "reason": verdict.Reason})
	return verdict, nil
}

// refine decides whether another retrieval pass is worthwhile. Two local
// overrides come before the reasoning service: stagnant confidence forces
// a stop regardless of what the service would recommend, and confidence
// already above the skip threshold makes the call pointless.
func (o *Orchestrator) refine(ctx context.Context, query string, analysis *Analysis, plan *Plan) (*RefinementDirective, error) {
	iteration := o.refineIters + 1
	o.publish(progress.TypeRefining, progress.StatusStarted,
		fmt.Sprintf("Checking if refinement needed (iteration %d)...", iteration),
		map[string]interface{}{"iteration": iteration})

	if confidenceStagnant(o.history, o.cfg.StagnationEpsilon) {
		directive := &RefinementDirective{
			RefinementNeeded:   false,
			ConfidenceStagnant: true,
			Reason:             "Confidence stagnant across iterations",
		}
		o.recordRefinement(directive, "Confidence stopped improving; stopping refinement locally", 0)
		return directive, nil
	}

	if conf := finalConfidence(analysis); conf > o.cfg.RefineSkipConfidence {
		directive := &RefinementDirective{
			RefinementNeeded: false,
			Reason:           fmt.Sprintf("High confidence achieved (%.2f)", conf),
		}
		o.recordRefinement(directive, "Confidence above refinement threshold; no call issued", 0)
		return directive, nil
	}

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: refinerSystemPrompt,
		Messages: []gateway.Message{{
			Role:    gateway.RoleUser,
			Content: refineUserPrompt(query, analysis, plan),
		}},
		JSONMode: true,
	})
	if err != nil {
		return nil, transientErr("refine", err)
	}

	directive, defaulted := decodeRefinement(resp.ParsedJSON)
	if defaulted {
		o.logger.Warn("Refiner returned malformed directive, skipping refinement",
			zap.String("run_id", o.runID))
	}
	o.recordRefinement(directive, resp.Content, resp.TokensUsed)
	return directive, nil
}

func (o *Orchestrator) recordRefinement(directive *RefinementDirective, reasoning string, tokens int) {
	o.record(execctx.ExecutionStep{
		StepName: "Refinement",
		StepType: "refine",
		OutputData: map[string]interface{}{
			"refinement_needed":   directive.RefinementNeeded,
			"reason":              directive.Reason,
			"confidence_stagnant": directive.ConfidenceStagnant,
			"next_steps":          len(directive.NextSteps),
		},
		Reasoning:  reasoning,
		ModelUsed:  o.gw.Model(),
		TokensUsed: tokens,
	})
	status := progress.StatusSkipped
	msg := "No refinement needed: " + directive.Reason
	if directive.RefinementNeeded {
		status = progress.StatusCompleted
		msg = "Refinement needed: " + directive.Reason
	}
	o.publish(progress.TypeRefining, status, msg,
		map[string]interface{}{
			"refinement_needed":   directive.RefinementNeeded,
			"confidence_stagnant": directive.ConfidenceStagnant,
		})
}

func (o *Orchestrator) critique(ctx context.Context, query string, analysis *Analysis, results []retrieval.SearchResult, summary string) (*CritiqueVerdict, error) {
	o.publish(progress.TypeCritiquing, progress.StatusStarted, "Reviewing for hallucinations and bias...", nil)

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: criticSystemPrompt,
		Messages: []gateway.Message{{
			Role:    gateway.RoleUser,
			Content: critiqueUserPrompt(query, analysis, o.docsFor(results), summary, o.cfg.CritiqueSampleSize, 120),
		}},
		JSONMode: true,
	})
	if err != nil {
		return nil, transientErr("critique", err)
	}

	verdict, defaulted := decodeCritique(resp.ParsedJSON)
	if defaulted {
		o.logger.Warn("Critic returned malformed verdict, passing critique",
			zap.String("run_id", o.runID))
	}

	o.record(execctx.ExecutionStep{
		StepName:  "Critique",
		StepType:  "critique",
		InputData: map[string]interface{}{"results_count": len(results)},
		OutputData: map[string]interface{}{
			"critique_passed": verdict.CritiquePassed,
			"hallucinations":  len(verdict.Hallucinations),
			"biases":          len(verdict.Biases),
			"defaulted":       defaulted,
		},
		Reasoning:  resp.Content,
		ModelUsed:  o.gw.Model(),
		TokensUsed: resp.TokensUsed,
	})

	msg := "Critique passed"
	if verdict.IssuesFound() {
		msg = fmt.Sprintf("Critique found issues (%d hallucinations, %d biases)",
			len(verdict.Hallucinations), len(verdict.Biases))
	}
	o.publish(progress.TypeCritiquing, progress.StatusCompleted, msg,
		map[string]interface{}{
			"critique_passed":      verdict.CritiquePassed,
			"hallucinations_count": len(verdict.Hallucinations),
			"biases_count":         len(verdict.Biases),
		})
	return verdict, nil
}

func (o *Orchestrator) summarize(ctx context.Context, query string, analysis *Analysis, plan *Plan) (string, error) {
	o.publish(progress.TypeSummarizing, progress.StatusStarted, "Generating final summary...", nil)

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: summarizerSystemPrompt,
		Messages: []gateway.Message{{
			Role:    gateway.RoleUser,
			Content: summarizeUserPrompt(query, analysis, plan),
		}},
		MaxTokens: o.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", transientErr("summarize", err)
	}

	o.record(execctx.ExecutionStep{
		StepName:   "Summarization",
		StepType:   "summarize",
		OutputData: map[string]interface{}{"summary_length": len(resp.Content)},
		Reasoning:  resp.Content,
		ModelUsed:  o.gw.Model(),
		TokensUsed: resp.TokensUsed,
	})
	o.publish(progress.TypeSummarizing, progress.StatusCompleted, "Summary complete", nil)
	return resp.Content, nil
}

// helpers

// confidenceStagnant reports whether the newest analysis failed to improve
// confidence by at least epsilon over the previous one. This is a hard
// local override that guarantees refinement loop termination even when the
// reasoning service keeps asking for more passes.
func confidenceStagnant(history []float64, epsilon float64) bool {
	n := len(history)
	return n > 1 && history[n-1]-history[n-2] < epsilon
}

func finalConfidence(analysis *Analysis) float64 {
	if analysis == nil {
		return 0.5
	}
	return clamp01(analysis.Confidence)
}

func planQueryType(plan *Plan) string {
	if plan == nil {
		return "other"
	}
	return plan.QueryType
}

// docsFor resolves search results to their corpus documents, preserving
// rank order and dropping ids unknown to the engine.
func (o *Orchestrator) docsFor(results []retrieval.SearchResult) []*corpus.Document {
	docs := make([]*corpus.Document, 0, len(results))
	for _, r := range results {
		if d, ok := o.engine.Document(r.DocumentID); ok {
			docs = append(docs, d)
		}
	}
	return docs
}

func headStrings(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (o *Orchestrator) record(step execctx.ExecutionStep) {
	o.execCtx.Append(step)
	o.execCtx.TruncateIfNeeded(o.ctxTokens)
}

func (o *Orchestrator) publish(eventType, status, message string, fields map[string]interface{}) {
	o.sink.Publish(progress.Event{
		RunID:   o.runID,
		Type:    eventType,
		Status:  status,
		Message: message,
		Fields:  fields,
	})
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransientCall):
		return "transient_call"
	case errors.Is(err, ErrFatalOrchestrator):
		return "fatal"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
