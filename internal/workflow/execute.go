package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lodestone-ai/lodestone/internal/gateway"
	"github.com/lodestone-ai/lodestone/internal/retrieval"
	"github.com/lodestone-ai/lodestone/internal/tools"
)

// executePlanSteps runs a plan's steps in order against the tool registry.
// Search steps use their description as the search query when present,
// otherwise the original query; filter steps narrow what earlier steps
// accumulated. Output is deduplicated by document id and capped.
func (o *Orchestrator) executePlanSteps(ctx context.Context, plan *Plan, query string) []retrieval.SearchResult {
	var all []retrieval.SearchResult
	for _, step := range plan.Steps {
		action := strings.ToLower(step.Action)
		switch action {
		case "", "search":
			searchQuery := step.Description
			if searchQuery == "" {
				searchQuery = query
			}
			tool := "hybrid_search"
			if hasTool(step.Tools, "keyword_search") && !hasTool(step.Tools, "hybrid_search") && !hasTool(step.Tools, "semantic_search") {
				tool = "keyword_search"
			}
			res := o.registry.Invoke(ctx, tool, map[string]interface{}{"query": searchQuery})
			if res.Success {
				all = append(all, res.Results...)
			}
		case "filter":
			if len(step.Filters) > 0 {
				all = o.engine.FilterByMetadata(all, step.Filters)
			}
		}
	}
	all = retrieval.Dedup(all)
	if len(all) > o.cfg.MaxRetrievalResults {
		all = all[:o.cfg.MaxRetrievalResults]
	}
	return all
}

// executeToolLoop is the dynamic execution path. The reasoning service is
// handed the tool catalog and drives retrieval itself, up to MaxToolCalls
// turns. Tool invocations within one turn fan out concurrently but their
// results are appended to the conversation in tool-call id order, so the
// transcript is reproducible regardless of completion order.
func (o *Orchestrator) executeToolLoop(ctx context.Context, query string) ([]retrieval.SearchResult, int, error) {
	msgs := []gateway.Message{{Role: gateway.RoleUser, Content: "Research query: " + query}}
	schemas := gatewaySchemas(o.registry.DescribeTools())

	var all []retrieval.SearchResult
	tokens := 0
	for turn := 0; turn < o.cfg.MaxToolCalls; turn++ {
		resp, err := o.gw.Complete(ctx, gateway.Request{
			SystemPrompt: toolLoopSystemPrompt,
			Messages:     msgs,
			Tools:        schemas,
		})
		if err != nil {
			return nil, tokens, transientErr("tool loop", err)
		}
		tokens += resp.TokensUsed
		if len(resp.ToolCalls) == 0 {
			break
		}

		calls := append([]gateway.ToolCall(nil), resp.ToolCalls...)
		sort.Slice(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })
		msgs = append(msgs, gateway.Message{Role: gateway.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		results := make([]tools.ToolResult, len(calls))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.ToolFanout)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = o.registry.Invoke(gctx, call.Name, call.Arguments)
				return nil
			})
		}
		_ = g.Wait() // tool failures surface in-band, never as errors
		if ctx.Err() != nil {
			return nil, tokens, ctx.Err()
		}

		for i, call := range calls {
			all = append(all, results[i].Results...)
			msgs = append(msgs, gateway.Message{
				Role:       gateway.RoleTool,
				ToolCallID: call.ID,
				Content:    toolResultContent(results[i]),
			})
		}
		all = retrieval.Dedup(all)
		if len(all) >= o.cfg.MinRelevantResults {
			break
		}
	}

	if len(all) > o.cfg.MaxRetrievalResults {
		all = all[:o.cfg.MaxRetrievalResults]
	}
	return all, tokens, nil
}

// toolResultContent renders one tool result as the content of its
// tool-role message. Document ids are enough for the model to reason about
// coverage without re-serializing full documents into the conversation.
func toolResultContent(res tools.ToolResult) string {
	payload := map[string]interface{}{
		"success":       res.Success,
		"results_count": len(res.Results),
	}
	if res.Message != "" {
		payload["message"] = res.Message
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	if len(res.Results) > 0 {
		n := len(res.Results)
		if n > 10 {
			n = 10
		}
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = res.Results[i].DocumentID
		}
		payload["document_ids"] = ids
	}
	if res.Trends != nil {
		payload["trends"] = res.Trends
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func gatewaySchemas(schemas []tools.ToolSchema) []gateway.ToolSchema {
	out := make([]gateway.ToolSchema, len(schemas))
	for i, s := range schemas {
		out[i] = gateway.ToolSchema{Name: s.Name, Description: s.Description, Parameters: s.Parameters}
	}
	return out
}

func hasTool(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}
