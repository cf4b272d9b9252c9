package workflow

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/progress"
	"github.com/lodestone-ai/lodestone/internal/retrieval"
	"github.com/lodestone-ai/lodestone/internal/tools"
)

// ComparisonRun pairs a model identifier with the result its orchestrator
// produced for the shared query.
type ComparisonRun struct {
	Model  string  `json:"model"`
	Result *Result `json:"result"`
}

// ComparePool runs the same query once per candidate gateway, each in its
// own orchestrator over the shared read-only retrieval engine. The pool
// bounds concurrent runs so the combined outbound call rate stays inside
// provider limits.
type ComparePool struct {
	cfg       config.WorkflowConfig
	ctxTokens int
	registry  *tools.Registry
	engine    *retrieval.Engine
	sink      progress.Sink
	logger    *zap.Logger
	workers   int
}

// NewComparePool creates a pool running at most workers queries at once.
func NewComparePool(cfg config.WorkflowConfig, maxContextTokens, workers int, registry *tools.Registry, engine *retrieval.Engine, sink progress.Sink, logger *zap.Logger) *ComparePool {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComparePool{
		cfg:       cfg,
		ctxTokens: maxContextTokens,
		registry:  registry,
		engine:    engine,
		sink:      sink,
		logger:    logger,
		workers:   workers,
	}
}

// Compare runs q against every gateway and returns one entry per gateway
// in input order. Individual run failures land in their entry's Result
// with State FAILED; Compare itself only errors on context cancellation.
func (p *ComparePool) Compare(ctx context.Context, gateways []Gateway, q Query) ([]ComparisonRun, error) {
	runs := make([]ComparisonRun, len(gateways))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, gw := range gateways {
		g.Go(func() error {
			runQ := q
			if runQ.RunID != "" {
				runQ.RunID = runQ.RunID + "/" + gw.Model()
			}
			orch := New(p.cfg, p.ctxTokens, gw, p.registry, p.engine, p.sink, p.logger.With(zap.String("model", gw.Model())))
			runs[i] = ComparisonRun{Model: gw.Model(), Result: orch.Run(gctx, runQ)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}
	return runs, ctx.Err()
}
