package retrieval

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/corpus"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
)

// Source identifies which scorer produced a result.
type Source string

const (
	SourceLexical  Source = "lexical"
	SourceSemantic Source = "semantic"
	SourceHybrid   Source = "hybrid"
)

// SearchResult is a transient ranked reference to a corpus document.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Source     Source  `json:"source"`
}

// Embedder is the slice of the embedding service the engine needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// Config holds retrieval engine knobs.
type Config struct {
	HybridAlpha   float64
	LexicalTopK   int
	SemanticTopK  int
	IndexCacheDir string
}

// Engine turns a free-text query into a ranked, deduplicated list of
// documents. The corpus and the embedding index are immutable after Build,
// so all search methods are safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	docs   []corpus.Document
	byID   map[string]*corpus.Document
	tokens []map[string]struct{} // per-document token sets, parallel to docs
	lower  []string              // per-document lowercased search text

	embedder Embedder

	buildOnce sync.Once
	buildErr  error

	// Written once inside buildOnce, read-only afterwards.
	embeddings       [][]float32
	semanticDisabled bool
}

var wordRe = regexp.MustCompile(`\w+`)

// NewEngine creates an engine over a fixed corpus. Call Build before
// searching; search methods trigger it lazily as a safety net.
func NewEngine(docs []corpus.Document, embedder Embedder, cfg Config, logger *zap.Logger) *Engine {
	if cfg.HybridAlpha == 0 {
		cfg.HybridAlpha = 0.6
	}
	if cfg.LexicalTopK == 0 {
		cfg.LexicalTopK = 8
	}
	if cfg.SemanticTopK == 0 {
		cfg.SemanticTopK = 8
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		docs:     docs,
		byID:     make(map[string]*corpus.Document, len(docs)),
		tokens:   make([]map[string]struct{}, len(docs)),
		lower:    make([]string, len(docs)),
		embedder: embedder,
	}
	for i := range docs {
		e.byID[docs[i].ID] = &docs[i]
		text := strings.ToLower(docs[i].SearchText())
		e.lower[i] = text
		set := make(map[string]struct{})
		for _, w := range wordRe.FindAllString(text, -1) {
			set[w] = struct{}{}
		}
		e.tokens[i] = set
	}
	return e
}

// Build computes or loads the embedding index. Idempotent; concurrent calls
// collapse into a single build. A failing embedder degrades the engine to
// lexical-only search instead of failing hard.
func (e *Engine) Build(ctx context.Context) error {
	e.buildOnce.Do(func() {
		e.buildErr = e.build(ctx)
	})
	return e.buildErr
}

func (e *Engine) build(ctx context.Context) error {
	if e.embedder == nil {
		e.disableSemantic("no embedder configured", nil)
		return nil
	}

	hash := corpus.ContentHash(e.docs)
	if cached, ok := e.loadIndexCache(hash); ok {
		e.embeddings = cached
		ometrics.IndexCacheHits.Inc()
		e.logger.Info("Embedding index loaded from cache",
			zap.String("corpus_hash", hash[:12]),
			zap.Int("documents", len(e.docs)),
		)
		return nil
	}
	ometrics.IndexCacheMisses.Inc()

	texts := make([]string, len(e.docs))
	for i := range e.docs {
		texts[i] = e.docs[i].SearchText()
	}

	vecs, err := e.embedder.GenerateBatchEmbeddings(ctx, texts, "")
	if err != nil {
		e.disableSemantic("embedding generation failed", err)
		return nil
	}
	e.embeddings = vecs
	e.saveIndexCache(hash, vecs)

	e.logger.Info("Embedding index built",
		zap.String("corpus_hash", hash[:12]),
		zap.Int("documents", len(e.docs)),
	)
	return nil
}

func (e *Engine) disableSemantic(reason string, err error) {
	e.semanticDisabled = true
	ometrics.SemanticDisabled.Set(1)
	e.logger.Warn("Semantic search disabled, degrading to lexical-only",
		zap.String("reason", reason), zap.Error(err))
}

// SemanticDisabled reports whether the engine degraded to lexical-only.
func (e *Engine) SemanticDisabled() bool {
	e.buildOnce.Do(func() { e.buildErr = e.build(context.Background()) })
	return e.semanticDisabled
}

// Document returns the corpus record behind a search result.
func (e *Engine) Document(id string) (*corpus.Document, bool) {
	d, ok := e.byID[id]
	return d, ok
}

// Documents exposes the full corpus, read-only.
func (e *Engine) Documents() []corpus.Document { return e.docs }

// LexicalSearch scores documents by query word overlap with exact-phrase,
// verified-author, and high-engagement boosts. Deterministic for a fixed
// corpus: ties are broken by document id.
func (e *Engine) LexicalSearch(ctx context.Context, query string, k int) []SearchResult {
	start := time.Now()
	if k <= 0 {
		k = e.cfg.LexicalTopK
	}

	queryLower := strings.ToLower(query)
	queryWords := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(queryLower, -1) {
		queryWords[w] = struct{}{}
	}
	if len(queryWords) == 0 {
		return nil
	}

	results := make([]SearchResult, 0, len(e.docs))
	for i := range e.docs {
		overlap := 0
		for w := range queryWords {
			if _, ok := e.tokens[i][w]; ok {
				overlap++
			}
		}
		score := float64(overlap) / float64(len(queryWords))
		if score == 0 {
			continue
		}
		if strings.Contains(e.lower[i], queryLower) {
			score *= 2
		}
		if e.docs[i].Author.Verified {
			score *= 1.2
		}
		if e.docs[i].Engagement.Total() > 100 {
			score *= 1.1
		}
		results = append(results, SearchResult{DocumentID: e.docs[i].ID, Score: score, Source: SourceLexical})
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	ometrics.RecordSearchMetrics("lexical", "ok", time.Since(start).Seconds())
	return results
}

// SemanticSearch ranks documents by cosine similarity between the query
// embedding and the precomputed index. Falls back to lexical search when
// the engine is degraded.
func (e *Engine) SemanticSearch(ctx context.Context, query string, k int) []SearchResult {
	if err := e.Build(ctx); err != nil {
		return e.LexicalSearch(ctx, query, k)
	}
	if k <= 0 {
		k = e.cfg.SemanticTopK
	}
	if e.semanticDisabled || len(e.embeddings) == 0 {
		return e.LexicalSearch(ctx, query, k)
	}

	start := time.Now()
	qvec, err := e.embedder.GenerateEmbedding(ctx, query, "")
	if err != nil {
		ometrics.RecordSearchMetrics("semantic", "error", time.Since(start).Seconds())
		e.logger.Warn("Query embedding failed, falling back to lexical search", zap.Error(err))
		return e.LexicalSearch(ctx, query, k)
	}

	results := make([]SearchResult, 0, len(e.docs))
	for i := range e.docs {
		if i >= len(e.embeddings) || e.embeddings[i] == nil {
			continue
		}
		sim := cosineSimilarity(qvec, e.embeddings[i])
		results = append(results, SearchResult{DocumentID: e.docs[i].ID, Score: sim, Source: SourceSemantic})
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	ometrics.RecordSearchMetrics("semantic", "ok", time.Since(start).Seconds())
	return results
}

// HybridSearch blends semantic and lexical scores:
// score = alpha*semantic + (1-alpha)*lexical, each family max-normalized
// first. Ties break by document id so identical inputs always produce
// identical ranked output.
func (e *Engine) HybridSearch(ctx context.Context, query string, k int) []SearchResult {
	if k <= 0 {
		k = e.cfg.SemanticTopK
	}
	start := time.Now()
	alpha := e.cfg.HybridAlpha

	semantic := e.SemanticSearch(ctx, query, k*2)
	lexical := e.LexicalSearch(ctx, query, k*2)

	semScores := normalizeScores(semantic)
	lexScores := normalizeScores(lexical)

	ids := make(map[string]struct{}, len(semScores)+len(lexScores))
	for id := range semScores {
		ids[id] = struct{}{}
	}
	for id := range lexScores {
		ids[id] = struct{}{}
	}

	results := make([]SearchResult, 0, len(ids))
	for id := range ids {
		combined := alpha*semScores[id] + (1-alpha)*lexScores[id]
		results = append(results, SearchResult{DocumentID: id, Score: combined, Source: SourceHybrid})
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	ometrics.RecordSearchMetrics("hybrid", "ok", time.Since(start).Seconds())
	return results
}

// Dedup keeps the highest-scoring entry per document id, preserving rank
// order of the survivors.
func Dedup(results []SearchResult) []SearchResult {
	best := make(map[string]float64, len(results))
	for _, r := range results {
		if cur, ok := best[r.DocumentID]; !ok || r.Score > cur {
			best[r.DocumentID] = r.Score
		}
	}
	out := make([]SearchResult, 0, len(best))
	seen := make(map[string]struct{}, len(best))
	for _, r := range results {
		if _, done := seen[r.DocumentID]; done {
			continue
		}
		if r.Score == best[r.DocumentID] {
			seen[r.DocumentID] = struct{}{}
			out = append(out, r)
		}
	}
	sortResults(out)
	return out
}

// sortResults orders by score descending, then document id ascending.
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})
}

// normalizeScores max-normalizes one score family into [0,1].
func normalizeScores(results []SearchResult) map[string]float64 {
	maxScore := 0.0
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	if maxScore <= 0 {
		maxScore = 1
	}
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.DocumentID] = r.Score / maxScore
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
