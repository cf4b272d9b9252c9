package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lodestone-ai/lodestone/internal/corpus"
)

// fakeEmbedder hashes words into a tiny deterministic vector space.
type fakeEmbedder struct {
	fail      bool
	failQuery bool
	calls     int
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	if f.fail || f.failQuery {
		return nil, errors.New("embedding backend unavailable")
	}
	return f.vec(text), nil
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vec(t)
	}
	return out, nil
}

func (f *fakeEmbedder) vec(text string) []float32 {
	v := make([]float32, 8)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, c := range w {
			h = h*31 + int(c)
		}
		if h < 0 {
			h = -h
		}
		v[h%8]++
	}
	return v
}

func testDocs() []corpus.Document {
	now := time.Now()
	return []corpus.Document{
		{
			ID: "post_1", Text: "AI breakthrough in quantum computing announced today",
			Author:     corpus.Author{Username: "researcher_1", DisplayName: "Researcher One", Verified: true, AuthorType: "researcher"},
			Engagement: corpus.Engagement{Likes: 500, Retweets: 100, Replies: 20},
			Sentiment:  "positive", Category: "tech", Topics: []string{"AI", "Quantum Computing"},
			Language: "en", CreatedAt: now.AddDate(0, 0, -1),
		},
		{
			ID: "post_2", Text: "quantum computing is overhyped and not production ready",
			Author:     corpus.Author{Username: "dev_2", DisplayName: "Dev Two", Verified: false, AuthorType: "developer"},
			Engagement: corpus.Engagement{Likes: 10, Retweets: 2, Replies: 1},
			Sentiment:  "negative", Category: "tech", Topics: []string{"Quantum Computing"},
			Language: "en", CreatedAt: now.AddDate(0, 0, -5),
		},
		{
			ID: "post_3", Text: "the US Open final was absolute scenes last night",
			Author:     corpus.Author{Username: "fan_3", DisplayName: "Fan Three", Verified: false, AuthorType: "regular_user"},
			Engagement: corpus.Engagement{Likes: 80, Retweets: 10, Replies: 5},
			Sentiment:  "positive", Category: "sports", Topics: []string{"tennis", "US Open"},
			Language: "en", CreatedAt: now.AddDate(0, 0, -2),
		},
	}
}

func newTestEngine(t *testing.T, emb Embedder) *Engine {
	t.Helper()
	e := NewEngine(testDocs(), emb, Config{}, zaptest.NewLogger(t))
	require.NoError(t, e.Build(context.Background()))
	return e
}

func TestLexicalSearchBoosts(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{})

	results := e.LexicalSearch(context.Background(), "quantum computing", 10)
	require.NotEmpty(t, results)

	// Both tech posts contain the exact phrase; post_1 wins through the
	// verified and engagement boosts.
	assert.Equal(t, "post_1", results[0].DocumentID)
	assert.Equal(t, "post_2", results[1].DocumentID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestHybridSearchDeterministic(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{})
	ctx := context.Background()

	first := e.HybridSearch(ctx, "quantum computing breakthrough", 5)
	for i := 0; i < 5; i++ {
		again := e.HybridSearch(ctx, "quantum computing breakthrough", 5)
		assert.Equal(t, first, again)
	}
}

func TestHybridSearchNoDuplicates(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{})

	results := e.HybridSearch(context.Background(), "quantum computing", 10)
	seen := map[string]bool{}
	for _, r := range results {
		assert.False(t, seen[r.DocumentID], "duplicate document %s", r.DocumentID)
		seen[r.DocumentID] = true
		assert.Equal(t, SourceHybrid, r.Source)
	}
}

func TestSemanticFailureDegradesToLexical(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{fail: true})

	assert.True(t, e.SemanticDisabled())

	// Hybrid still answers, backed purely by the lexical scorer.
	results := e.HybridSearch(context.Background(), "quantum computing", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, "post_1", results[0].DocumentID)
}

func TestQueryEmbeddingFailureFallsBack(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{failQuery: true})

	require.False(t, e.SemanticDisabled())
	results := e.SemanticSearch(context.Background(), "quantum computing", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, SourceLexical, results[0].Source)
}

func TestBuildUsesIndexCache(t *testing.T) {
	dir := t.TempDir()
	emb := &fakeEmbedder{}

	e1 := NewEngine(testDocs(), emb, Config{IndexCacheDir: dir}, zaptest.NewLogger(t))
	require.NoError(t, e1.Build(context.Background()))
	require.Equal(t, 1, emb.calls)

	// Second engine over the same corpus loads the persisted index.
	e2 := NewEngine(testDocs(), emb, Config{IndexCacheDir: dir}, zaptest.NewLogger(t))
	require.NoError(t, e2.Build(context.Background()))
	assert.Equal(t, 1, emb.calls, "cache hit must not re-embed the corpus")

	r1 := e1.SemanticSearch(context.Background(), "quantum computing", 3)
	r2 := e2.SemanticSearch(context.Background(), "quantum computing", 3)
	assert.Equal(t, r1, r2)
}

func TestBuildIsIdempotent(t *testing.T) {
	emb := &fakeEmbedder{}
	e := NewEngine(testDocs(), emb, Config{}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Build(context.Background()))
	}
	assert.Equal(t, 1, emb.calls)
}

func TestFilterByMetadata(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{})
	all := []SearchResult{
		{DocumentID: "post_1", Score: 0.9, Source: SourceHybrid},
		{DocumentID: "post_2", Score: 0.7, Source: SourceHybrid},
		{DocumentID: "post_3", Score: 0.5, Source: SourceHybrid},
	}

	verified := e.FilterByMetadata(all, map[string]interface{}{"verified": true})
	require.Len(t, verified, 1)
	assert.Equal(t, "post_1", verified[0].DocumentID)
	// Scores survive unchanged.
	assert.InDelta(t, 0.9, verified[0].Score, 1e-9)

	negatives := e.FilterByMetadata(all, map[string]interface{}{"sentiment": []interface{}{"negative"}})
	require.Len(t, negatives, 1)
	assert.Equal(t, "post_2", negatives[0].DocumentID)

	engaged := e.FilterByMetadata(all, map[string]interface{}{"min_engagement": "100"})
	require.Len(t, engaged, 1)
	assert.Equal(t, "post_1", engaged[0].DocumentID)

	sports := e.FilterByMetadata(all, map[string]interface{}{"category": "sports"})
	require.Len(t, sports, 1)
	assert.Equal(t, "post_3", sports[0].DocumentID)
}

func TestDedupKeepsHighestScore(t *testing.T) {
	in := []SearchResult{
		{DocumentID: "post_1", Score: 0.4, Source: SourceLexical},
		{DocumentID: "post_2", Score: 0.8, Source: SourceSemantic},
		{DocumentID: "post_1", Score: 0.9, Source: SourceSemantic},
	}
	out := Dedup(in)
	require.Len(t, out, 2)
	assert.Equal(t, "post_1", out[0].DocumentID)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
}

func TestTieBreakByDocumentID(t *testing.T) {
	// Two documents with identical text score identically; order must be
	// id-ascending.
	docs := []corpus.Document{
		{ID: "post_b", Text: "same text"},
		{ID: "post_a", Text: "same text"},
	}
	e := NewEngine(docs, nil, Config{}, zaptest.NewLogger(t))
	require.NoError(t, e.Build(context.Background()))

	results := e.LexicalSearch(context.Background(), "same text", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "post_a", results[0].DocumentID)
	assert.Equal(t, "post_b", results[1].DocumentID)
}

func TestLexicalSearchLargeCorpusTopK(t *testing.T) {
	docs := make([]corpus.Document, 50)
	for i := range docs {
		docs[i] = corpus.Document{
			ID:   fmt.Sprintf("post_%02d", i),
			Text: "shared topic words plus unique token",
		}
	}
	e := NewEngine(docs, nil, Config{}, zaptest.NewLogger(t))
	require.NoError(t, e.Build(context.Background()))

	results := e.LexicalSearch(context.Background(), "shared topic", 7)
	assert.Len(t, results, 7)
}
