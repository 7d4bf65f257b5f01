package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"uniq/internal/domain"
)

// Gateway sits between ingestion and the embedding service. It drops
// near-empty chunks, consults the content cache, and embeds misses in
// fixed-size batches submitted one after another.
type Gateway struct {
	embedder  domain.Embedder
	cache     *ContentCache // nil disables caching
	batchSize int
	minChars  int
	logger    *slog.Logger
}

type GatewayConfig struct {
	Embedder  domain.Embedder
	Cache     *ContentCache
	BatchSize int // default 8
	MinChars  int // default 50
	Logger    *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		embedder:  cfg.Embedder,
		cache:     cfg.Cache,
		batchSize: cfg.BatchSize,
		minChars:  cfg.MinChars,
		logger:    cfg.Logger,
	}
}

// EmbedResult is the output of EmbedChunks.
type EmbedResult struct {
	Chunks     []domain.Chunk
	Embeddings [][]float32
	CacheHit   bool
}

// Lookup returns the cached result for key, if any.
func (g *Gateway) Lookup(key string) (EmbedResult, bool) {
	if g.cache == nil || key == "" {
		return EmbedResult{}, false
	}
	entry, ok, err := g.cache.Lookup(key)
	if err != nil {
		g.logger.Warn("embedding cache read failed, recomputing", "key", key, "error", err)
		return EmbedResult{}, false
	}
	if !ok {
		return EmbedResult{}, false
	}
	g.logger.Info("embedding cache hit", "key", shortKey(key), "chunks", len(entry.Chunks))
	return EmbedResult{Chunks: entry.Chunks, Embeddings: entry.Embeddings, CacheHit: true}, true
}

// Compute drops short chunks, embeds the rest and stores the result under
// key. A failed cache write is logged, not returned.
func (g *Gateway) Compute(ctx context.Context, key string, chunks []domain.Chunk) (EmbedResult, error) {
	kept := g.filter(chunks)
	if dropped := len(chunks) - len(kept); dropped > 0 {
		g.logger.Debug("dropped short chunks", "dropped", dropped, "min_chars", g.minChars)
	}

	texts := make([]string, len(kept))
	for i, c := range kept {
		texts[i] = c.Text
	}
	vectors, err := g.EmbedTexts(ctx, texts)
	if err != nil {
		return EmbedResult{}, err
	}

	if g.cache != nil && key != "" {
		if err := g.cache.Store(key, kept, vectors); err != nil {
			g.logger.Warn("embedding cache write failed", "key", shortKey(key), "error", err)
		}
	}
	return EmbedResult{Chunks: kept, Embeddings: vectors}, nil
}

// EmbedChunks returns the cached result for key or computes it.
func (g *Gateway) EmbedChunks(ctx context.Context, key string, chunks []domain.Chunk) (EmbedResult, error) {
	if res, ok := g.Lookup(key); ok {
		return res, nil
	}
	return g.Compute(ctx, key, chunks)
}

// EmbedTexts embeds texts in batches, preserving order.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		vecs, err := g.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors", start, end, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single question.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

func (g *Gateway) filter(chunks []domain.Chunk) []domain.Chunk {
	kept := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if utf8.RuneCountInString(strings.TrimSpace(c.Text)) < g.minChars {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
