package research

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"uniq/internal/domain"
)

// PageRenderer fetches the visible text of a page, typically through a
// headless browser.
type PageRenderer interface {
	RenderText(ctx context.Context, url string) (string, error)
}

// Executor runs the search queries of a plan and ranks what comes back.
type Executor struct {
	searcher     domain.Searcher
	renderer     PageRenderer // nil = no rendering of empty results
	depth        string
	maxQueries   int
	maxResults   int
	contentChars int
	minRelevance float64
	timeout      time.Duration
	logger       *slog.Logger
}

type ExecutorConfig struct {
	Searcher     domain.Searcher
	Renderer     PageRenderer
	Depth        string  // default "advanced"
	MaxQueries   int     // default 4
	MaxResults   int     // default 5
	ContentChars int     // default 8000
	MinRelevance float64 // results at or below are dropped, default 0.1
	Timeout      time.Duration
	Logger       *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Depth == "" {
		cfg.Depth = "advanced"
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 4
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.ContentChars <= 0 {
		cfg.ContentChars = 8000
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		searcher:     cfg.Searcher,
		renderer:     cfg.Renderer,
		depth:        cfg.Depth,
		maxQueries:   cfg.MaxQueries,
		maxResults:   cfg.MaxResults,
		contentChars: cfg.ContentChars,
		minRelevance: cfg.MinRelevance,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
	}
}

// Queries returns the search queries Execute will run: the plan's first
// MaxQueries, or the query itself when the plan has none.
func (e *Executor) Queries(query string, plan domain.ResearchPlan) []string {
	var out []string
	for _, q := range plan.SearchQueries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
		if len(out) == e.maxQueries {
			break
		}
	}
	if len(out) == 0 && strings.TrimSpace(query) != "" {
		out = []string{strings.TrimSpace(query)}
	}
	return out
}

// Execute searches every plan query in turn. A failed query is logged and
// skipped; results are deduplicated by URL (first wins), sorted by
// relevance and truncated. Only cancellation is returned as an error.
func (e *Executor) Execute(ctx context.Context, query string, plan domain.ResearchPlan) ([]domain.WebSearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var all []domain.WebSearchResult
	for _, q := range e.Queries(query, plan) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := e.search(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("search failed", "provider", e.searcher.Name(), "query", q, "error", err)
			continue
		}
		all = append(all, results...)
	}

	seen := make(map[string]struct{}, len(all))
	unique := make([]domain.WebSearchResult, 0, len(all))
	for _, r := range all {
		if _, dup := seen[r.URL]; dup {
			continue
		}
		seen[r.URL] = struct{}{}
		unique = append(unique, r)
	}
	sort.SliceStable(unique, func(i, j int) bool { return unique[i].RelevanceScore > unique[j].RelevanceScore })
	if len(unique) > e.maxResults {
		unique = unique[:e.maxResults]
	}
	e.logger.Info("research plan executed", "collected", len(all), "kept", len(unique))
	return unique, nil
}

// search runs one query and scores its results against that query.
func (e *Executor) search(ctx context.Context, q string) ([]domain.WebSearchResult, error) {
	raw, err := e.searcher.Search(ctx, domain.SearchRequest{Query: q, Depth: e.depth, MaxResults: e.maxResults})
	if err != nil {
		return nil, err
	}
	out := make([]domain.WebSearchResult, 0, len(raw))
	for _, r := range raw {
		if r.URL == "" {
			continue
		}
		content := CleanContent(firstNonEmpty(r.RawContent, r.Snippet), e.contentChars)
		if content == "" && e.renderer != nil {
			if text, err := e.renderer.RenderText(ctx, r.URL); err != nil {
				e.logger.Debug("page render failed", "url", r.URL, "error", err)
			} else {
				content = CleanContent(text, e.contentChars)
			}
		}
		score := RelevanceScore(q, content)
		if score <= e.minRelevance {
			continue
		}
		out = append(out, domain.WebSearchResult{
			Title:          r.Title,
			URL:            r.URL,
			Content:        content,
			RelevanceScore: score,
			SourceType:     SourceType(r.URL),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })
	if len(out) > e.maxResults {
		out = out[:e.maxResults]
	}
	return out, nil
}
