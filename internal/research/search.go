package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"uniq/internal/domain"
	"uniq/internal/provider"
)

const (
	tavilyEndpoint     = "https://api.tavily.com/search"
	duckDuckGoEndpoint = "https://api.duckduckgo.com/"
	searchMaxBytes     = 4 << 20
	userAgentString    = "Uni-Q/1.0"
)

// Tavily is the Tavily search API.
type Tavily struct {
	apiKey   string
	endpoint string
	client   *http.Client
	retry    provider.RetryPolicy
	logger   *slog.Logger
}

type TavilyConfig struct {
	APIKey   string
	Endpoint string // default https://api.tavily.com/search
	Client   *http.Client
	Retry    *provider.RetryPolicy
	Logger   *slog.Logger
}

func NewTavily(cfg TavilyConfig) *Tavily {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tavilyEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = provider.SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retry := provider.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second}
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Tavily{apiKey: cfg.APIKey, endpoint: cfg.Endpoint, client: cfg.Client, retry: retry, logger: cfg.Logger}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth,omitempty"`
	MaxResults        int    `json:"max_results,omitempty"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Results []struct {
		Title      string  `json:"title"`
		URL        string  `json:"url"`
		Content    string  `json:"content"`
		RawContent string  `json:"raw_content"`
		Score      float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, req domain.SearchRequest) ([]domain.RawSearchResult, error) {
	if t.apiKey == "" {
		return nil, fmt.Errorf("tavily: API key not configured")
	}
	body, err := json.Marshal(tavilyRequest{
		APIKey:            t.apiKey,
		Query:             req.Query,
		SearchDepth:       req.Depth,
		MaxResults:        req.MaxResults,
		IncludeAnswer:     true,
		IncludeRawContent: true,
	})
	if err != nil {
		return nil, err
	}

	resp, err := t.retry.Do(ctx, t.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+t.apiKey)
		r.Header.Set("User-Agent", userAgentString)
		return r, nil
	}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	defer resp.Body.Close()

	var parsed tavilyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, searchMaxBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}
	out := make([]domain.RawSearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, domain.RawSearchResult{
			Title:      r.Title,
			URL:        r.URL,
			RawContent: r.RawContent,
			Snippet:    r.Content,
		})
	}
	return out, nil
}

// DuckDuckGo uses the keyless Instant Answer API. Results are abstracts
// and related topics, so content is short.
type DuckDuckGo struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

type DuckDuckGoConfig struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewDuckDuckGo(cfg DuckDuckGoConfig) *DuckDuckGo {
	if cfg.Endpoint == "" {
		cfg.Endpoint = duckDuckGoEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = provider.SharedHTTPClient(15 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DuckDuckGo{endpoint: cfg.Endpoint, client: cfg.Client, logger: cfg.Logger}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

type ddgResponse struct {
	Abstract      string     `json:"Abstract"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	Answer        string     `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	Result   string     `json:"Result"`
	FirstURL string     `json:"FirstURL"`
	Name     string     `json:"Name"`
	Topics   []ddgTopic `json:"Topics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, req domain.SearchRequest) ([]domain.RawSearchResult, error) {
	endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1&skip_disambig=1", d.endpoint, url.QueryEscape(req.Query))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", userAgentString)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo search: HTTP %d", resp.StatusCode)
	}

	var ddg ddgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, searchMaxBytes)).Decode(&ddg); err != nil {
		return nil, fmt.Errorf("duckduckgo: parse response: %w", err)
	}

	var out []domain.RawSearchResult
	if text := firstNonEmpty(ddg.AbstractText, ddg.Abstract); text != "" && ddg.AbstractURL != "" {
		out = append(out, domain.RawSearchResult{Title: ddg.Heading, URL: ddg.AbstractURL, Snippet: text})
	}
	for _, t := range flattenTopics(ddg.RelatedTopics) {
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		out = append(out, domain.RawSearchResult{Title: topicTitle(t.Text), URL: t.FirstURL, Snippet: t.Text})
	}
	if req.MaxResults > 0 && len(out) > req.MaxResults {
		out = out[:req.MaxResults]
	}
	return out, nil
}

func flattenTopics(topics []ddgTopic) []ddgTopic {
	var out []ddgTopic
	for _, t := range topics {
		if len(t.Topics) > 0 {
			out = append(out, flattenTopics(t.Topics)...)
			continue
		}
		out = append(out, t)
	}
	return out
}

// topicTitle takes the leading phrase of a related-topic text.
func topicTitle(text string) string {
	if i := strings.Index(text, " - "); i > 0 {
		return text[:i]
	}
	if len(text) > 80 {
		return text[:80]
	}
	return text
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// RateLimited wraps a Searcher with a token bucket shared by all callers.
type RateLimited struct {
	searcher domain.Searcher
	limiter  *rate.Limiter
}

// NewRateLimited allows perSecond searches per second with a burst of one.
// perSecond <= 0 disables limiting.
func NewRateLimited(s domain.Searcher, perSecond float64) *RateLimited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimited{searcher: s, limiter: rate.NewLimiter(limit, 1)}
}

func (r *RateLimited) Name() string { return r.searcher.Name() }

func (r *RateLimited) Search(ctx context.Context, req domain.SearchRequest) ([]domain.RawSearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.searcher.Search(ctx, req)
}
