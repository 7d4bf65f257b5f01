package domain

import "context"

// Route is the classifier decision for an incoming question.
type Route string

const (
	RouteGeneral Route = "GENERAL"
	RouteRAG     Route = "RAG"
)

// ResearchPlan is the structured plan produced for a research query. All four
// fields are always non-nil after normalisation.
type ResearchPlan struct {
	Objectives        []string `json:"objectives"`
	SearchQueries     []string `json:"search_queries"`
	Sources           []string `json:"sources"`
	AnalysisFramework []string `json:"analysis_framework"`
}

// Normalize replaces nil fields with empty lists.
func (p *ResearchPlan) Normalize() {
	if p.Objectives == nil {
		p.Objectives = []string{}
	}
	if p.SearchQueries == nil {
		p.SearchQueries = []string{}
	}
	if p.Sources == nil {
		p.Sources = []string{}
	}
	if p.AnalysisFramework == nil {
		p.AnalysisFramework = []string{}
	}
}

// RawSearchResult is what a web search provider returns.
type RawSearchResult struct {
	Title      string
	URL        string
	RawContent string // full page body (may be HTML); empty if the provider gave none
	Snippet    string
}

// WebSearchResult is a cleaned, scored research source.
type WebSearchResult struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	SourceType     string  `json:"source_type"`
}

// SearchRequest carries the provider knobs for a single web search.
type SearchRequest struct {
	Query      string
	Depth      string // "basic" | "advanced"
	MaxResults int
}

// Searcher is a web search provider.
type Searcher interface {
	Name() string
	Search(ctx context.Context, req SearchRequest) ([]RawSearchResult, error)
}
