package research

import (
	"context"
	"log/slog"

	"uniq/internal/agent"
	"uniq/internal/domain"
	"uniq/internal/metrics"
)

// Researcher ties the planner, the executor and report streaming together.
type Researcher struct {
	planner   *Planner
	executor  *Executor
	streamer  *agent.Streamer
	synthOpts domain.GenerateOptions
	logger    *slog.Logger
}

type ResearcherConfig struct {
	Planner          *Planner
	Executor         *Executor
	Streamer         *agent.Streamer
	SynthesisOptions domain.GenerateOptions
	Logger           *slog.Logger
}

func NewResearcher(cfg ResearcherConfig) *Researcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Researcher{
		planner:   cfg.Planner,
		executor:  cfg.Executor,
		streamer:  cfg.Streamer,
		synthOpts: cfg.SynthesisOptions,
		logger:    cfg.Logger,
	}
}

// Plan generates a plan for query, falling back when the model fails.
func (r *Researcher) Plan(ctx context.Context, query string) (domain.ResearchPlan, bool) {
	metrics.ResearchRequests.Inc()
	return r.planner.GeneratePlan(ctx, query)
}

// Execute runs the plan's searches.
func (r *Researcher) Execute(ctx context.Context, query string, plan domain.ResearchPlan) ([]domain.WebSearchResult, error) {
	metrics.ResearchRequests.Inc()
	plan.Normalize()
	return r.executor.Execute(ctx, query, plan)
}

// Synthesize streams the long-form report. Sources are embedded in the
// prompt, so nothing is appended after the done marker.
func (r *Researcher) Synthesize(ctx context.Context, query string, plan domain.ResearchPlan, results []domain.WebSearchResult, sink agent.Sink) (agent.StreamOutcome, error) {
	metrics.ResearchRequests.Inc()
	plan.Normalize()
	req := domain.GenerateRequest{Prompt: SynthesisPrompt(query, plan, results), Options: r.synthOpts}
	return r.streamer.Stream(ctx, req, nil, sink)
}

// Run is the whole research mode in one call: plan, execute, synthesize.
func (r *Researcher) Run(ctx context.Context, query string, sink agent.Sink) (domain.ResearchPlan, []domain.WebSearchResult, error) {
	plan, fallback := r.Plan(ctx, query)
	if fallback {
		r.logger.Info("researching with fallback plan", "query", query)
	}
	results, err := r.Execute(ctx, query, plan)
	if err != nil {
		return plan, nil, err
	}
	_, err = r.Synthesize(ctx, query, plan, results, sink)
	return plan, results, err
}
