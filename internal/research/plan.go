// Package research implements the web research mode: a model-generated
// plan, rate-limited web searches, and a streamed long-form report.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"uniq/internal/domain"
	"uniq/internal/metrics"
)

var planFields = []string{"objectives", "search_queries", "sources", "analysis_framework"}

var planSchema = gojsonschema.NewGoLoader(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"objectives":         stringList,
		"search_queries":     stringList,
		"sources":            stringList,
		"analysis_framework": stringList,
	},
})

var stringList = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string"},
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// FallbackPlan is the deterministic plan used whenever the model's plan is
// unusable.
func FallbackPlan(query string) domain.ResearchPlan {
	q := strings.TrimSpace(query)
	return domain.ResearchPlan{
		Objectives: []string{
			"Research " + q + " comprehensively",
			"Find latest developments and research in " + q,
			"Identify key experts and authoritative sources on " + q,
		},
		SearchQueries: []string{
			q + " latest research papers " + fmt.Sprint(time.Now().Year()),
			q + " recent developments news",
			q + " expert analysis insights",
			q + " technical documentation guide",
		},
		Sources: []string{
			"academic papers and research journals",
			"latest news and industry reports",
			"expert opinions and analysis",
			"technical documentation and guides",
		},
		AnalysisFramework: []string{
			"background and fundamentals",
			"current state and latest developments",
			"key findings and breakthroughs",
			"implications and future outlook",
		},
	}
}

var (
	// ErrNoPlanJSON means the model output contained no JSON object.
	ErrNoPlanJSON = errors.New("no JSON object in plan output")
	// ErrEmptyPlan means the plan object had no usable field at all.
	ErrEmptyPlan = errors.New("plan has no usable fields")
)

// ParsePlan extracts the JSON object from model output and normalises it.
// Fields that are missing or not a list of strings are coerced: a single
// string becomes a one-element list, anything else keeps only its string
// items. issues lists the schema violations that were coerced. Output that
// is not a JSON object is an error.
func ParsePlan(output string) (plan domain.ResearchPlan, issues []string, err error) {
	raw := jsonObjectPattern.FindString(output)
	if raw == "" {
		return domain.ResearchPlan{}, nil, ErrNoPlanJSON
	}
	raw = stripLineComments(raw)

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.ResearchPlan{}, nil, fmt.Errorf("decode plan: %w", err)
	}

	result, err := gojsonschema.Validate(planSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return domain.ResearchPlan{}, nil, fmt.Errorf("validate plan: %w", err)
	}
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}

	lists := make(map[string][]string, len(planFields))
	for _, f := range planFields {
		if _, ok := doc[f]; !ok {
			issues = append(issues, f+": missing")
		}
		lists[f] = coerceList(doc[f])
	}
	plan = domain.ResearchPlan{
		Objectives:        lists["objectives"],
		SearchQueries:     lists["search_queries"],
		Sources:           lists["sources"],
		AnalysisFramework: lists["analysis_framework"],
	}
	plan.Normalize()
	if len(plan.Objectives)+len(plan.SearchQueries)+len(plan.Sources)+len(plan.AnalysisFramework) == 0 {
		return domain.ResearchPlan{}, issues, ErrEmptyPlan
	}
	return plan, issues, nil
}

func coerceList(v any) []string {
	out := []string{}
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		if strings.TrimSpace(val) != "" {
			out = append(out, strings.TrimSpace(val))
		}
	}
	return out
}

// stripLineComments drops // comments outside string literals; models
// sometimes echo the commented example format.
func stripLineComments(s string) string {
	var sb strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			sb.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				sb.WriteByte('\n')
			}
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Planner turns a query into a research plan.
type Planner struct {
	gen     domain.Generator
	opts    domain.GenerateOptions
	timeout time.Duration
	logger  *slog.Logger
}

type PlannerConfig struct {
	Generator domain.Generator
	Options   domain.GenerateOptions
	Timeout   time.Duration
	Logger    *slog.Logger
}

func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{gen: cfg.Generator, opts: cfg.Options, timeout: cfg.Timeout, logger: cfg.Logger}
}

// GeneratePlan never fails: any model, parse or validation problem yields
// FallbackPlan(query). fallback reports which one was returned.
func (p *Planner) GeneratePlan(ctx context.Context, query string) (plan domain.ResearchPlan, fallback bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.gen.Generate(ctx, domain.GenerateRequest{Prompt: PlanPrompt(query), Options: p.opts})
	var issues []string
	if err == nil {
		plan, issues, err = ParsePlan(output)
	}
	if err != nil {
		p.logger.Warn("research plan unusable, using fallback", "error", err)
		metrics.FallbackPlans.Inc()
		return FallbackPlan(query), true
	}
	for _, issue := range issues {
		p.logger.Warn("research plan field coerced", "issue", issue)
	}
	p.logger.Info("research plan generated",
		"objectives", len(plan.Objectives),
		"queries", len(plan.SearchQueries),
		"sources", len(plan.Sources),
		"framework", len(plan.AnalysisFramework))
	return plan, false
}
