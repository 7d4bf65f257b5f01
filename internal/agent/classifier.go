package agent

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"uniq/internal/domain"
	"uniq/internal/metrics"
)

// Classification is the routing decision for one question.
type Classification struct {
	Route  domain.Route `json:"route"`
	Reason string       `json:"reason"`
}

// Classification reasons.
const (
	ReasonGreeting       = "greeting"
	ReasonKeyword        = "keyword"
	ReasonModel          = "model"
	ReasonModelAmbiguous = "model_ambiguous"
	ReasonModelError     = "model_error"
	ReasonEmpty          = "empty"
)

// DefaultGreetings are matched as whole words or word sequences.
var DefaultGreetings = []string{
	"hi", "hello", "hey", "hiya", "yo",
	"good morning", "good afternoon", "good evening", "good night",
	"how are you", "what's up", "whats up", "sup",
	"thanks", "thank you", "thx", "bye", "goodbye", "see you",
	"who are you", "nice to meet you",
}

// DefaultAcademicKeywords are matched as substrings.
var DefaultAcademicKeywords = []string{
	"chapter", "assignment", "syllabus", "exam", "project", "document", "pdf",
	"explain", "summarize", "how to", "requirements",
}

// Classifier decides between GENERAL and RAG: greeting phrases first,
// then academic keywords, then a short model call. Anything the model does
// not clearly call GENERAL is RAG.
type Classifier struct {
	gen       domain.Generator
	opts      domain.GenerateOptions
	greetings []string // lower-case, single-spaced
	keywords  []string // lower-case
	logger    *slog.Logger
}

type ClassifierConfig struct {
	Generator domain.Generator
	Options   domain.GenerateOptions
	Greetings []string // nil = DefaultGreetings
	Keywords  []string // nil = DefaultAcademicKeywords
	Logger    *slog.Logger
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Greetings == nil {
		cfg.Greetings = DefaultGreetings
	}
	if cfg.Keywords == nil {
		cfg.Keywords = DefaultAcademicKeywords
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Pre-compute lowercase phrases to avoid repeated ToLower on every message.
	greetings := make([]string, 0, len(cfg.Greetings))
	for _, g := range cfg.Greetings {
		if g = strings.Join(words(g), " "); g != "" {
			greetings = append(greetings, g)
		}
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	return &Classifier{
		gen:       cfg.Generator,
		opts:      cfg.Options,
		greetings: greetings,
		keywords:  keywords,
		logger:    cfg.Logger,
	}
}

// Classify never fails; model errors fall back to RAG.
func (c *Classifier) Classify(ctx context.Context, question string, student domain.StudentContext) Classification {
	res := c.classify(ctx, question, student)
	metrics.RouteDecisions(string(res.Route), res.Reason).Inc()
	c.logger.Debug("question classified", "route", res.Route, "reason", res.Reason)
	return res
}

func (c *Classifier) classify(ctx context.Context, question string, student domain.StudentContext) Classification {
	lower := strings.ToLower(strings.TrimSpace(question))
	if lower == "" {
		return Classification{Route: domain.RouteGeneral, Reason: ReasonEmpty}
	}

	padded := " " + strings.Join(words(lower), " ") + " "
	for _, g := range c.greetings {
		if strings.Contains(padded, " "+g+" ") {
			return Classification{Route: domain.RouteGeneral, Reason: ReasonGreeting}
		}
	}
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			return Classification{Route: domain.RouteRAG, Reason: ReasonKeyword}
		}
	}

	if c.gen == nil {
		return Classification{Route: domain.RouteRAG, Reason: ReasonModelError}
	}
	answer, err := c.gen.Generate(ctx, domain.GenerateRequest{
		Prompt:  ClassificationPrompt(student, question),
		Options: c.opts,
	})
	if err != nil {
		c.logger.Warn("classification call failed, defaulting to RAG", "error", err)
		metrics.LLMErrors.Inc()
		return Classification{Route: domain.RouteRAG, Reason: ReasonModelError}
	}
	return parseClassification(answer)
}

// parseClassification maps a model answer to a route. Only an answer that
// names GENERAL and not RAG is GENERAL.
func parseClassification(answer string) Classification {
	upper := strings.ToUpper(answer)
	general := strings.Contains(upper, string(domain.RouteGeneral))
	rag := strings.Contains(upper, string(domain.RouteRAG))
	switch {
	case general && !rag:
		return Classification{Route: domain.RouteGeneral, Reason: ReasonModel}
	case rag && !general:
		return Classification{Route: domain.RouteRAG, Reason: ReasonModel}
	default:
		return Classification{Route: domain.RouteRAG, Reason: ReasonModelAmbiguous}
	}
}

// words lower-cases s and splits it into letter/digit/apostrophe runs.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
