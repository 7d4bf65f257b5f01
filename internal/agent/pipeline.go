package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"uniq/internal/domain"
	"uniq/internal/knowledge"
	"uniq/internal/metrics"
)

// QueryLogger records answered questions.
type QueryLogger interface {
	LogQuery(ctx context.Context, rec domain.QueryRecord) error
}

// Answer summarises one answered question.
type Answer struct {
	Classification
	Sources []Citation    `json:"sources"`
	Outcome StreamOutcome `json:"-"`
}

// Assistant runs the question path: classify, retrieve when routed to RAG,
// then stream the synthesized answer.
type Assistant struct {
	classifier *Classifier
	retriever  *Retriever
	streamer   *Streamer
	chatOpts   domain.GenerateOptions
	queryLog   QueryLogger
	logger     *slog.Logger
}

type AssistantConfig struct {
	Classifier  *Classifier
	Retriever   *Retriever
	Streamer    *Streamer
	ChatOptions domain.GenerateOptions
	QueryLog    QueryLogger // optional
	Logger      *slog.Logger
}

func NewAssistant(cfg AssistantConfig) *Assistant {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assistant{
		classifier: cfg.Classifier,
		retriever:  cfg.Retriever,
		streamer:   cfg.Streamer,
		chatOpts:   cfg.ChatOptions,
		queryLog:   cfg.QueryLog,
		logger:     cfg.Logger,
	}
}

// Answer streams the reply to question through sink. Dependency failures are
// written into the stream. The error return is reserved for a refused sink,
// cancellation, and a corrupt index.
func (a *Assistant) Answer(ctx context.Context, question string, student domain.StudentContext, sink Sink) (Answer, error) {
	start := time.Now()
	metrics.ChatRequests.Inc()

	ans := Answer{Classification: a.classifier.Classify(ctx, question, student)}

	var (
		prompt    string
		citations []Citation
	)
	switch ans.Route {
	case domain.RouteGeneral:
		prompt = GeneralPrompt(student, question)
	default:
		hits, err := a.retriever.Retrieve(ctx, question, student)
		if err != nil {
			if errors.Is(err, knowledge.ErrIndexCorrupt) || ctx.Err() != nil {
				return ans, err
			}
			a.logger.Warn("retrieval failed", "error", err)
			metrics.LLMErrors.Inc()
			ans.Outcome.Failed = err
			if serr := sink(ErrorFragment(err)); serr != nil {
				return ans, serr
			}
			a.record(ctx, question, student, ans, start)
			return ans, nil
		}
		chunks := make([]domain.Chunk, len(hits))
		for i, h := range hits {
			chunks[i] = h.Chunk
		}
		prompt = ContextPrompt(student, chunks, question)
		citations = CitationsFromHits(hits)
	}

	outcome, err := a.streamer.Stream(ctx, domain.GenerateRequest{Prompt: prompt, Options: a.chatOpts}, citations, sink)
	ans.Outcome = outcome
	if outcome.Cited {
		ans.Sources = citations
	}
	if err != nil {
		return ans, err
	}
	a.record(ctx, question, student, ans, start)
	return ans, nil
}

func (a *Assistant) record(ctx context.Context, question string, student domain.StudentContext, ans Answer, start time.Time) {
	elapsed := time.Since(start)
	metrics.AnswerLatency.Observe(elapsed.Seconds())
	a.logger.Info("question answered",
		"student", student.RollNo,
		"route", ans.Route,
		"reason", ans.Reason,
		"sources", len(ans.Sources),
		"failed", ans.Outcome.Failed != nil,
		"took", elapsed.Round(time.Millisecond),
	)
	if a.queryLog == nil {
		return
	}
	sources := make([]string, len(ans.Sources))
	for i, c := range ans.Sources {
		sources[i] = c.FileName
	}
	rec := domain.QueryRecord{
		StudentID: student.StudentID,
		Question:  question,
		Route:     ans.Route,
		Reason:    ans.Reason,
		Sources:   sources,
		LatencyMs: elapsed.Milliseconds(),
	}
	if err := a.queryLog.LogQuery(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("failed to log query", "error", err)
	}
}
