package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"uniq/internal/domain"
	"uniq/internal/metrics"
)

// Sink receives streamed fragments in order. A non-nil error stops the
// stream; it is how a disconnected caller is reported.
type Sink func(fragment string) error

// Citation is one source listed after a grounded answer.
type Citation struct {
	FileName string `json:"file_name"`
	Display  string `json:"display"`
}

// Link is the click-through path for the source file.
func (c Citation) Link() string {
	return "/documents/" + url.PathEscape(c.FileName)
}

// CitationsFromHits lists the distinct source files of hits in order.
func CitationsFromHits(hits []domain.SearchHit) []Citation {
	seen := make(map[string]struct{}, len(hits))
	var out []Citation
	for _, h := range hits {
		name := h.Chunk.Meta.FileName
		if name == "" {
			name = h.Chunk.Source
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, Citation{FileName: name, Display: domain.SourceID(name)})
	}
	return out
}

// FormatCitations renders the trailing source block.
func FormatCitations(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n**Sources:**\n")
	for i, c := range citations {
		fmt.Fprintf(&sb, "%d. [%s](%s)\n", i+1, c.Display, c.Link())
	}
	return sb.String()
}

// ErrorFragment is the single terminal fragment that replaces normal output
// when the generation service fails.
func ErrorFragment(err error) string {
	return "Error: " + err.Error()
}

// StreamOutcome describes how a stream ended.
type StreamOutcome struct {
	Completed bool  // the service sent its done marker
	Cited     bool  // a source block was appended
	Failed    error // dependency failure reported inline, if any
}

// Streamer forwards generation fragments to a sink as they arrive and
// appends citations when the service signals completion.
type Streamer struct {
	gen    domain.Generator
	logger *slog.Logger
}

func NewStreamer(gen domain.Generator, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{gen: gen, logger: logger}
}

// Stream runs one generation call. Dependency failures become one
// "Error: ..." fragment and are reported in the outcome, not returned. The
// returned error is non-nil only when the sink refused a fragment or ctx
// was cancelled.
func (s *Streamer) Stream(ctx context.Context, req domain.GenerateRequest, citations []Citation, sink Sink) (StreamOutcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	events := make(chan domain.StreamEvent, 16)
	genErr := make(chan error, 1)
	go func() {
		genErr <- s.gen.GenerateStream(ctx, req, events)
		close(events)
	}()

	var (
		outcome   StreamOutcome
		sinkErr   error
		streamErr error
	)
	for ev := range events {
		if sinkErr != nil || outcome.Completed {
			continue // drain so the producer can exit
		}
		switch ev.Type {
		case domain.StreamToken:
			if ev.Content == "" {
				continue
			}
			if err := sink(ev.Content); err != nil {
				sinkErr = err
				cancel()
			}
		case domain.StreamDone:
			outcome.Completed = true
		case domain.StreamError:
			streamErr = errors.New(ev.Content)
		}
	}
	err := <-genErr

	if sinkErr != nil {
		return outcome, sinkErr
	}
	if outcome.Completed {
		if block := FormatCitations(citations); block != "" {
			if err := sink(block); err != nil {
				return outcome, err
			}
			outcome.Cited = true
		}
		return outcome, nil
	}

	if err == nil {
		err = streamErr
	}
	if err == nil {
		s.logger.Warn("generation stream ended without a done marker")
		return outcome, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, ctxErr
	}

	s.logger.Warn("generation stream failed", "error", err)
	metrics.LLMErrors.Inc()
	outcome.Failed = err
	if serr := sink(ErrorFragment(err)); serr != nil {
		return outcome, serr
	}
	return outcome, nil
}
