package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"uniq/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGenerator answers Generate with answer/err and streams tokens
// followed by a done marker unless noDone or streamErr is set.
type scriptedGenerator struct {
	mu        sync.Mutex
	answer    string
	err       error
	tokens    []string
	streamErr error
	noDone    bool

	generateCalls int
	prompts       []string
}

func (g *scriptedGenerator) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generateCalls++
	g.prompts = append(g.prompts, req.Prompt)
	return g.answer, g.err
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, req domain.GenerateRequest, out chan<- domain.StreamEvent) error {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	tokens, streamErr, noDone := g.tokens, g.streamErr, g.noDone
	g.mu.Unlock()

	for _, tok := range tokens {
		select {
		case out <- domain.StreamEvent{Type: domain.StreamToken, Content: tok}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if streamErr != nil {
		return streamErr
	}
	if !noDone {
		out <- domain.StreamEvent{Type: domain.StreamDone}
	}
	return nil
}

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// collect returns a sink that appends to sb.
func collect(sb *strings.Builder) Sink {
	return func(s string) error {
		sb.WriteString(s)
		return nil
	}
}

var errGenDown = errors.New("connection refused")

func hit(file string, departments, semesters []string, text string) domain.SearchHit {
	return domain.SearchHit{Chunk: domain.Chunk{
		Text:   text,
		Source: domain.SourceID(file),
		Meta: domain.ChunkMetadata{
			FileName:    file,
			Departments: domain.NewLabels(departments),
			Semesters:   domain.NewLabels(semesters),
		},
	}}
}
