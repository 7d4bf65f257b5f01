package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"uniq/internal/domain"
)

// Backend is a generation and embedding service, such as one Ollama host.
type Backend interface {
	domain.Generator
	domain.Embedder
	Name() string
	Healthy(ctx context.Context) error
}

// Failover tries multiple backends in order, falling back to the next one
// when the current fails. It implements domain.Generator and domain.Embedder.
type Failover struct {
	backends []Backend
	logger   *slog.Logger
}

// NewFailover creates a failover chain from the given backends.
// At least one backend is required.
func NewFailover(backends []Backend, logger *slog.Logger) *Failover {
	return &Failover{backends: backends, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (f *Failover) Healthy(ctx context.Context) error {
	for _, b := range f.backends {
		if err := b.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy backend in failover chain")
}

// Generate tries each backend in order and returns the first success.
func (f *Failover) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	var lastErr error
	for i, b := range f.backends {
		out, err := b.Generate(ctx, req)
		if err == nil {
			f.logUsed(b, i)
			return out, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		f.logFailed(b, i, err)
	}
	return "", fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}

// Embed tries each backend in order. All backends must serve the same
// embedding model or vectors become incomparable.
func (f *Failover) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for i, b := range f.backends {
		vecs, err := b.Embed(ctx, texts)
		if err == nil {
			f.logUsed(b, i)
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		f.logFailed(b, i, err)
	}
	return nil, fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}

// GenerateStream falls back to the next backend only while nothing has been
// forwarded to out. Once a fragment reached the caller, a failure is returned
// as is so the caller never sees output from two different generations.
func (f *Failover) GenerateStream(ctx context.Context, req domain.GenerateRequest, out chan<- domain.StreamEvent) error {
	var lastErr error
	for i, b := range f.backends {
		relay := make(chan domain.StreamEvent)
		errCh := make(chan error, 1)
		go func() {
			errCh <- b.GenerateStream(ctx, req, relay)
			close(relay)
		}()

		forwarded := 0
		for ev := range relay {
			select {
			case out <- ev:
				forwarded++
			case <-ctx.Done():
			}
		}
		err := <-errCh
		if err == nil || forwarded > 0 || ctx.Err() != nil {
			if err == nil {
				f.logUsed(b, i)
			}
			return err
		}
		lastErr = err
		f.logFailed(b, i, err)
	}
	if lastErr == nil {
		lastErr = errors.New("no backends configured")
	}
	return fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}

func (f *Failover) logUsed(b Backend, i int) {
	if i > 0 {
		f.logger.Info("failover: used fallback backend", "backend", b.Name(), "attempt", i+1)
	}
}

func (f *Failover) logFailed(b Backend, i int, err error) {
	f.logger.Warn("failover: backend failed, trying next", "backend", b.Name(), "attempt", i+1, "error", err)
}
