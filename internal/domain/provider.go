package domain

import "context"

// GenerateOptions are the per-call-site model parameters.
type GenerateOptions struct {
	Temperature float64
	ContextSize int // num_ctx
	MaxTokens   int // num_predict, 0 = model default
	NumGPU      int // layers offloaded to the GPU, 0 = server default
}

type GenerateRequest struct {
	Prompt  string
	Model   string // empty = provider default
	Options GenerateOptions
}

// Generator is the text generation service.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// GenerateStream sends StreamToken events as fragments arrive and a single
	// StreamDone event when the service signals completion. It does not close out.
	GenerateStream(ctx context.Context, req GenerateRequest, out chan<- StreamEvent) error
}

// Embedder turns a batch of texts into fixed-dimension vectors, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamDone  StreamEventType = "done"
	StreamError StreamEventType = "error"
)

// StreamEvent represents a single streaming event from the generation service.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"` // token text or error message
}
