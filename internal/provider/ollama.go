package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"uniq/internal/domain"
)

const (
	ollamaDefaultBase       = "http://localhost:11434"
	ollamaDefaultModel      = "llama3.2:latest"
	ollamaDefaultEmbedModel = "all-minilm"
	ollamaDefaultTimeout    = 300 * time.Second
	ollamaMaxLineBytes      = 1 << 20
)

// Ollama implements domain.Generator and domain.Embedder against a local or
// remote Ollama server.
type Ollama struct {
	apiBase    string
	model      string
	embedModel string
	numGPU     int
	timeout    time.Duration
	retry      RetryPolicy
	client     *http.Client
	logger     *slog.Logger
}

type OllamaConfig struct {
	APIBase        string
	Model          string
	EmbeddingModel string
	NumGPU         int           // default GPU layer hint when a request leaves it unset
	Timeout        time.Duration // bound on one generation or embedding call
	Retry          *RetryPolicy
	Client         *http.Client // shared pooled client; a private one is created when nil
	Logger         *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = ollamaDefaultEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ollamaDefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retry := DefaultRetryPolicy
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Ollama{
		apiBase:    cfg.APIBase,
		model:      cfg.Model,
		embedModel: cfg.EmbeddingModel,
		numGPU:     cfg.NumGPU,
		timeout:    cfg.Timeout,
		retry:      retry,
		client:     cfg.Client,
		logger:     cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama(" + o.apiBase + ")" }

// Model returns the default generation model.
func (o *Ollama) Model() string { return o.model }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// generateRequest matches the Ollama /api/generate request body.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// generateFrame is one NDJSON line of /api/generate output (or the whole
// body when not streaming).
type generateFrame struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) buildBody(req domain.GenerateRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	opts := map[string]any{
		"temperature": req.Options.Temperature,
	}
	if req.Options.ContextSize > 0 {
		opts["num_ctx"] = req.Options.ContextSize
	}
	if req.Options.MaxTokens > 0 {
		opts["num_predict"] = req.Options.MaxTokens
	}
	numGPU := req.Options.NumGPU
	if numGPU == 0 {
		numGPU = o.numGPU
	}
	if numGPU > 0 {
		opts["num_gpu"] = numGPU
	}
	body, err := json.Marshal(generateRequest{Model: model, Prompt: req.Prompt, Stream: stream, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (o *Ollama) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return o.retry.Do(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, o.logger)
}

// Generate returns the complete response for a prompt.
func (o *Ollama) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := o.buildBody(req, false)
	if err != nil {
		return "", err
	}
	resp, err := o.post(ctx, "/api/generate", body)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	var frame generateFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if frame.Error != "" {
		return "", fmt.Errorf("ollama generate: %s", frame.Error)
	}
	return frame.Response, nil
}

// GenerateStream streams response fragments as StreamToken events. A
// StreamDone event is sent when Ollama reports done. Lines that fail to decode
// are skipped.
func (o *Ollama) GenerateStream(ctx context.Context, req domain.GenerateRequest, out chan<- domain.StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := o.buildBody(req, true)
	if err != nil {
		return err
	}
	resp, err := o.post(ctx, "/api/generate", body)
	if err != nil {
		return fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	send := func(ev domain.StreamEvent) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), ollamaMaxLineBytes)
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame generateFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			skipped++
			continue
		}
		if frame.Error != "" {
			return fmt.Errorf("ollama stream: %s", frame.Error)
		}
		if frame.Response != "" {
			if err := send(domain.StreamEvent{Type: domain.StreamToken, Content: frame.Response}); err != nil {
				return err
			}
		}
		if frame.Done {
			if skipped > 0 {
				o.logger.Debug("skipped malformed stream frames", "count", skipped)
			}
			return send(domain.StreamEvent{Type: domain.StreamDone})
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	o.logger.Warn("ollama stream ended without done marker", "skipped", skipped)
	return nil
}

// Embed returns one vector per input text, in order.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: o.embedModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := o.post(ctx, "/api/embed", body)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(er.Embeddings), len(texts))
	}
	for i, v := range er.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("ollama embed: empty vector at index %d", i)
		}
	}
	return er.Embeddings, nil
}
