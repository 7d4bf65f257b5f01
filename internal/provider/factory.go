package provider

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"uniq/internal/config"
	"uniq/internal/domain"
)

// FromConfig builds the model backend: one Ollama host, or a failover chain
// when fallback hosts are configured. All hosts share client; nil creates
// one.
func FromConfig(cfg config.OllamaConfig, client *http.Client, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = SharedHTTPClient(0)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var backends []Backend
	seen := make(map[string]bool)
	for _, base := range append([]string{cfg.APIBase}, cfg.FallbackBases...) {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		backends = append(backends, NewOllama(OllamaConfig{
			APIBase:        base,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			NumGPU:         cfg.NumGPU,
			Timeout:        timeout,
			Client:         client,
			Logger:         logger,
		}))
	}

	switch len(backends) {
	case 0:
		return NewOllama(OllamaConfig{NumGPU: cfg.NumGPU, Timeout: timeout, Client: client, Logger: logger})
	case 1:
		return backends[0]
	default:
		logger.Info("model failover enabled", "hosts", len(backends))
		return NewFailover(backends, logger)
	}
}

// Options converts per-call-site settings into request options.
func Options(mo config.ModelOptions, numGPU int) domain.GenerateOptions {
	return domain.GenerateOptions{
		Temperature: mo.Temperature,
		ContextSize: mo.ContextSize,
		MaxTokens:   mo.MaxTokens,
		NumGPU:      numGPU,
	}
}
