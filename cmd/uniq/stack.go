package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"uniq/internal/agent"
	"uniq/internal/browser"
	"uniq/internal/config"
	"uniq/internal/domain"
	"uniq/internal/knowledge"
	"uniq/internal/memory"
	"uniq/internal/provider"
	"uniq/internal/research"
	"uniq/internal/security"
)

// knowledgeStack is the ingestion side: documents in, vectors out.
type knowledgeStack struct {
	metadata *knowledge.MetadataStore
	cache    *knowledge.ContentCache
	gateway  *knowledge.Gateway
	index    *knowledge.Index
	ingestor *knowledge.Ingestor
}

func (k *knowledgeStack) Close() error {
	if k.cache == nil {
		return nil
	}
	return k.cache.Close()
}

func newKnowledgeStack(cfg *config.Config, embedder domain.Embedder, logger *slog.Logger) (*knowledgeStack, error) {
	for _, dir := range []string{cfg.General.DataDir, cfg.General.DocumentsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	cache, err := knowledge.OpenContentCache(cfg.Knowledge.CachePath)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	k := &knowledgeStack{
		metadata: knowledge.NewMetadataStore(cfg.General.DocumentsDir),
		cache:    cache,
		index:    knowledge.NewIndex(knowledge.IndexConfig{Path: cfg.Knowledge.IndexPath, Logger: logger}),
	}
	k.gateway = knowledge.NewGateway(knowledge.GatewayConfig{
		Embedder:  embedder,
		Cache:     cache,
		BatchSize: cfg.Knowledge.EmbedBatchSize,
		MinChars:  cfg.Knowledge.MinChunkChars,
		Logger:    logger,
	})
	k.ingestor = knowledge.NewIngestor(knowledge.IngestorConfig{
		Metadata:           k.metadata,
		Extractor:          knowledge.NewExtractor(knowledge.ExtractorConfig{PDFToText: cfg.Knowledge.PDFToText}),
		Splitter:           knowledge.NewSplitter(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap),
		Gateway:            k.gateway,
		Index:              k.index,
		CacheKey:           cfg.Knowledge.CacheKey,
		RemoveDeletedFiles: cfg.Knowledge.RemoveDeletedFiles,
		Logger:             logger,
	})
	return k, nil
}

// newAssistant wires the question path. queryLog may be nil.
func newAssistant(cfg *config.Config, gen domain.Generator, k *knowledgeStack, queryLog agent.QueryLogger, logger *slog.Logger) *agent.Assistant {
	numGPU := cfg.Ollama.NumGPU
	classifier := agent.NewClassifier(agent.ClassifierConfig{
		Generator: gen,
		Options:   provider.Options(cfg.Generation.Classification, numGPU),
		Logger:    logger,
	})
	retriever := agent.NewRetriever(agent.RetrieverConfig{
		Embedder:        k.gateway,
		Index:           k.index,
		CandidateK:      cfg.Knowledge.CandidateK,
		TopN:            cfg.Knowledge.TopN,
		DepartmentBonus: cfg.Knowledge.DepartmentBonus,
		SemesterBonus:   cfg.Knowledge.SemesterBonus,
		Logger:          logger,
	})
	return agent.NewAssistant(agent.AssistantConfig{
		Classifier:  classifier,
		Retriever:   retriever,
		Streamer:    agent.NewStreamer(gen, logger),
		ChatOptions: provider.Options(cfg.Generation.Chat, numGPU),
		QueryLog:    queryLog,
		Logger:      logger,
	})
}

// newSearcher picks the web search provider and applies the shared rate limit.
func newSearcher(cfg config.ResearchConfig, client *http.Client, logger *slog.Logger) domain.Searcher {
	var s domain.Searcher
	switch cfg.SearchProvider() {
	case "tavily":
		s = research.NewTavily(research.TavilyConfig{APIKey: cfg.TavilyAPIKey, Client: client, Logger: logger})
	default:
		s = research.NewDuckDuckGo(research.DuckDuckGoConfig{Client: client, Logger: logger})
	}
	logger.Info("research search provider", "provider", s.Name())
	return research.NewRateLimited(s, cfg.SearchesPerSecond)
}

// newResearcher returns nil when research mode is disabled. The browser is
// returned so the caller can close it; it is nil unless page rendering is on.
func newResearcher(cfg *config.Config, gen domain.Generator, client *http.Client, logger *slog.Logger) (*research.Researcher, *browser.Bridge) {
	if !cfg.Research.Enabled {
		return nil, nil
	}
	rc := cfg.Research
	timeout := time.Duration(rc.TimeoutSeconds) * time.Second

	var bridge *browser.Bridge
	var renderer research.PageRenderer
	if rc.RenderPages {
		bridge = browser.NewBridge(browser.BridgeConfig{
			ProfileDir: filepath.Join(cfg.General.DataDir, "chrome-profile"),
			Logger:     logger,
		})
		renderer = bridge
	}

	numGPU := cfg.Ollama.NumGPU
	r := research.NewResearcher(research.ResearcherConfig{
		Planner: research.NewPlanner(research.PlannerConfig{
			Generator: gen,
			Options:   provider.Options(cfg.Generation.Plan, numGPU),
			Timeout:   timeout,
			Logger:    logger,
		}),
		Executor: research.NewExecutor(research.ExecutorConfig{
			Searcher:     newSearcher(rc, client, logger),
			Renderer:     renderer,
			Depth:        rc.SearchDepth,
			MaxQueries:   rc.MaxQueries,
			MaxResults:   rc.MaxResults,
			ContentChars: rc.ContentChars,
			MinRelevance: rc.MinRelevance,
			Timeout:      timeout,
			Logger:       logger,
		}),
		Streamer:         agent.NewStreamer(gen, logger),
		SynthesisOptions: provider.Options(cfg.Generation.Synthesis, numGPU),
		Logger:           logger,
	})
	return r, bridge
}

// openStore opens the student database, creating its directory.
func openStore(cfg *config.Config, logger *slog.Logger) (*memory.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Auth.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Auth.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("student store: %w", err)
	}
	return store, nil
}

func newAuthenticator(cfg *config.Config, store *memory.SQLiteStore, logger *slog.Logger) (*security.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwtSecret (or UNIQ_JWT_SECRET) must be set; run 'uniq init' to generate one")
	}
	return security.NewAuthenticator(security.AuthenticatorConfig{
		Students:  store,
		Secret:    cfg.Auth.JWTSecret,
		TokenTTL:  time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
		CacheTTL:  time.Duration(cfg.Auth.CacheTTLSeconds) * time.Second,
		CacheSize: cfg.Auth.CacheSize,
		Logger:    logger,
	})
}
