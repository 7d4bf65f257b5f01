package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:      "~/.uniq",
			DocumentsDir: "~/.uniq/documents",
			LogLevel:     "info",
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8000,
			AllowedOrigins:    []string{"*"},
			ShutdownSeconds:   10,
			RequestsPerMinute: 20,
			RequestBurst:      5,
		},
		Ollama: OllamaConfig{
			APIBase:        "http://localhost:11434",
			Model:          "llama3.2:latest",
			EmbeddingModel: "all-minilm",
			NumGPU:         50,
			TimeoutSeconds: 300,
		},
		Generation: GenerationConfig{
			Chat:           ModelOptions{Temperature: 0.4, ContextSize: 8192},
			Classification: ModelOptions{Temperature: 0.1, ContextSize: 512, MaxTokens: 10},
			Plan:           ModelOptions{Temperature: 0.3, ContextSize: 8192},
			Synthesis:      ModelOptions{Temperature: 0.4, ContextSize: 24576},
		},
		Knowledge: KnowledgeConfig{
			IndexPath:          "index.jsonl",
			CachePath:          "embed_cache.db",
			CacheKey:           "files",
			ChunkSize:          512,
			ChunkOverlap:       128,
			MinChunkChars:      50,
			EmbedBatchSize:     8,
			CandidateK:         10,
			TopN:               3,
			DepartmentBonus:    3,
			SemesterBonus:      2,
			RemoveDeletedFiles: true,
			PDFToText:          "pdftotext",
			Watch:              false,
			WatchDebounceMs:    2000,
		},
		Auth: AuthConfig{
			DBPath:          "students.db",
			TokenTTLHours:   24,
			CacheTTLSeconds: 300,
			CacheSize:       100,
		},
		Research: ResearchConfig{
			Enabled:           true,
			Provider:          "auto",
			SearchDepth:       "advanced",
			MaxResults:        5,
			MaxQueries:        4,
			ContentChars:      8000,
			MinRelevance:      0.1,
			TimeoutSeconds:    300,
			SearchesPerSecond: 2,
		},
		Telegram: TelegramConfig{
			Enabled:     false,
			ParseMode:   "Markdown",
			LinkTTLDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
