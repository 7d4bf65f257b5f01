package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for Uni-Q.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Server     ServerConfig     `json:"server"`
	Ollama     OllamaConfig     `json:"ollama"`
	Generation GenerationConfig `json:"generation"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Auth       AuthConfig       `json:"auth"`
	Research   ResearchConfig   `json:"research"`
	Telegram   TelegramConfig   `json:"telegram"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	DataDir      string `json:"dataDir"`
	DocumentsDir string `json:"documentsDir"`
	LogLevel     string `json:"logLevel"`
	LogFile      string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	AdminKey          string   `json:"adminKey,omitempty"` // empty = admin routes open
	AllowedOrigins    []string `json:"allowedOrigins"`
	ShutdownSeconds   int      `json:"shutdownSeconds"`
	RequestsPerMinute float64  `json:"requestsPerMinute"` // per student on chat and research; 0 = unlimited
	RequestBurst      int      `json:"requestBurst"`
}

type OllamaConfig struct {
	APIBase        string   `json:"apiBase"`
	FallbackBases  []string `json:"fallbackBases,omitempty"` // tried in order when apiBase fails
	Model          string   `json:"model"`
	EmbeddingModel string   `json:"embeddingModel"`
	NumGPU         int      `json:"numGPU"`
	TimeoutSeconds int      `json:"timeoutSeconds"` // bound on a single generation or embedding call
}

// ModelOptions are the generation parameters for one call site.
type ModelOptions struct {
	Temperature float64 `json:"temperature"`
	ContextSize int     `json:"contextSize"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

type GenerationConfig struct {
	Chat           ModelOptions `json:"chat"`
	Classification ModelOptions `json:"classification"`
	Plan           ModelOptions `json:"plan"`
	Synthesis      ModelOptions `json:"synthesis"`
}

// KnowledgeConfig configures ingestion and retrieval.
type KnowledgeConfig struct {
	IndexPath          string `json:"indexPath"`
	CachePath          string `json:"cachePath"`
	CacheKey           string `json:"cacheKey"` // "files" | "content"
	ChunkSize          int    `json:"chunkSize"`    // characters per chunk
	ChunkOverlap       int    `json:"chunkOverlap"` // overlapping characters
	MinChunkChars      int    `json:"minChunkChars"`
	EmbedBatchSize     int    `json:"embedBatchSize"`
	CandidateK         int    `json:"candidateK"`
	TopN               int    `json:"topN"`
	DepartmentBonus    int    `json:"departmentBonus"`
	SemesterBonus      int    `json:"semesterBonus"`
	RemoveDeletedFiles bool   `json:"removeDeletedFiles"`
	PDFToText          string `json:"pdfToText"` // path to the pdftotext binary
	Watch              bool   `json:"watch"`
	WatchDebounceMs    int    `json:"watchDebounceMs"`
}

type AuthConfig struct {
	DBPath          string `json:"dbPath"`
	JWTSecret       string `json:"jwtSecret"`
	TokenTTLHours   int    `json:"tokenTTLHours"`
	CacheTTLSeconds int    `json:"cacheTTLSeconds"`
	CacheSize       int    `json:"cacheSize"`
}

type ResearchConfig struct {
	Enabled           bool    `json:"enabled"`
	Provider          string  `json:"provider"` // "auto" | "tavily" | "duckduckgo"
	TavilyAPIKey      string  `json:"tavilyApiKey,omitempty"`
	SearchDepth       string  `json:"searchDepth"`
	MaxResults        int     `json:"maxResults"`
	MaxQueries        int     `json:"maxQueries"`
	ContentChars      int     `json:"contentChars"`
	MinRelevance      float64 `json:"minRelevance"`
	TimeoutSeconds    int     `json:"timeoutSeconds"`
	SearchesPerSecond float64 `json:"searchesPerSecond"`
	RenderPages       bool    `json:"renderPages"` // render empty results with headless Chrome
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ParseMode   string `json:"parseMode"`
	LinkTTLDays int    `json:"linkTTLDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.uniq).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uniq"
	}
	return filepath.Join(home, ".uniq")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	// .env next to the config file, then in the working directory.
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.resolvePaths()
	cfg.applyEnvFallbacks()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefaults is Load, except that a missing file yields the defaults.
// found reports whether the file existed.
func LoadOrDefaults(path string) (cfg *Config, found bool, err error) {
	if _, statErr := os.Stat(ExpandPath(path)); errors.Is(statErr, fs.ErrNotExist) {
		if err := LoadDotEnv(".env"); err != nil {
			return nil, false, err
		}
		cfg = Defaults()
		cfg.resolvePaths()
		cfg.applyEnvFallbacks()
		return cfg, false, nil
	}
	cfg, err = Load(path)
	return cfg, err == nil, err
}

// resolvePaths expands ~/ and makes data files relative to general.dataDir.
func (c *Config) resolvePaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.DocumentsDir = ExpandPath(c.General.DocumentsDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Knowledge.IndexPath = c.dataPath(c.Knowledge.IndexPath)
	c.Knowledge.CachePath = c.dataPath(c.Knowledge.CachePath)
	c.Auth.DBPath = c.dataPath(c.Auth.DBPath)
}

// applyEnvFallbacks fills secrets left empty in the file from the environment.
func (c *Config) applyEnvFallbacks() {
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = os.Getenv("UNIQ_JWT_SECRET")
	}
	if c.Research.TavilyAPIKey == "" {
		c.Research.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
}

// SearchProvider resolves "auto" to tavily when an API key is configured.
func (r ResearchConfig) SearchProvider() string {
	if r.Provider == "auto" || r.Provider == "" {
		if r.TavilyAPIKey != "" {
			return "tavily"
		}
		return "duckduckgo"
	}
	return r.Provider
}

func (c *Config) dataPath(p string) string {
	p = ExpandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.General.DataDir, p)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DocumentsDir == "" {
		errs = append(errs, "general.documentsDir is required")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.RequestsPerMinute < 0 {
		errs = append(errs, "server.requestsPerMinute must be >= 0")
	}
	if cfg.Server.RequestBurst < 0 {
		errs = append(errs, "server.requestBurst must be >= 0")
	}
	if cfg.Ollama.Model == "" {
		errs = append(errs, "ollama.model is required")
	}
	if cfg.Ollama.EmbeddingModel == "" {
		errs = append(errs, "ollama.embeddingModel is required")
	}
	if cfg.Ollama.TimeoutSeconds < 1 {
		errs = append(errs, "ollama.timeoutSeconds must be >= 1")
	}

	for name, opts := range map[string]ModelOptions{
		"chat":           cfg.Generation.Chat,
		"classification": cfg.Generation.Classification,
		"plan":           cfg.Generation.Plan,
		"synthesis":      cfg.Generation.Synthesis,
	} {
		if opts.Temperature < 0 || opts.Temperature > 2 {
			errs = append(errs, fmt.Sprintf("generation.%s.temperature must be between 0 and 2", name))
		}
		if opts.ContextSize < 1 {
			errs = append(errs, fmt.Sprintf("generation.%s.contextSize must be >= 1", name))
		}
	}

	k := cfg.Knowledge
	if k.ChunkSize < 1 {
		errs = append(errs, "knowledge.chunkSize must be >= 1")
	}
	if k.ChunkOverlap < 0 || k.ChunkOverlap >= k.ChunkSize {
		errs = append(errs, "knowledge.chunkOverlap must be >= 0 and smaller than chunkSize")
	}
	if k.EmbedBatchSize < 1 {
		errs = append(errs, "knowledge.embedBatchSize must be >= 1")
	}
	if k.TopN < 1 || k.CandidateK < k.TopN {
		errs = append(errs, "knowledge.topN must be >= 1 and candidateK >= topN")
	}
	switch k.CacheKey {
	case "files", "content":
	default:
		errs = append(errs, "knowledge.cacheKey must be one of: files, content")
	}

	if cfg.Auth.TokenTTLHours < 1 {
		errs = append(errs, "auth.tokenTTLHours must be >= 1")
	}
	if cfg.Auth.CacheSize < 1 {
		errs = append(errs, "auth.cacheSize must be >= 1")
	}

	if cfg.Research.Enabled {
		switch cfg.Research.Provider {
		case "auto", "duckduckgo":
		case "tavily":
			if cfg.Research.TavilyAPIKey == "" {
				errs = append(errs, "research.tavilyApiKey is required for the tavily provider")
			}
		default:
			errs = append(errs, "research.provider must be one of: auto, tavily, duckduckgo")
		}
		if cfg.Research.MaxResults < 1 || cfg.Research.MaxQueries < 1 {
			errs = append(errs, "research.maxResults and research.maxQueries must be >= 1")
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
