package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_NegativeRateLimit(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RequestsPerMinute = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative requestsPerMinute")
	}

	cfg.Server.RequestsPerMinute = 0 // unlimited
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero should disable limiting: %v", err)
	}
}

func TestValidate_ChunkOverlapMustBeSmallerThanSize(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.ChunkOverlap = cfg.Knowledge.ChunkSize
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when overlap == chunk size")
	}
}

func TestValidate_CandidateKBelowTopN(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.CandidateK = 2
	cfg.Knowledge.TopN = 3
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when candidateK < topN")
	}
}

func TestValidate_CacheKeyModes(t *testing.T) {
	for _, mode := range []string{"files", "content"} {
		cfg := Defaults()
		cfg.Knowledge.CacheKey = mode
		if err := Validate(cfg); err != nil {
			t.Fatalf("cacheKey %q should be valid: %v", mode, err)
		}
	}
	cfg := Defaults()
	cfg.Knowledge.CacheKey = "mtime"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for cacheKey=mtime")
	}
}

func TestValidate_TavilyRequiresKey(t *testing.T) {
	cfg := Defaults()
	cfg.Research.Provider = "tavily"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for tavily without api key")
	}
	cfg.Research.TavilyAPIKey = "tvly-123"
	if err := Validate(cfg); err != nil {
		t.Fatalf("tavily with key should be valid: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Ollama.Model = ""
	cfg.Auth.CacheSize = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "ollama.model") || !strings.Contains(msg, "auth.cacheSize") {
		t.Fatalf("expected both violations reported, got: %s", msg)
	}
}

func TestValidate_TelegramRequiresToken(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.General.DataDir = dir
	original.Ollama.Model = "qwen2.5:7b"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Ollama.Model != "qwen2.5:7b" {
		t.Fatalf("expected 'qwen2.5:7b', got %q", loaded.Ollama.Model)
	}
	if loaded.Knowledge.IndexPath != filepath.Join(dir, "index.jsonl") {
		t.Fatalf("index path not resolved against dataDir: %q", loaded.Knowledge.IndexPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults_MissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("found should be false for a missing file")
	}
	if cfg.Auth.DBPath == "students.db" || !strings.HasSuffix(cfg.Auth.DBPath, "students.db") {
		t.Fatalf("db path not resolved: %q", cfg.Auth.DBPath)
	}
}

func TestLoadOrDefaults_InvalidFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrDefaults(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"knowledge": {"chunkSize": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for chunkSize=0")
	}
}

func TestLoad_ReadsDotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	os.Unsetenv("UNIQ_TEST_MODEL")
	t.Cleanup(func() { os.Unsetenv("UNIQ_TEST_MODEL") })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("UNIQ_TEST_MODEL=mistral:7b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"ollama": {"model": "${UNIQ_TEST_MODEL}"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ollama.Model != "mistral:7b" {
		t.Fatalf("expected model from .env, got %q", cfg.Ollama.Model)
	}
}

func TestLoad_SecretsFallBackToEnvironment(t *testing.T) {
	t.Setenv("UNIQ_JWT_SECRET", "from-env-secret")
	t.Setenv("TAVILY_API_KEY", "tvly-env")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgFile, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env-secret" {
		t.Fatalf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if got := cfg.Research.SearchProvider(); got != "tavily" {
		t.Fatalf("auto provider with key should resolve to tavily, got %q", got)
	}
}

func TestSearchProvider_AutoWithoutKey(t *testing.T) {
	r := Defaults().Research
	if got := r.SearchProvider(); got != "duckduckgo" {
		t.Fatalf("expected duckduckgo, got %q", got)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "ollama.model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "llama3.2:latest" {
		t.Fatalf("expected 'llama3.2:latest', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "ollama.model", "phi3"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Ollama.Model != "phi3" {
		t.Fatalf("expected 'phi3', got %q", cfg.Ollama.Model)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "research.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Research.Enabled {
		t.Fatal("expected research.enabled=false")
	}
}

func TestSetByPath_NumberConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "knowledge.topN", "5"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Knowledge.TopN != 5 {
		t.Fatalf("expected 5, got %d", cfg.Knowledge.TopN)
	}
	if err := SetByPath(cfg, "generation.chat.temperature", "0.7"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if cfg.Generation.Chat.Temperature != 0.7 {
		t.Fatalf("expected 0.7, got %v", cfg.Generation.Chat.Temperature)
	}
}

func TestSetByPath_ListAndOmittedKeys(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.allowedOrigins", "http://a.example, http://b.example"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	// adminKey is omitted from the file while empty.
	if err := SetByPath(cfg, "server.adminKey", "k3y-value"); err != nil {
		t.Fatalf("set omitted key: %v", err)
	}
	if cfg.Server.AdminKey != "k3y-value" {
		t.Fatalf("expected admin key to be set, got %q", cfg.Server.AdminKey)
	}
}

func TestSetByPath_Rejects(t *testing.T) {
	for _, tc := range []struct{ path, value string }{
		{"server.adminKye", "typo"},
		{"nonexistent.path", "x"},
		{"research.enabled", "maybe"},
		{"knowledge.topN", "three"},
		{"knowledge", "x"},
		{"server..port", "1"},
	} {
		cfg := Defaults()
		if err := SetByPath(cfg, tc.path, tc.value); err == nil {
			t.Errorf("SetByPath(%q, %q) should fail", tc.path, tc.value)
		}
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Research.TavilyAPIKey = "tvly-1234567890abcdefghijklmnop"
	cfg.Auth.JWTSecret = "super-secret-signing-key"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Research.TavilyAPIKey == cfg.Research.TavilyAPIKey {
		t.Fatal("tavily key should be masked")
	}
	if sanitized.Auth.JWTSecret == cfg.Auth.JWTSecret {
		t.Fatal("jwt secret should be masked")
	}
	if cfg.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Server.AdminKey = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Server.AdminKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Server.AdminKey)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.documentsDir", "knowledge.chunkSize", "generation.synthesis.contextSize", "server.requestsPerMinute"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_ModelOptionsPerCallSite(t *testing.T) {
	g := Defaults().Generation
	if g.Chat.Temperature != 0.4 || g.Chat.ContextSize != 8192 {
		t.Fatalf("chat options = %+v", g.Chat)
	}
	if g.Plan.Temperature != 0.3 || g.Plan.ContextSize != 8192 {
		t.Fatalf("plan options = %+v", g.Plan)
	}
	if g.Synthesis.ContextSize != 24576 {
		t.Fatalf("synthesis context = %d", g.Synthesis.ContextSize)
	}
	if g.Classification.Temperature >= g.Chat.Temperature {
		t.Fatal("classification must run colder than chat")
	}
}
