package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"uniq/internal/channel"
	"uniq/internal/config"
	"uniq/internal/knowledge"
	"uniq/internal/metrics"
	"uniq/internal/provider"
	"uniq/internal/security"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logLevel   string // overrides general.logLevel when set
	closeLog   = func() {}
)

const linkCleanupInterval = time.Hour

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "uniq",
		Short:         "Uni-Q: question answering over university documents",
		Long:          "Uni-Q answers student questions from the university's documents and can research topics on the web.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.uniq/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.logLevel (debug, info, warn, error)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(askCmd())
	root.AddCommand(researchCmd())
	root.AddCommand(studentCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	err := root.Execute()
	closeLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config (defaults when the file is missing) and
// reconfigures the global logger from it.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, found, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	if err := setupLogger(cfg.General.LogLevel, cfg.General.LogFile); err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("config not found, using defaults", "path", cfgPath)
	}
	return cfg, nil
}

// setupLogger points the global logger at stderr and, when configured, a
// log file as well.
func setupLogger(level, file string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeLog = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with a fresh JWT secret and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			cfg.Auth.JWTSecret = hex.EncodeToString(secret)
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{config.ExpandPath(cfg.General.DataDir), config.ExpandPath(cfg.General.DocumentsDir)} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "documents", config.ExpandPath(cfg.General.DocumentsDir))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the Telegram bot and document watcher when enabled)",
		Long:  "Starts every enabled front end. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := provider.SharedHTTPClient(0)
	defer client.CloseIdleConnections()

	backend := provider.FromConfig(cfg.Ollama, client, logger)
	if err := backend.Healthy(ctx); err != nil {
		logger.Warn("model service unhealthy at startup", "backend", backend.Name(), "error", err)
	} else {
		logger.Info("model service healthy", "backend", backend.Name())
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	auth, err := newAuthenticator(cfg, store, logger)
	if err != nil {
		return err
	}

	ks, err := newKnowledgeStack(cfg, backend, logger)
	if err != nil {
		return err
	}
	defer ks.Close()
	if err := ks.index.Load(); err != nil {
		// Served anyway: /status reports the problem and an update rebuilds.
		logger.Error("vector index unreadable", "path", cfg.Knowledge.IndexPath, "error", err)
	}

	assistant := newAssistant(cfg, backend, ks, store, logger)
	researcher, bridge := newResearcher(cfg, backend, client, logger)
	if bridge != nil {
		defer bridge.Close()
	}

	limiter := security.NewRateLimiter(cfg.Server.RequestBurst, cfg.Server.RequestsPerMinute)
	webCfg := channel.WebConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AdminKey:        cfg.Server.AdminKey,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownSeconds) * time.Second,
		Version:         version,
		Auth:            auth,
		Students:        store,
		HashPassword:    security.HashPassword,
		Assistant:       assistant,
		Knowledge:       ks.ingestor,
		Index:           ks.index,
		Documents:       ks.metadata,
		Limiter:         limiter,
		Config:          cfg,
		Logger:          logger,
	}
	// A typed nil would make the interface non-nil.
	if researcher != nil {
		webCfg.Research = researcher
	}
	if cfg.Metrics.Enabled {
		webCfg.Metrics = metrics.Collector.Handler()
		webCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	web := channel.NewWeb(webCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := web.Start(gctx); err != nil {
			return fmt.Errorf("web: %w", err)
		}
		return nil
	})

	if cfg.Telegram.Enabled {
		links := security.NewLinkService(security.LinkConfig{
			Store:   store,
			Auth:    auth,
			TTLDays: cfg.Telegram.LinkTTLDays,
			Logger:  logger,
		})
		tgCfg := channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			ParseMode: cfg.Telegram.ParseMode,
			Links:     links,
			Assistant: assistant,
			Limiter:   limiter,
			Logger:    logger,
		}
		if researcher != nil {
			tgCfg.Research = researcher
		}
		tg := channel.NewTelegram(tgCfg)
		g.Go(func() error {
			if err := tg.Start(gctx); err != nil {
				return fmt.Errorf("telegram: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			ticker := time.NewTicker(linkCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := links.CleanExpired(gctx); err != nil {
						logger.Warn("telegram link cleanup failed", "error", err)
					}
				}
			}
		})
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Knowledge.Watch {
		watcher := knowledge.NewWatcher(knowledge.WatcherConfig{
			Ingestor: ks.ingestor,
			Dir:      cfg.General.DocumentsDir,
			Debounce: time.Duration(cfg.Knowledge.WatchDebounceMs) * time.Millisecond,
			Logger:   logger,
		})
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				return fmt.Errorf("document watcher: %w", err)
			}
			return nil
		})
	}

	logger.Info("uni-q started. Press Ctrl+C to stop.",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"research", researcher != nil,
		"watch", cfg.Knowledge.Watch,
	)
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show model service, index and account status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			backend := provider.FromConfig(cfg.Ollama, nil, logger)
			if err := backend.Healthy(ctx); err != nil {
				logger.Info("model service", "backend", backend.Name(), "healthy", false, "error", err)
			} else {
				logger.Info("model service", "backend", backend.Name(), "healthy", true)
			}

			index := knowledge.NewIndex(knowledge.IndexConfig{Path: cfg.Knowledge.IndexPath, Logger: logger})
			if stats, err := index.Stats(); err != nil {
				logger.Info("index", "path", cfg.Knowledge.IndexPath, "error", err)
			} else {
				logger.Info("index", "path", cfg.Knowledge.IndexPath, "entries", stats.Entries, "sources", len(stats.Sources))
			}

			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			students, err := store.ListStudents(ctx)
			if err != nil {
				return err
			}
			logger.Info("students", "db", cfg.Auth.DBPath, "count", len(students))
			logger.Info("research", "enabled", cfg.Research.Enabled, "provider", cfg.Research.SearchProvider())
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. knowledge.topN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. research.provider duckduckgo)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
