package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"uniq/internal/config"
	"uniq/internal/knowledge"
	"uniq/internal/provider"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	color.New(color.FgGreen).Print("  [PASS] ")
	fmt.Printf("%-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	color.New(color.FgYellow).Print("  [WARN] ")
	fmt.Printf("%-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	color.New(color.FgRed).Print("  [FAIL] ")
	fmt.Printf("%-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Uni-Q installation",
		Long: `Verifies the configuration, model service, documents, index, database
and listen port. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Uni-Q Doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'uniq init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config is invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if cfg.Auth.JWTSecret == "" {
				r.fail("JWT secret", "auth.jwtSecret and UNIQ_JWT_SECRET are both empty")
			} else {
				r.pass("JWT secret", "set")
			}
			if cfg.Server.AdminKey == "" {
				r.warn("Admin key", "server.adminKey is empty, admin routes are open")
			} else {
				r.pass("Admin key", "set")
			}

			backend := provider.FromConfig(cfg.Ollama, nil, logger)
			if err := backend.Healthy(ctx); err != nil {
				r.fail("Model service", fmt.Sprintf("%s: %v", backend.Name(), err))
			} else {
				r.pass("Model service", backend.Name())
			}

			if bin, err := exec.LookPath(cfg.Knowledge.PDFToText); err != nil {
				r.warn("pdftotext", fmt.Sprintf("%q not found, PDF ingestion will fail", cfg.Knowledge.PDFToText))
			} else {
				r.pass("pdftotext", bin)
			}

			if entries, err := os.ReadDir(cfg.General.DocumentsDir); err != nil {
				r.fail("Documents", err.Error())
			} else {
				n := 0
				for _, e := range entries {
					if !e.IsDir() && knowledge.Supported(e.Name()) {
						n++
					}
				}
				if n == 0 {
					r.warn("Documents", fmt.Sprintf("no supported files in %s", cfg.General.DocumentsDir))
				} else {
					r.pass("Documents", fmt.Sprintf("%d files in %s", n, cfg.General.DocumentsDir))
				}
			}

			index := knowledge.NewIndex(knowledge.IndexConfig{Path: cfg.Knowledge.IndexPath, Logger: logger})
			if stats, err := index.Stats(); err != nil {
				r.fail("Vector index", err.Error())
			} else if stats.Entries == 0 {
				r.warn("Vector index", "empty, run 'uniq ingest rebuild'")
			} else {
				r.pass("Vector index", fmt.Sprintf("%d entries from %d sources", stats.Entries, len(stats.Sources)))
			}

			if err := checkDatabase(ctx, cfg.Auth.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Auth.DBPath)
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("HTTP port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}

			if cfg.Research.Enabled {
				r.pass("Research", "search provider "+cfg.Research.SearchProvider())
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
