package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"uniq/internal/knowledge"
	"uniq/internal/provider"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Update the knowledge base from the documents directory",
	}

	var newFiles, updated, deleted []string
	update := &cobra.Command{
		Use:   "update",
		Short: "Ingest new, updated and deleted files by name",
		Example: `  uniq ingest update --new syllabus.pdf --updated calendar.pdf
  uniq ingest update --deleted old-timetable.pdf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := knowledge.UpdateRequest{NewFiles: newFiles, UpdatedFiles: updated, DeletedFiles: deleted}
			if req.Empty() {
				return fmt.Errorf("name at least one file with --new, --updated or --deleted")
			}
			return runIngest(func(ctx context.Context, in *knowledge.Ingestor) (knowledge.UpdateReport, error) {
				return in.Update(ctx, req)
			})
		},
	}
	update.Flags().StringSliceVar(&newFiles, "new", nil, "new document file names")
	update.Flags().StringSliceVar(&updated, "updated", nil, "changed document file names")
	update.Flags().StringSliceVar(&deleted, "deleted", nil, "removed document file names")

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-ingest every supported document in the documents directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(func(ctx context.Context, in *knowledge.Ingestor) (knowledge.UpdateReport, error) {
				return in.Rebuild(ctx)
			})
		},
	}

	cmd.AddCommand(update, rebuild)
	return cmd
}

func runIngest(run func(ctx context.Context, in *knowledge.Ingestor) (knowledge.UpdateReport, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ks, err := newKnowledgeStack(cfg, provider.FromConfig(cfg.Ollama, nil, logger), logger)
	if err != nil {
		return err
	}
	defer ks.Close()

	report, err := run(ctx, ks.ingestor)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r knowledge.UpdateReport) {
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)

	for _, f := range r.Ingested {
		ok.Print("  + ")
		fmt.Println(f)
	}
	for _, f := range r.Deleted {
		warn.Print("  - ")
		fmt.Println(f)
	}
	for _, s := range r.Skipped {
		warn.Print("  ! ")
		fmt.Printf("%s: %s\n", s.File, s.Reason)
	}
	cache := "miss"
	if r.CacheHit {
		cache = "hit"
	}
	fmt.Printf("\n%d chunks added, %d removed, %d entries in index (embedding cache %s)\n",
		r.Chunks, r.Removed, r.TotalEntries, cache)
}
