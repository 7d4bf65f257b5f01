package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"uniq/internal/domain"
	"uniq/internal/provider"
)

// stdoutSink prints fragments as they arrive.
func stdoutSink(fragment string) error {
	_, err := fmt.Fprint(os.Stdout, fragment)
	return err
}

func askCmd() *cobra.Command {
	var as string
	var student domain.StudentContext

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question from the terminal",
		Long: `Runs the same pipeline as POST /chat/stream. The asking student can be
taken from the database with --as, or described with the profile flags.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if as != "" {
				store, err := openStore(cfg, logger)
				if err != nil {
					return err
				}
				st, err := store.StudentByRollNo(ctx, as)
				store.Close()
				if err != nil {
					return fmt.Errorf("student %s: %w", as, err)
				}
				student = st.Context()
			}

			backend := provider.FromConfig(cfg.Ollama, nil, logger)
			ks, err := newKnowledgeStack(cfg, backend, logger)
			if err != nil {
				return err
			}
			defer ks.Close()

			assistant := newAssistant(cfg, backend, ks, nil, logger)
			ans, err := assistant.Answer(ctx, strings.Join(args, " "), student, stdoutSink)
			fmt.Println()
			if err != nil {
				return err
			}
			color.New(color.Faint).Fprintf(os.Stderr, "route: %s (%s), %d sources\n", ans.Route, ans.Reason, len(ans.Sources))
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "answer as the registered student with this roll number")
	cmd.Flags().StringVar(&student.Name, "name", "", "student name")
	cmd.Flags().StringVar(&student.Department, "department", "", "student department")
	cmd.Flags().StringVar(&student.Branch, "branch", "", "student branch")
	cmd.Flags().StringVar(&student.Semester, "semester", "", "student semester")
	return cmd
}

func researchCmd() *cobra.Command {
	var planOnly bool

	cmd := &cobra.Command{
		Use:   "research [query]",
		Short: "Research a topic on the web and stream a report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := provider.SharedHTTPClient(0)
			defer client.CloseIdleConnections()
			researcher, bridge := newResearcher(cfg, provider.FromConfig(cfg.Ollama, client, logger), client, logger)
			if researcher == nil {
				return fmt.Errorf("research mode is disabled (research.enabled = false)")
			}
			if bridge != nil {
				defer bridge.Close()
			}

			query := strings.Join(args, " ")
			heading := color.New(color.FgCyan, color.Bold)

			plan, fallback := researcher.Plan(ctx, query)
			heading.Fprintln(os.Stderr, "Research plan")
			if fallback {
				color.New(color.FgYellow).Fprintln(os.Stderr, "  (model plan unusable, using the default plan)")
			}
			printList("Objectives", plan.Objectives)
			printList("Search queries", plan.SearchQueries)
			printList("Sources", plan.Sources)
			printList("Analysis framework", plan.AnalysisFramework)
			if planOnly {
				return nil
			}

			results, err := researcher.Execute(ctx, query, plan)
			if err != nil {
				return err
			}
			heading.Fprintf(os.Stderr, "\n%d sources\n", len(results))
			for i, r := range results {
				fmt.Fprintf(os.Stderr, "  %d. %s (%.2f) %s\n", i+1, r.Title, r.RelevanceScore, r.URL)
			}
			fmt.Fprintln(os.Stderr)

			_, err = researcher.Synthesize(ctx, query, plan, results, stdoutSink)
			fmt.Println()
			return err
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "print the research plan and stop")
	return cmd
}

func printList(title string, items []string) {
	fmt.Fprintf(os.Stderr, "  %s:\n", title)
	for _, it := range items {
		fmt.Fprintf(os.Stderr, "    - %s\n", it)
	}
}
