package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"uniq/internal/domain"
	"uniq/internal/memory"
	"uniq/internal/security"
)

func studentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student",
		Short: "Manage student accounts",
	}
	cmd.AddCommand(studentAddCmd(), studentListCmd(), studentDeleteCmd(), studentPasswdCmd())
	return cmd
}

// withStore opens the student database for one command.
func withStore(fn func(ctx context.Context, store *memory.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func studentAddCmd() *cobra.Command {
	var st domain.Student
	var password string

	cmd := &cobra.Command{
		Use:   "add [roll number]",
		Short: "Register a student (the password defaults to the roll number)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st.RollNo = args[0]
			if password == "" {
				password = st.RollNo
			}
			hash, err := security.HashPassword(password)
			if err != nil {
				return err
			}
			st.PasswordHash = hash
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				created, err := store.CreateStudent(ctx, st)
				if err != nil {
					return err
				}
				logger.Info("student registered", "id", created.ID, "roll_no", created.RollNo)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&st.Name, "name", "", "full name (required)")
	cmd.Flags().StringVar(&st.Department, "department", "", "department, e.g. CS")
	cmd.Flags().StringVar(&st.Branch, "branch", "", "branch")
	cmd.Flags().StringVar(&st.Semester, "semester", "", "semester, e.g. S5")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.MarkFlagRequired("name")
	return cmd
}

func studentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered students",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				students, err := store.ListStudents(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ROLL NO\tNAME\tDEPARTMENT\tBRANCH\tSEMESTER")
				for _, s := range students {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.RollNo, s.Name, s.Department, s.Branch, s.Semester)
				}
				return tw.Flush()
			})
		},
	}
}

func studentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [roll number]",
		Short: "Delete a student and unlink their chats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				if err := store.DeleteStudent(ctx, args[0]); err != nil {
					return err
				}
				logger.Info("student deleted", "roll_no", args[0])
				return nil
			})
		},
	}
}

func studentPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd [roll number] [new password]",
		Short: "Set a student's password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := security.HashPassword(args[1])
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				if err := store.SetPasswordHash(ctx, args[0], hash); err != nil {
					return err
				}
				logger.Info("password updated", "roll_no", args[0])
				return nil
			})
		},
	}
}
