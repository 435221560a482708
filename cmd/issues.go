package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/reporting"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

func newIssuesCmd() *cobra.Command {
	issuesCmd := &cobra.Command{
		Use:   "issues",
		Short: "Inspects tracked issues and their fix history",
	}
	issuesCmd.AddCommand(newIssuesListCmd(), newIssuesShowCmd(), newIssuesExportCmd())
	return issuesCmd
}

func newIssuesListCmd() *cobra.Command {
	var (
		project string
		file    string
		states  []string
		limit   int
		jsonOut bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := schemas.IssueFilter{Project: project, FilePath: file, Limit: limit}
			for _, s := range states {
				state, err := schemas.ParseIssueState(s)
				if err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}
			return withStore(cmd, func(ctx context.Context, st store.Repository) error {
				issues, err := st.ListIssues(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), issues)
				}
				return printIssues(cmd.OutOrStdout(), issues)
			})
		},
	}
	listCmd.Flags().StringVarP(&project, "project", "p", "", "only issues of this project")
	listCmd.Flags().StringVar(&file, "file", "", "only issues in this file (relative to the project root)")
	listCmd.Flags().StringSliceVar(&states, "state", nil, "only issues in these states, e.g. needs_review,detected")
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of issues")
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return listCmd
}

func newIssuesShowCmd() *cobra.Command {
	var jsonOut bool
	showCmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Shows an issue with every fix attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Repository) error {
				issue, err := st.GetIssue(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to load issue %s: %w", args[0], err)
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), issue)
				}
				return printIssue(cmd.OutOrStdout(), issue)
			})
		},
	}
	showCmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return showCmd
}

func newIssuesExportCmd() *cobra.Command {
	var (
		project string
		format  string
		output  string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Exports issues with their fixes as SARIF or JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Repository) error {
				issues, err := st.ListIssues(ctx, schemas.IssueFilter{Project: project})
				if err != nil {
					return err
				}

				writer := reporting.NopWriteCloser(cmd.OutOrStdout())
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create output file %s: %w", output, err)
					}
					writer = f
				}
				r, err := reporting.New(format, writer, Version)
				if err != nil {
					return err
				}
				for i := range issues {
					full, err := st.GetIssue(ctx, issues[i].ID)
					if err != nil {
						r.Close()
						return fmt.Errorf("failed to load issue %s: %w", issues[i].ID, err)
					}
					if err := r.Write(full); err != nil {
						r.Close()
						return err
					}
				}
				return r.Close()
			})
		},
	}
	exportCmd.Flags().StringVarP(&project, "project", "p", "", "only issues of this project")
	exportCmd.Flags().StringVarP(&format, "format", "f", reporting.FormatSARIF, "output format (sarif, json)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default is stdout)")
	return exportCmd
}

func printIssues(w io.Writer, issues []schemas.Issue) error {
	if len(issues) == 0 {
		_, err := fmt.Fprintln(w, "No issues.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTATE\tSEVERITY\tRULE\tLOCATION\tMESSAGE")
	for _, i := range issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s:%d\t%s\n",
			i.ID, i.State, i.Severity, i.Rule, i.FilePath, i.Span.StartLine, truncate(i.Message, 60))
	}
	return tw.Flush()
}

func printIssue(w io.Writer, i *schemas.Issue) error {
	fmt.Fprintf(w, "Issue %s\n", i.ID)
	fmt.Fprintf(w, "  project:   %s\n", i.Project)
	fmt.Fprintf(w, "  location:  %s:%d-%d\n", i.FilePath, i.Span.StartLine, i.Span.EndLine)
	fmt.Fprintf(w, "  rule:      %s (%s, %s)\n", i.Rule, i.Category, i.Severity)
	fmt.Fprintf(w, "  state:     %s\n", i.State)
	if i.ReviewDecision != schemas.ReviewNone {
		fmt.Fprintf(w, "  review:    %s\n", i.ReviewDecision)
	}
	fmt.Fprintf(w, "  message:   %s\n", i.Message)
	fmt.Fprintf(w, "  detected:  %s (last seen %s)\n", i.DetectedAt.Format("2006-01-02 15:04:05"), i.LastSeenAt.Format("2006-01-02 15:04:05"))
	if i.Snippet != "" {
		fmt.Fprintf(w, "  snippet:   %s\n", i.Snippet)
	}

	for _, a := range i.Attempts {
		applied := ""
		if a.Applied {
			applied = ", applied"
		}
		fmt.Fprintf(w, "\nAttempt %d: %s (confidence %.2f raw, %.2f calibrated) %s%s\n",
			a.Sequence, a.Strategy, a.RawConfidence, a.CalibratedConfidence, a.Validation, applied)
		switch {
		case a.FailedGate != "":
			fmt.Fprintf(w, "  failed %s gate: %s\n", a.FailedGate, a.FailureReason)
		case a.FailureReason != "":
			fmt.Fprintf(w, "  %s\n", a.FailureReason)
		}
		if a.Explanation != "" {
			fmt.Fprintf(w, "  %s\n", a.Explanation)
		}
		if a.Patch != "" {
			fmt.Fprintln(w, a.Patch)
		}
	}
	return nil
}
