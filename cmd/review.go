package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/service"
)

func newReviewCmd() *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Works through fixes held for human review",
	}
	reviewCmd.AddCommand(newReviewQueueCmd())
	for _, d := range []struct {
		decision schemas.ReviewDecision
		short    string
	}{
		{schemas.ReviewApprove, "Validates and applies the latest candidate fix"},
		{schemas.ReviewReject, "Rejects the candidate fix and records the failure"},
		{schemas.ReviewDefer, "Sends the issue back for another automated attempt"},
	} {
		reviewCmd.AddCommand(newReviewDecisionCmd(d.decision, d.short))
	}
	return reviewCmd
}

func newReviewQueueCmd() *cobra.Command {
	var (
		project string
		jsonOut bool
	)
	queueCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"list"},
		Short:   "Lists issues awaiting review",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, _ *config.Config, c *service.Components) error {
				issues, err := c.Review(".").Queue(ctx, project)
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
	queueCmd.Flags().StringVarP(&project, "project", "p", "", "only issues of this project")
	queueCmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return queueCmd
}

func newReviewDecisionCmd(decision schemas.ReviewDecision, short string) *cobra.Command {
	var root string
	decisionCmd := &cobra.Command{
		Use:   string(decision) + " <issue-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("failed to resolve root: %w", err)
			}
			return withComponents(cmd, func(ctx context.Context, _ *config.Config, c *service.Components) error {
				res, err := c.Review(abs).Decide(ctx, args[0], decision)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("Issue %s: %s, now %s", res.IssueID, res.Decision, res.State)
				if res.Applied {
					msg += fmt.Sprintf(" (attempt %s applied)", res.AttemptID)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
				return err
			})
		},
	}
	decisionCmd.Flags().StringVar(&root, "root", ".", "root of the codebase the issue belongs to")
	return decisionCmd
}
