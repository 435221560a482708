package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/service"
)

// scanFlags are the per-run overrides of the scan and serve commands.
type scanFlags struct {
	project     string
	concurrency int
	noAutoApply bool
	severity    string
	strategies  []string
}

func (f *scanFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project name (default is the base name of the path)")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "j", 0, "number of files processed in parallel (overrides config)")
	cmd.Flags().BoolVar(&f.noAutoApply, "no-auto-apply", false, "hold every validated fix for review")
	cmd.Flags().StringVar(&f.severity, "severity", "", "ignore issues below this severity (low, medium, high, critical)")
	cmd.Flags().StringSliceVar(&f.strategies, "strategies", nil, "only run these strategies, e.g. pattern_match,contextual")
}

// request applies the flags to cfg and builds the scan request for root.
func (f *scanFlags) request(cmd *cobra.Command, cfg *config.Config, root string) (schemas.ScanRequest, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return schemas.ScanRequest{}, fmt.Errorf("failed to resolve path: %w", err)
	}
	if cmd.Flags().Changed("concurrency") {
		if f.concurrency <= 0 {
			return schemas.ScanRequest{}, errors.New("--concurrency must be a positive integer")
		}
		cfg.SetEngineWorkerConcurrency(f.concurrency)
	}
	if f.noAutoApply {
		cfg.SetAutoApply(false)
	}

	opts := schemas.ScanOptions{
		Concurrency: cfg.Engine().WorkerConcurrency,
		AutoApply:   cfg.Autofix().AutoApply,
	}
	if f.severity != "" {
		if opts.SeverityFloor, err = schemas.ParseSeverity(f.severity); err != nil {
			return schemas.ScanRequest{}, err
		}
	}
	for _, s := range f.strategies {
		if !slices.Contains(cfg.Autofix().Strategies, s) {
			return schemas.ScanRequest{}, fmt.Errorf("strategy %q is not configured (have %v)", s, cfg.Autofix().Strategies)
		}
		opts.Strategies = append(opts.Strategies, schemas.StrategyName(s))
	}

	project := f.project
	if project == "" {
		project = filepath.Base(abs)
	}
	return schemas.ScanRequest{Root: abs, Project: project, Options: opts}, nil
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	var (
		flags   scanFlags
		jsonOut bool
	)
	scanCmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Scans a codebase once and remediates what it finds",
		Long: `Scans the files under path (default is the current directory), runs the
fix strategies on every issue found, validates each candidate and applies the
ones confident enough. Fixes below the auto-apply threshold are held for review.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			req, err := flags.request(cmd, cfg, root)
			if err != nil {
				return err
			}

			return withComponents(cmd, func(ctx context.Context, _ *config.Config, c *service.Components) error {
				logger := observability.GetLogger()
				logger.Info("Starting scan",
					zap.String("root", req.Root),
					zap.String("project", req.Project),
					zap.Int("concurrency", req.Options.Concurrency),
					zap.Bool("auto_apply", req.Options.AutoApply))

				summary, err := c.Pipeline.Run(ctx, req)
				if err != nil {
					return fmt.Errorf("scan failed: %w", err)
				}
				if err := printSummary(cmd.OutOrStdout(), summary, jsonOut); err != nil {
					return err
				}
				if summary.Cancelled {
					return context.Canceled
				}
				return nil
			})
		},
	}
	flags.register(scanCmd)
	scanCmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	return scanCmd
}

func printSummary(w io.Writer, s *schemas.ScanSummary, jsonOut bool) error {
	if jsonOut {
		return printJSON(w, s)
	}
	_, err := fmt.Fprintf(w,
		"Batch %s (%s)\n  files: %d seen, %d scanned, %d skipped, %d failed\n  issues: %d found\n  fixes: %d applied, %d rolled back, %d awaiting review\n",
		s.BatchID, s.Project,
		s.FilesSeen, s.FilesScanned, s.FilesSkipped, s.FilesFailed,
		s.IssuesFound,
		s.Applied, s.RolledBack, s.NeedsReview)
	if err == nil && s.Cancelled {
		_, err = fmt.Fprintln(w, "  scan was cancelled before every file was processed")
	}
	return err
}
