package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

func newPatternsCmd() *cobra.Command {
	var (
		minOccurrences int64
		jsonOut        bool
	)
	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Lists learned fix patterns, most reliable first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Repository) error {
				patterns, err := st.ListPatterns(ctx)
				if err != nil {
					return err
				}
				kept := patterns[:0]
				for _, p := range patterns {
					if p.Occurrences >= minOccurrences {
						kept = append(kept, p)
					}
				}
				sort.SliceStable(kept, func(i, j int) bool {
					return kept[i].Reliability() > kept[j].Reliability()
				})
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), kept)
				}
				return printPatterns(cmd.OutOrStdout(), kept)
			})
		},
	}
	patternsCmd.Flags().Int64Var(&minOccurrences, "min-occurrences", 0, "hide patterns seen fewer times")
	patternsCmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return patternsCmd
}

func printPatterns(w io.Writer, patterns []schemas.Pattern) error {
	if len(patterns) == 0 {
		_, err := fmt.Fprintln(w, "No patterns learned yet.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "FINGERPRINT\tLANGUAGE\tRULE\tSEEN\tFIXED\tFAILED\tRELIABILITY")
	for i := range patterns {
		p := &patterns[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.2f\n",
			truncate(p.Fingerprint, 16), p.Language, p.Rule, p.Occurrences, p.Successes, p.Failures, p.Reliability())
	}
	return tw.Flush()
}
