package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/service"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// withStore opens only the repository, for commands that just read it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Repository) error) error {
	ctx := cmd.Context()
	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	st, err := service.OpenStore(ctx, cfg.Database(), cfg.StateDir(), observability.GetLogger())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
