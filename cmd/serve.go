package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/service"
	"github.com/xkilldash9x/scalpel-autofix/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		flags    scanFlags
		interval time.Duration
	)
	serveCmd := &cobra.Command{
		Use:   "serve [path]",
		Short: "Keeps a codebase under watch and remediates it as it changes",
		Long: `Runs a scan at startup and again whenever a push webhook arrives, the
application crash log reports a panic, or the optional interval elapses.
Metrics are exposed for Prometheus when enabled.`,
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
			return withComponents(cmd, func(ctx context.Context, cfg *config.Config, c *service.Components) error {
				return serve(ctx, cfg, c, req, interval, observability.GetLogger())
			})
		},
	}
	flags.register(serveCmd)
	serveCmd.Flags().DurationVar(&interval, "interval", 0, "also rescan on this interval (0 disables)")
	return serveCmd
}

// serve runs the listeners, the crash watcher and the scan loop until ctx is
// cancelled or one of them fails.
func serve(ctx context.Context, cfg config.Interface, c *service.Components, req schemas.ScanRequest, interval time.Duration, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	// One pending signal is enough; scans always cover every dirty file.
	triggers := make(chan struct{}, 1)
	fire := func() {
		select {
		case triggers <- struct{}{}:
		default:
		}
	}
	forward := func(src <-chan struct{}) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-src:
					fire()
				}
			}
		})
	}

	var servers []*http.Server
	if cfg.Metrics().Enabled && cfg.Metrics().Addr != "" {
		mux, err := metricsMux()
		if err != nil {
			return err
		}
		servers = append(servers, &http.Server{Addr: cfg.Metrics().Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	if cfg.Webhook().Addr != "" {
		hook := webhook.NewHandler(cfg.Webhook(), req.Root, c.Store, logger)
		mux := http.NewServeMux()
		mux.Handle("/webhook", hook)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		servers = append(servers, &http.Server{Addr: cfg.Webhook().Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		forward(hook.Triggers())
	}
	if path := cfg.Scanner().CrashLogPath; path != "" {
		w, err := autofix.NewWatcher(logger, path, req.Root, req.Project, c.Store)
		if err != nil {
			return err
		}
		if err := w.Start(gctx); err != nil {
			return err
		}
		defer w.Wait()
		forward(w.Triggers())
	}

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})
	g.Go(func() error {
		return scanLoop(gctx, c.Pipeline, req, triggers, interval, logger)
	})

	return g.Wait()
}

// metricsMux exposes the autofix collectors together with the runtime ones.
func metricsMux() (*http.ServeMux, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := observability.RegisterMetrics(reg); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux, nil
}

// runner is the part of the pipeline the scan loop needs.
type runner interface {
	Run(ctx context.Context, req schemas.ScanRequest) (*schemas.ScanSummary, error)
}

// scanLoop scans once, then again on every trigger or tick. Scans never
// overlap. A failed scan is logged and the loop keeps going.
func scanLoop(ctx context.Context, p runner, req schemas.ScanRequest, triggers <-chan struct{}, interval time.Duration, logger *zap.Logger) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	run := func(reason string) {
		summary, err := p.Run(ctx, req)
		switch {
		case err != nil && ctx.Err() != nil:
		case err != nil:
			logger.Error("Scan failed", zap.String("reason", reason), zap.Error(err))
		default:
			logger.Info("Scan finished",
				zap.String("reason", reason),
				zap.String("batch_id", summary.BatchID),
				zap.Int("issues", summary.IssuesFound),
				zap.Int("applied", summary.Applied),
				zap.Int("needs_review", summary.NeedsReview))
		}
	}

	run("startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-triggers:
			run("trigger")
		case <-tick:
			run("interval")
		}
	}
}
