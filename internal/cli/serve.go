package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Emprim-Panth/loom/internal/config"
	"github.com/Emprim-Panth/loom/internal/engine"
	"github.com/Emprim-Panth/loom/internal/httpapi"
	"github.com/Emprim-Panth/loom/internal/jobs"
	"github.com/Emprim-Panth/loom/internal/notify"
	"github.com/Emprim-Panth/loom/internal/otel"
	"github.com/Emprim-Panth/loom/internal/provider"
	"github.com/Emprim-Panth/loom/internal/provider/cliproc"
	"github.com/Emprim-Panth/loom/internal/provider/direct"
	"github.com/Emprim-Panth/loom/internal/provider/remote"
	"github.com/Emprim-Panth/loom/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		addr         string
		enableOtel   bool
		desktopNotif bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loom HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			return serve(cmd.Context(), cfg, serveOptions{
				Home:          home,
				EnableOtel:    enableOtel,
				DesktopNotify: desktopNotif,
				Logger:        logger,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :3737)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter at /metrics)")
	cmd.Flags().BoolVar(&desktopNotif, "notify", true, "Send desktop notifications when turns and jobs finish")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

type serveOptions struct {
	Home          string
	EnableOtel    bool
	DesktopNotify bool
	Logger        *slog.Logger
}

func serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	logger := opts.Logger

	var metricsHandler http.Handler
	if opts.EnableOtel {
		h, err := otel.InitMeterProvider(ctx, "loom")
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		if err := otel.InitMetrics(ctx); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		metricsHandler = h
	}

	st, err := store.Open(opts.Home)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	router := provider.NewRouter(logger)
	if err := router.Register(cliproc.New(cfg.CLI.Binary, logger)); err != nil {
		return err
	}
	if cfg.Direct.APIKey != "" {
		adapter := direct.New(cfg.Direct.APIKey, cfg.Direct.BaseURL, cfg.Direct.Model, direct.NewShellExecutor(), logger)
		if err := router.Register(adapter); err != nil {
			return err
		}
	}
	if cfg.Remote.URL != "" {
		if err := router.Register(remote.New(cfg.Remote.URL, cfg.Remote.Secret, logger)); err != nil {
			return err
		}
	}
	router.WarmUp(ctx)
	router.RefreshHealth(ctx)

	var notifier notify.Notifier = notify.Silent{}
	if opts.DesktopNotify {
		notifier = notify.NewDesktop(logger)
	}

	eng := engine.New(st, router, notifier, logger)

	hub := httpapi.NewSSEHub()
	runner := jobs.NewRunner(st, logger, func(job store.Job) {
		hub.PublishJSON(map[string]any{"type": "job_update", "job": job})
		notifier.JobFinished(job.Type, job.Status)
	})

	app := httpapi.NewApp(httpapi.ServerOptions{
		Addr:            cfg.Server.Addr,
		Secret:          cfg.Server.Secret,
		MetricsHandler:  metricsHandler,
		UseOtelHTTP:     opts.EnableOtel,
		Hub:             hub,
		DefaultProvider: cfg.PreferredProvider,
		Logger:          logger,
	}, st, eng, router, runner)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "preferred_provider", cfg.PreferredProvider)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	runner.Wait()
	return nil
}
