package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"idlink/internal/dispatch"
	"idlink/internal/platform/httpserver"
	httptransport "idlink/internal/transport/http"
	"idlink/internal/verification/handler"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat adapter API",
		Long: `Run the HTTP API the chat adapter calls for begin, confirm and member-joined
events, plus the token-guarded admin API, /healthz and /metrics.

Example:
  idlink serve --config ./idlink.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, logger, err := rootOpts.load(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Build(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("error releasing resources", "error", err)
		}
	}()

	dispatcher := dispatch.New(cfg.Verification.Workers, cfg.Verification.QueueSize,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(dispatch.NewMetrics(prometheus.DefaultRegisterer)),
	)
	dispatcher.Start()

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Verification: handler.New(app.Service, dispatcher, logger),
		AdminToken:   cfg.HTTP.AdminToken,
		Logger:       logger,
		Metrics:      promhttp.Handler(),
		Checks:       app.Checks,
	})
	srv := httpserver.New(cfg.HTTP, router)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("idlink listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	// Requests already queued still run; their replies are logged by the service.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher did not drain", "error", err)
	}
	return nil
}
