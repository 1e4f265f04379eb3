// Command courtd runs the court daemon: the signed HTTP gateway, the session
// engine that walks cases through their stages, the webhook dispatcher and
// the seal pipeline, all over one SQLite pair.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/archive"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/audit"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/drand"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/gateway"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/judge"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/observability"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/ocp"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/seal"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/session"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/solana"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so command tests can stub the long-running path.
var startServer = runServer

// Run dispatches the subcommand. The bare binary runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "profile":
		return runProfile(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: courtd <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  server    Run the court daemon (default)")
	_, _ = fmt.Fprintln(w, "  migrate   Apply pending database migrations and exit")
	_, _ = fmt.Fprintln(w, "  profile   Print the effective court profile")
	_, _ = fmt.Fprintln(w, "  health    Check a running daemon over HTTP")
	_, _ = fmt.Fprintln(w, "  help      Show this help")
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: configuration invalid: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("courtd starting", "port", cfg.Port, "profile", cfg.Profile.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("court store not opened", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	// Small deployments share one file; the OCP store is then the same
	// handle so the single-writer connection stays single.
	ocpStore := st
	if cfg.OCPDatabasePath != cfg.DatabasePath {
		ocpStore, err = store.Open(cfg.OCPDatabasePath)
		if err != nil {
			logger.Error("ocp store not opened", "path", cfg.OCPDatabasePath, "error", err)
			return 1
		}
		defer func() { _ = ocpStore.Close() }()
	}

	bundles, err := archive.NewFromEnv(ctx)
	if err != nil {
		logger.Error("archive not configured", "error", err)
		return 1
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	if err := obs.RegisterQueueDepths(func(ctx context.Context) (int64, int64, error) {
		open, err := st.CountOpenCases(ctx)
		if err != nil {
			return 0, 0, err
		}
		byStatus, err := st.CountSealJobsByStatus(ctx)
		if err != nil {
			return 0, 0, err
		}
		queued := byStatus[court.SealJobQueued] + byStatus[court.SealJobMinting]
		return int64(open), int64(queued), nil
	}); err != nil {
		logger.Error("queue depth gauges not registered", "error", err)
		return 1
	}

	dispatcher := webhook.New(st, cfg, logger)
	dispatcher.OnAttempt = func(event string, delivered bool) {
		obs.RecordWebhookAttempt(context.Background(), event, delivered)
	}

	sealer := seal.NewService(st, bundles, seal.NewClientFromConfig(cfg),
		cfg.ExternalBaseURL, cfg.Profile.Seal.RetryBatch, logger)
	sealer.OnRetry = func() { obs.RecordSealRetry(context.Background()) }

	var randomness drand.Client = drand.NewStub()
	if cfg.DrandMode == config.ModeHTTP {
		randomness = drand.NewHTTPClient(cfg.DrandURL)
	}

	ocpSvc := ocp.New(ocpStore, st, solana.NewFromConfig(cfg), ocp.NewMinterFromConfig(cfg),
		bundles, dispatcher, cfg, logger)

	gw, err := gateway.New(cfg, gateway.Deps{
		Store:  st,
		OCP:    ocpSvc,
		Sealer: sealer,
		Notify: dispatcher,
		Audit:  audit.NewStoreRecorder(st, logger),
		Obs:    obs,
		Logger: logger,
	})
	if err != nil {
		logger.Error("gateway init failed", "error", err)
		return 1
	}

	engine := session.New(st, cfg, randomness, judge.NewFromConfig(cfg), sealer, dispatcher, obs, logger)
	go engine.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			return 1
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	cancel()
	dispatcher.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", "error", err)
	}
	logger.Info("courtd stopped")
	return 0
}

// newLogger builds the process logger: JSON lines at the configured level.
func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}
