// Command worktreed runs the collaborative task tree sync server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/worktreehq/worktree/pkg/api"
	"github.com/worktreehq/worktree/pkg/auth"
	"github.com/worktreehq/worktree/pkg/config"
	"github.com/worktreehq/worktree/pkg/history"
	"github.com/worktreehq/worktree/pkg/keylock"
	"github.com/worktreehq/worktree/pkg/loader"
	"github.com/worktreehq/worktree/pkg/observability"
	"github.com/worktreehq/worktree/pkg/realtime"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("worktreed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("WORKTREE_CONFIG"), "optional YAML config file")
	verifyUser := fs.String("verify", "", "verify the history chain of the given userId and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	log := newLogger(cfg.LogLevel)

	if *verifyUser != "" {
		return runVerify(cfg, log, *verifyUser, stderr)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := serve(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, dialect, err := history.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := history.Migrate(ctx, db, dialect); err != nil {
		return err
	}

	hm := history.NewManager(db, dialect, log,
		history.WithRetry(cfg.HistoryRetries, cfg.HistoryRetryDelay))
	users := auth.NewStore(db, hm)
	if err := users.Migrate(ctx); err != nil {
		return err
	}

	provider, err := observability.New(ctx, observability.Config{
		Enabled:        cfg.MetricsEnabled,
		ServiceName:    "worktreed",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown failed", "error", err)
		}
	}()

	locks := keylock.New()
	cache := loader.NewCache(hm, locks, log)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	hub := realtime.NewHub(cache, hm, locks, tokens, log, provider.Metrics)
	limiter := api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	server := api.NewServer(users, hm, hub, tokens, log, limiter)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", httpServer.Addr, "dialect", string(dialect))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runVerify recomputes the hash chain of one user and reports whether
// the stored hashes match.
func runVerify(cfg *config.Config, log *slog.Logger, userID string, stderr io.Writer) int {
	ctx := context.Background()
	db, dialect, err := history.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer db.Close()

	hm := history.NewManager(db, dialect, log)
	err = hm.VerifyChain(ctx, userID)
	switch {
	case err == nil:
		fmt.Println("chain OK")
		return 0
	case errors.Is(err, history.ErrChainBroken):
		fmt.Fprintln(stderr, err)
		return 1
	default:
		fmt.Fprintln(stderr, err)
		return 1
	}
}
