// Command terminusd is the Terminus daemon: it wires the Session Registry,
// PTY Supervisor, Session Stream Broker and HTTP/WebSocket layer together
// and serves the browser IDE's backend (spec §4, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yenjordan/terminus/internal/api"
	"github.com/yenjordan/terminus/internal/auth"
	"github.com/yenjordan/terminus/internal/bootstrap"
	"github.com/yenjordan/terminus/internal/config"
	"github.com/yenjordan/terminus/internal/pty"
	"github.com/yenjordan/terminus/internal/registry"
	"github.com/yenjordan/terminus/internal/repo"
	"github.com/yenjordan/terminus/internal/workspace"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("terminusd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgPath := fs.String("config", "", "path to terminus.yaml")
	logLevelStr := fs.String("log-level", "", "log level: debug, info, warn, error (default from TERMINUS_LOG or info)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logLevel := slog.LevelInfo
	if v := *logLevelStr; v != "" {
		logLevel = parseLevel(v, logLevel)
	} else if v := os.Getenv("TERMINUS_LOG"); v != "" {
		logLevel = parseLevel(v, logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	path := *cfgPath
	if path == "" {
		for _, p := range []string{"terminus.yaml", "/etc/terminus/terminus.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	logger.Debug("config loaded", "config_path", path, "listen", cfg.Listen, "workspace_root", cfg.WorkspaceRoot, "db_path", cfg.DBPath)

	if cfg.AuthJWTSecret == "" {
		logger.Error("refusing to start: auth_jwt_secret is empty; set it in config or TERMINUS_AUTH_JWT_SECRET")
		return 1
	}

	st, err := repo.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()
	logger.Debug("store opened", "db_path", cfg.DBPath)

	ws := workspace.NewManager(cfg.WorkspaceRoot, st)

	ptyOpts := pty.Options{
		Shell:         cfg.PTY.Shell,
		ShellArgs:     cfg.PTY.ShellArgs,
		Cols:          cfg.PTY.Cols,
		Rows:          cfg.PTY.Rows,
		ReadMaxBytes:  cfg.PTY.ReadMaxBytes,
		KillGrace:     cfg.PTYKillGrace(),
		DrainDeadline: cfg.PTYDrainDeadline(),
		PromptLiteral: cfg.PTY.PromptLiteral,
	}

	reg := registry.New(st, ws, ptyOpts, cfg.IdleSessionTTL(), cfg.ReapInterval(), logger)

	validator := auth.NewJWTValidator(cfg.AuthJWTSecret)

	injector := bootstrap.NoopInjector{}

	srv := api.NewServer(cfg, reg, validator, st, ws, injector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reg.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  terminusd ready\n  listening on http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return 1
	}

	return 0
}

func parseLevel(v string, fallback slog.Level) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}
