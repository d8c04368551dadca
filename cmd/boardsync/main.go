package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/boardsync/internal/config"
	"github.com/basket/boardsync/internal/engine"
	"github.com/basket/boardsync/internal/gateway"
	"github.com/basket/boardsync/internal/telemetry"
	"github.com/basket/boardsync/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Show the live board

DAEMON MODE:
  %s -daemon                  Mirror the board and serve the local API (logs to stdout)

SUBCOMMANDS:
  %s init [--force]           Write a starter config.yaml
  %s status                   Show the running mirror's health (/healthz)
  %s doctor [-json]           Check config, server and workspace
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  BOARDSYNC_HOME          Data directory (default: ~/.boardsync)
  BOARDSYNC_NO_TUI        Set to 1 to disable the board view
  BOARDSYNC_BASE_URL      Coordination server URL
  BOARDSYNC_WORKSPACE     Workspace slug to mirror
  BOARDSYNC_AUTH_TOKEN    Bearer token for the coordination server
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BOARDSYNC_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no board view, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "init":
			os.Exit(runInitCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsSetup {
		path, err := writeStarterConfig(cfg.HomeDir, false)
		if err != nil {
			fatalStartup(nil, "E_CONFIG_INIT", err)
		}
		fmt.Printf("\n  Wrote %s\n  Set base_url and workspace, then run boardsync again.\n\n", path)
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	// File-only logs in interactive mode so the board stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if !isLoopback(cfg.BindAddr) && cfg.GatewayToken == "" {
		logger.Warn("gateway_token is empty on non-loopback bind; the local mirror API is unauthenticated", "bind_addr", cfg.BindAddr)
	}

	eng, err := engine.New(ctx, cfg, engine.Deps{Logger: logger, Level: level})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		fatalStartup(logger, "E_WORKSPACE", err)
	}
	defer eng.Close()
	logger.Info("startup phase", "phase", "engine_started", "workspace", cfg.Workspace)

	gw := gateway.New(gateway.Config{
		Store:        eng.Store(),
		Bus:          eng.Bus(),
		Mover:        eng,
		DebugLog:     eng.Stream().DebugLog(),
		Status:       func() any { return eng.Status() },
		AuthToken:    cfg.GatewayToken,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		_ = eng.Close()
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "sse", "/api/changes", "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; reload disabled", "error", err)
	} else {
		go reloadLoop(watcher.Events(), cfg.HomeDir, eng, logger)
	}

	if interactive {
		go func() {
			err := tui.Run(ctx, tui.Config{
				Store: eng.Store(),
				Bus:   eng.Bus(),
				Mover: eng,
				Header: func() tui.Header {
					st := eng.Status()
					return tui.Header{Workspace: st.Workspace, Stream: st.Stream}
				},
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("board view exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then the sync loops (deferred eng.Close).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// reloadLoop re-reads config.yaml on every change and applies what can
// change at runtime.
func reloadLoop(events <-chan config.ReloadEvent, homeDir string, eng *engine.Engine, logger *slog.Logger) {
	for ev := range events {
		next, err := config.LoadFrom(homeDir)
		if err != nil {
			logger.Warn("config reload failed; keeping current settings", "path", ev.Path, "error", err)
			continue
		}
		if err := next.Validate(); err != nil {
			logger.Warn("reloaded config is invalid; keeping current settings", "error", err)
			continue
		}
		eng.ApplyConfig(next)
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := "unknown startup failure"
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
