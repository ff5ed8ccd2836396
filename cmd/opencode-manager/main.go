package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/chriswritescode-dev/opencode-manager/internal/bridge"
	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/config"
	"github.com/chriswritescode-dev/opencode-manager/internal/discovery"
	"github.com/chriswritescode-dev/opencode-manager/internal/events"
	"github.com/chriswritescode-dev/opencode-manager/internal/gateway"
	"github.com/chriswritescode-dev/opencode-manager/internal/manager"
	"github.com/chriswritescode-dev/opencode-manager/internal/notify"
	otelPkg "github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/repos"
	"github.com/chriswritescode-dev/opencode-manager/internal/sched"
	"github.com/chriswritescode-dev/opencode-manager/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the manager in the foreground
  %s status                   Show manager health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OPENCODE_MANAGER_HOME         Data directory (default: ~/.opencode-manager)
  OPENCODE_MANAGER_AUTH_TOKEN   Bearer token for the HTTP surface
  OPENCODE_MANAGER_MODE         Override server mode (spawn or attach)
`)
}

func main() {
	loadDotEnv(".env")

	quietLogs := flag.Bool("quiet", !isatty.IsTerminal(os.Stdout.Fd()), "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	logger.Info("starting", "version", Version, "home", cfg.HomeDir,
		"mode", cfg.Server.Mode, "config_fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	authToken := ""
	if cfg.AuthEnabled {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	store, err := repos.Open(filepath.Join(cfg.HomeDir, "manager.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	eventBus := bus.New()

	monitor := notify.NewMonitor(eventBus, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	disc := discovery.NewService(discovery.Config{
		Host:     cfg.Server.Host,
		Settings: cfg.Discovery,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
	})
	disc.Start(ctx)
	defer disc.Stop()
	logger.Info("startup phase", "phase", "discovery_started")

	mgr := manager.New(manager.Config{
		Server:    cfg.Server,
		HomeDir:   cfg.HomeDir,
		Bus:       eventBus,
		Discovery: disc,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
	})
	if err := mgr.Start(ctx); err != nil {
		fatalStartup(logger, "E_MANAGER_START", err)
	}
	defer mgr.Stop()
	logger.Info("startup phase", "phase", "connection_established",
		"status", mgr.Status().State)

	aggregator := events.New(cfg.Events.ClientBuffer, logger)
	aggregator.SetMetrics(metrics)
	dispatcher := notify.NewLogDispatcher(logger)

	feedBridge := bridge.New(bridge.Config{
		Endpoints:         mgr,
		Directories:       store,
		Sinks:             []bridge.Sink{aggregator, dispatcher},
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		RetryDelay:        time.Duration(cfg.Events.FeedRetrySeconds) * time.Second,
		ReconcileInterval: time.Duration(cfg.Events.ReconcileSeconds) * time.Second,
	})
	feedBridge.Start(ctx)
	defer feedBridge.Stop()
	logger.Info("startup phase", "phase", "event_bridge_started")

	scheduler, err := sched.NewScheduler(sched.Config{
		Schedules: cfg.Schedules,
		Jobs: map[string]sched.Job{
			"discovery_sweep": func(ctx context.Context) error {
				_, err := disc.Discover(ctx)
				return err
			},
			"session_refresh": func(ctx context.Context) error {
				disc.RefreshSessions(ctx)
				return nil
			},
		},
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config file changed on disk, restart to apply new settings",
					"path", ev.Path, "fingerprint", cfg.Fingerprint())
				feedBridge.Reconcile()
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Manager:    mgr,
		Registry:   disc,
		Aggregator: aggregator,
		Repos:      store,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,

		AuthEnabled:       cfg.AuthEnabled,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		FeedDirectories:   feedBridge.FeedDirectories,
		Heartbeat:         time.Duration(cfg.Events.HeartbeatSeconds) * time.Second,
	})

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "sse", "/api/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then the deferred stops close
	// feeds, the connection, discovery, and finally the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"manager","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("OPENCODE_MANAGER_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	// Generate auth.token on first run if missing.
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
