package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/dmmdekkd/yunkit/internal/audit"
	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/channels"
	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/cron"
	"github.com/dmmdekkd/yunkit/internal/gateway"
	"github.com/dmmdekkd/yunkit/internal/logstream"
	otelPkg "github.com/dmmdekkd/yunkit/internal/otel"
	"github.com/dmmdekkd/yunkit/internal/persistence"
	"github.com/dmmdekkd/yunkit/internal/relay"
	"github.com/dmmdekkd/yunkit/internal/retention"
	"github.com/dmmdekkd/yunkit/internal/telemetry"
	"github.com/dmmdekkd/yunkit/internal/tokens"
	"github.com/dmmdekkd/yunkit/web"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const commandPurgeJob = "command-history-purge"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the log gateway

SUBCOMMANDS:
  %s token <user>             Issue a login token offline and print the link
  %s tail [flags]             Follow the live log stream in the terminal
                              Flags: -url, -token, -level, -lines
  %s status [-watch]          Show gateway health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  YUNKIT_HOME             Data directory (default: ~/.yunkit)
  YUNKIT_BIND_ADDR        Listen address (default: 127.0.0.1:8000)
  YUNKIT_PUBLIC_URL       Base URL used in login links
  YUNKIT_TOKEN            Token used by "tail" when -token is not given
  TELEGRAM_TOKEN          Bot token for the Telegram channel

EXAMPLES:
  Start the gateway:      %s
  Get a login link:       %s token admin
  Follow logs:            %s tail -level warn
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write system logs to logs/system.jsonl only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "token":
			os.Exit(runTokenCommand(os.Stdout, args[1:]))
		case "tail":
			os.Exit(runTailCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, os.Stdout, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetStore(store)
	logger.Info("startup phase", "phase", "schema_migrated")

	// The ingest service keeps the untapped logger so its own warnings never
	// loop back into the stream.
	ingest := logstream.New(logstream.Options{
		Dir:      cfg.LogDirPath(),
		Capacity: cfg.MaxLogLines,
		Policy:   cfg.DedupPolicy,
		Bus:      eventBus,
		Metrics:  metrics,
		Logger:   logger,
	})
	defer ingest.Close()
	replayed, err := ingest.Replay()
	if err != nil {
		logger.Warn("log replay failed", "error", err)
	}
	logger.Info("startup phase", "phase", "history_replayed", "records", replayed)

	interceptor := logstream.NewInterceptor(ingest, logger.Handler())
	interceptor.Install()
	defer interceptor.Uninstall()
	// Every component from here on logs into the stream as well.
	logger = slog.Default()
	pluginLog := interceptor.Logger()
	console := interceptor.Console()
	libraryOut := io.Writer(os.Stderr)
	if quiet {
		console = logstream.TapConsole(logstream.StdConsole{Out: io.Discard, Err: io.Discard}, ingest)
		libraryOut = io.Discard
	}

	tokenStore := tokens.Open(tokens.Config{
		Path:   cfg.TokenFilePath(),
		TTL:    cfg.TokenTTL(),
		Logger: logger,
	})
	go tokenStore.Run(ctx, cfg.TokenSweepInterval())

	adapters := &relay.Holder{}
	rl, err := relay.New(relay.Config{
		Adapters: adapters,
		Log:      pluginLog,
		Store:    store,
		Bus:      eventBus,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
		Timeout:  cfg.RelayTimeout(),
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RELAY_INIT", err)
	}

	gw, err := gateway.New(gateway.Config{
		Ingest:              ingest,
		Tokens:              tokenStore,
		Relay:               rl,
		Store:               store,
		Bus:                 eventBus,
		Metrics:             metrics,
		Tracer:              otelProvider.Tracer,
		Logger:              logger,
		Users:               cfg.Users,
		BaseURL:             cfg.BaseURL(),
		TokenTTL:            cfg.TokenTTL(),
		PublicTokenIssuance: cfg.AllowPublicTokenIssuance,
		FrontendDir:         cfg.FrontendDir,
		Assets:              web.Assets(),
		AllowOrigins:        cfg.AllowOrigins,
		RateLimit:           cfg.RateLimit,
		CORS:                cfg.CORS,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	go gw.WatchEvents(ctx)
	if cfg.RateLimit.Enabled {
		gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)
	}

	tg := cfg.Channels.Telegram
	if tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			// The relay only sees the bot while it is connected.
			var ch *channels.TelegramChannel
			ch = channels.NewTelegramChannel(channels.TelegramOptions{
				Token:         tg.Token,
				AllowedIDs:    tg.AllowedIDs,
				DefaultChatID: tg.DefaultChatID,
				Usernames:     tg.Usernames,
				DefaultUser:   cfg.Users[0],
				TokenTTL:      cfg.TokenTTL(),
				Issuer:        gw,
				Logger:        logger,
				LibraryLog:    logstream.NewWriter(ingest, logstream.LevelWarn, libraryOut),
				OnConnect:     func() { adapters.Set(relay.Tap(ch, pluginLog, ch.Name())) },
				OnDisconnect:  func() { adapters.Set(nil) },
			})
			go func() {
				if err := ch.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	} else {
		logger.Info("no chat adapter configured; relayed commands will be rejected")
	}

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	if err := retention.Register(sched, cfg.RetentionSchedule, retention.Sweeper{
		Dir:    cfg.LogDirPath(),
		Days:   cfg.RetentionDays,
		Logger: logger,
	}); err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	if err := sched.Add(cron.Job{
		Name: commandPurgeJob,
		Spec: cfg.RetentionSchedule,
		Run: func(ctx context.Context) error {
			result, err := store.RunRetention(ctx, cfg.CommandHistoryDays, 0)
			if err != nil {
				return err
			}
			if result.PurgedCommands > 0 {
				logger.Info("command history purged", "purged_commands", result.PurgedCommands)
			}
			return nil
		},
	}); err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
				continue
			}
			applyReload(gw, eventBus, next)
			logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint())
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
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
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "url", cfg.BaseURL())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	console.Log("[yunkit] 日志网关已启动", cfg.BaseURL())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown closes the listener; open WebSocket handlers see the
	// request context end and return.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	console.Log("[yunkit] 日志网关已停止")
	logger.Info("shutdown complete")
}

// reloadTarget is the part of the gateway a config reload touches.
type reloadTarget interface {
	SetPublicIssuance(on bool)
	SetUsers(users []string)
}

// applyReload hot-applies the settings that do not need a restart.
func applyReload(gw reloadTarget, b *bus.Bus, next config.Config) {
	gw.SetPublicIssuance(next.AllowPublicTokenIssuance)
	gw.SetUsers(next.Users)
	if b != nil {
		b.Publish(bus.TopicConfigReloaded, next.Fingerprint())
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Event{Decision: "fatal", Action: "runtime.startup", Reason: reasonCode + ": " + message})

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

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
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

// loadDotEnv sets KEY=VALUE pairs from path. Variables already set in the
// environment win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	parseDotEnv(f)
}

func parseDotEnv(r io.Reader) {
	scanner := bufio.NewScanner(r)
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
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// isInteractive reports whether f is a terminal.
func isInteractive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
