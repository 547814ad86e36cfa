// Parley relays a Signal conversation to local backend processes.
//
// The owner's conversation is always live; allow-listed friends get a
// session of their own on their first message. Backends attach to a
// per-session Unix socket, register, and exchange newline-delimited
// commands with the relay. Configuration is loaded from a YAML file or
// a legacy token file (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve                  Run the relay (default)
//	parley echo-backend <socket>  Attach a backend that echoes messages
//	parley link [device-name]     Link to a Signal account as a new device
//	parley journal [identity]     Show recent relay journal entries
//	parley version                Print version and build information
//	parley -o json version        Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/assistant"
	"github.com/nugget/parley/internal/backend"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/fsm"
	"github.com/nugget/parley/internal/journal"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/session"
	sig "github.com/nugget/parley/internal/signal"
)

const (
	// shutdownTimeout bounds goodbye delivery and the MQTT offline
	// publish on exit.
	shutdownTimeout = 10 * time.Second

	// journalRetention is how long relay journal entries are kept.
	journalRetention = 90 * 24 * time.Hour

	// journalShowLimit caps the entries printed by the journal command.
	journalShowLimit = 20
)

// main constructs the OS-level environment and delegates to [run] so
// the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed command-line flags.
type options struct {
	configPath string
	outputFmt  string
	noGreet    bool
	noGoodbye  bool
	command    string
	args       []string
}

// parseArgs parses flags by hand. The flag package keeps global state
// that gets in the way of calling run from parallel tests.
func parseArgs(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(a, "-config="):
			o.configPath = strings.TrimPrefix(a, "-config=")
		case (a == "-o" || a == "--output") && i+1 < len(args):
			o.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(a, "-o="):
			o.outputFmt = strings.TrimPrefix(a, "-o=")
		case strings.HasPrefix(a, "--output="):
			o.outputFmt = strings.TrimPrefix(a, "--output=")
		case a == "--no-greet":
			o.noGreet = true
		case a == "--no-goodbye":
			o.noGoodbye = true
		case a == "-h" || a == "-help" || a == "--help":
			o.command = "help"
			return o, nil
		case !strings.HasPrefix(a, "-") && o.command == "":
			o.command = a
		case o.command != "":
			o.args = append(o.args, a)
		default:
			return o, fmt.Errorf("unknown flag: %s", a)
		}
	}

	if o.outputFmt == "" {
		o.outputFmt = "text"
	}
	if o.outputFmt != "text" && o.outputFmt != "json" {
		return o, fmt.Errorf("unknown output format: %q (expected text or json)", o.outputFmt)
	}
	return o, nil
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout, and args excludes the program name.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch opts.command {
	case "", "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "echo-backend":
		if len(opts.args) == 0 {
			return fmt.Errorf("usage: parley echo-backend <socket>")
		}
		logger := newLogger(stderr, slog.LevelInfo, "text")
		return runEchoBackend(ctx, stdout, logger, opts.args[0])
	case "link":
		name := "parley"
		if len(opts.args) > 0 {
			name = opts.args[0]
		}
		return runLink(ctx, stdout, stderr, opts.configPath, name)
	case "journal":
		var identity string
		if len(opts.args) > 0 {
			identity = opts.args[0]
		}
		return runJournal(stdout, opts.configPath, opts.outputFmt, identity)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range buildinfo.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f.Key+":", f.Value)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Signal relay for local assistant backends")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Run the relay (default)")
	fmt.Fprintln(w, "  echo-backend <socket>  Attach a backend that echoes every message")
	fmt.Fprintln(w, "  link [device-name]     Link to an existing Signal account (shows a QR code)")
	fmt.Fprintln(w, "  journal [identity]     Show recent relay journal entries")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Config file, YAML or legacy token file (default: auto-discover)")
	fmt.Fprintln(w, "  --no-greet        Start the owner session without a greeting")
	fmt.Fprintln(w, "  --no-goodbye      Stop sessions without a goodbye")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"owner", cfg.Owner,
		"friends", len(cfg.Friends),
		"socket", cfg.Socket.Path(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// NotifyContext wraps the parent so that SIGINT/SIGTERM and the
	// owner's stop command end the process the same way.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Recorders ---
	traffic := mqtt.NewDailyTraffic(nil)
	recorders := multiRecorder{traffic}

	var store *journal.Store
	if cfg.Journal.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "journal.db")
		store, err = journal.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open journal %s: %w", dbPath, err)
		}
		defer store.Close()
		if n, err := store.Prune(journalRetention); err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			logger.Info("journal pruned", "removed", n)
		}
		recorders = append(recorders, store)
		logger.Info("relay journal opened", "path", dbPath)
	}

	// --- signal-cli ---
	// The subprocess outlives ctx so goodbyes can still be sent after
	// a shutdown signal; Close stops it.
	client := sig.NewClient(cfg.Signal.Command, cfg.Signal.Args, logger)
	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("signal-cli exited with error", "error", err)
		}
	}()
	gateway := sig.NewGateway(sig.GatewayConfig{
		Client:       client,
		ReadReceipts: true,
		Markdown:     cfg.Signal.Markdown,
		Logger:       logger,
	})

	// --- Orchestrator ---
	orch := assistant.New(assistant.Config{
		Owner:      cfg.Owner,
		Friends:    cfg.Friends,
		Gateway:    gateway,
		Machine:    fsm.New(cfg.Timers.Timings(), cfg.Phrases),
		SocketBase: cfg.Socket.Path(),
		Greet:      !opts.noGreet,
		Recorder:   recorders,
		Shutdown: func() {
			logger.Info("stop command received from owner backend")
			cancel()
		},
		Logger: logger,
	})
	if err := orch.Start(); err != nil {
		return err
	}

	// --- Connection health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "signal-cli",
		Check:   client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnDown: func(err error) {
			logger.Error("signal-cli is not responding; messages cannot be relayed", "error", err)
		},
		Logger: logger,
	})

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, &mqttStatsAdapter{orch: orch}, traffic, orch.NotifyOwner, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Check: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// Run blocks until ctx is cancelled or signal-cli goes away.
	runErr := orch.Run(ctx)
	if runErr != nil {
		logger.Error("relay stopped", "error", runErr)
	} else {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := orch.Shutdown(shutdownCtx, opts.noGoodbye); err != nil {
		logger.Warn("sessions did not stop cleanly", "error", err)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if store != nil {
		if counts, err := store.CountByKind(); err != nil {
			logger.Warn("journal totals unavailable", "error", err)
		} else {
			logger.Info("journal totals", "kinds", counts)
		}
	}
	for _, st := range connMgr.Status() {
		logger.Info("service status at exit",
			"service", st.Name,
			"ready", st.Ready,
			"failures", st.Failures,
			"last_error", st.LastError,
		)
	}

	logger.Info("parley stopped")
	return runErr
}

// runLink provisions the signal-cli account as a linked device. A
// config file is optional here; without one the default signal-cli
// command is used.
func runLink(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, deviceName string) error {
	logger := newLogger(stderr, slog.LevelInfo, "text")

	command := "signal-cli"
	cfg, _, err := loadConfig(configPath)
	switch {
	case err == nil:
		command = cfg.Signal.Command
	case configPath != "":
		return err
	}
	return sig.Link(ctx, command, deviceName, stdout, logger)
}

// runJournal prints the most recent relay journal entries, optionally
// limited to one conversation.
func runJournal(w io.Writer, configPath, outputFmt, identity string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DataDir, "journal.db")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no journal at %s: %w", dbPath, err)
	}
	store, err := journal.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", dbPath, err)
	}
	defer store.Close()

	entries, err := store.Recent(identity, journalShowLimit)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no journal entries")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-16s %-3s %-8s %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Identity, e.Direction, e.Kind, e.Body)
	}
	return nil
}

// runEchoBackend attaches to a session socket as a backend and echoes
// every relayed message back to the remote party. It is a stand-in for
// a real backend when testing a deployment.
func runEchoBackend(ctx context.Context, stdout io.Writer, logger *slog.Logger, socketPath string) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect %s: %w", socketPath, err)
	}
	defer nc.Close()

	// Unblock the reader on cancellation.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	if _, err := io.WriteString(nc, "register backend\n"); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	logger.Info("echo backend registered", "socket", socketPath)

	scanner := bufio.NewScanner(nc)
	for scanner.Scan() {
		cmd, ok := backend.ParseCommand(scanner.Text())
		if !ok || cmd.Kind != backend.CommandMessage {
			continue
		}
		fmt.Fprintf(stdout, "< %s\n", cmd.Payload)
		if _, err := nc.Write(backend.FormatMessage(cmd.Payload)); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read %s: %w", socketPath, err)
	}
	logger.Info("echo backend disconnected", "socket", socketPath)
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. Format must be "text" or "json"; anything else means text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// multiRecorder fans journal records out to several recorders.
type multiRecorder []session.Recorder

func (m multiRecorder) Record(identity, direction, kind, body string) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(identity, direction, kind, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mqttStatsAdapter bridges the orchestrator and build info to
// [mqtt.StatsSource].
type mqttStatsAdapter struct {
	orch *assistant.Orchestrator
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) ActiveSessions() int   { return a.orch.ActiveSessions() }

func (a *mqttStatsAdapter) Backends() int {
	n := 0
	for _, st := range a.orch.Snapshot() {
		n += st.Backends
	}
	return n
}

func (a *mqttStatsAdapter) Faults() int64 {
	var n int64
	for _, st := range a.orch.Snapshot() {
		n += st.Faults
	}
	return n
}

func (a *mqttStatsAdapter) OwnerState() string {
	snap := a.orch.Snapshot()
	if len(snap) == 0 || !snap[0].Owner {
		return "none"
	}
	return string(snap[0].State)
}
