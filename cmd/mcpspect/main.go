// Mcpspect is a diagnostic client for MCP servers that speak
// newline-delimited JSON-RPC over stdio.
//
// It spawns the server under test as a child process, performs the MCP
// handshake, lists the declared tools and capabilities, calls the
// well-known "health" tool, and — with -check — validates the results
// against caller-specified requirements. One inspection run per
// invocation; there are no retries.
//
// Usage:
//
//	mcpspect [flags] -- command [args...]
//	mcpspect version
//
// Exit codes:
//
//	0  inspection succeeded (all requirements met, or -check not given)
//	1  a required capability is missing
//	2  a required tool is missing
//	3  the health tool did not return "ok"
//	4  transport failure (timeout, closed pipe, spawn error) or bad usage
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcpspect/mcpspect/internal/buildinfo"
	"github.com/mcpspect/mcpspect/internal/config"
	"github.com/mcpspect/mcpspect/internal/history"
	"github.com/mcpspect/mcpspect/internal/inspect"
)

// exitUsage is the exit code for both transport failures and command
// line errors — anything that is not a validation verdict.
const exitUsage = 4

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates immediately to
// [run], which keeps os.Exit, os.Stdout, and os.Args out of the
// application logic so the full run can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stdout, os.Stderr, os.Args[1:]))
}

// cliArgs is the parsed command line. Slice and string fields are only
// meaningful when the matching *Set flag is true, so that config-file
// values survive unless explicitly overridden.
type cliArgs struct {
	configPath string
	output     string

	logLevel    string
	logLevelSet bool
	protocol    string
	protocolSet bool
	timeout     time.Duration
	timeoutSet  bool
	history     string
	historySet  bool

	check      bool
	showRaw    bool
	showStderr bool

	env          []string
	requireTools []string
	requireCaps  []string

	command []string
	version bool
	help    bool
}

// parseArgs parses the argument list by hand. The flag package relies
// on package-level globals (flag.CommandLine), which makes it awkward
// to call run() concurrently from tests; the surface here is small
// enough that manual parsing is clearer than a CLI framework.
//
// The first non-flag token either names the "version" subcommand or
// begins the subject command; everything after it (or after "--")
// belongs to the subject, flags included.
func parseArgs(args []string) (*cliArgs, error) {
	a := &cliArgs{output: "text"}

	// value returns the flag's value for "-flag value" and "-flag=value".
	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			return arg[eq+1:], nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name := arg
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			name = arg[:eq]
		}

		switch name {
		case "--":
			a.command = args[i+1:]
			return a, nil
		case "-config", "--config":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			a.configPath = v
		case "-o", "-output", "--output":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			if v != "text" && v != "json" {
				return nil, fmt.Errorf("unknown output format %q (valid: text, json)", v)
			}
			a.output = v
		case "-log-level", "--log-level":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			a.logLevel = v
			a.logLevelSet = true
		case "-protocol", "--protocol":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			a.protocol = v
			a.protocolSet = true
		case "-timeout", "--timeout":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid -timeout %q: %w", v, err)
			}
			a.timeout = d
			a.timeoutSet = true
		case "-history", "--history":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			a.history = v
			a.historySet = true
		case "-env", "--env":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			if !strings.Contains(v, "=") {
				return nil, fmt.Errorf("invalid -env %q: want KEY=VALUE", v)
			}
			a.env = append(a.env, v)
		case "-require-tool", "--require-tool":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			a.requireTools = append(a.requireTools, v)
		case "-require-capability", "--require-capability":
			v, err := value(&i, name)
			if err != nil {
				return nil, err
			}
			a.requireCaps = append(a.requireCaps, v)
		case "-check", "--check":
			a.check = true
		case "-show-raw", "--show-raw":
			a.showRaw = true
		case "-show-stderr", "--show-stderr":
			a.showStderr = true
		case "-h", "-help", "--help":
			a.help = true
			return a, nil
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown flag %s", name)
			}
			if arg == "version" {
				a.version = true
				return a, nil
			}
			// First bare token starts the subject command; the rest
			// of the line, flags included, belongs to it.
			a.command = args[i:]
			return a, nil
		}
	}
	return a, nil
}

// run is the real entry point. All OS-level dependencies come in as
// parameters: ctx bounds the whole inspection (SIGINT cancels it),
// stdout receives the report, stderr receives logs, echoed subject
// output, and failure causes. The return value is the process exit
// code.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	a, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "mcpspect: %v\n", err)
		return exitUsage
	}
	if a.help {
		printUsage(stdout)
		return 0
	}
	if a.version {
		return printVersion(stdout, stderr, a.output)
	}

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "mcpspect: %v\n", err)
		return exitUsage
	}
	mergeArgs(cfg, a)

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			fmt.Fprintf(stderr, "mcpspect: %v\n", err)
			return exitUsage
		}
	}
	logger := newLogger(stderr, level, a.output)

	if len(cfg.Command) == 0 {
		fmt.Fprintf(stderr, "mcpspect: no server command given (see mcpspect -help)\n")
		return exitUsage
	}

	rep, runErr := inspect.Run(ctx, inspect.Options{
		Command:             cfg.Command[0],
		Args:                cfg.Command[1:],
		Env:                 cfg.Env,
		Protocol:            cfg.Protocol,
		Timeout:             cfg.Timeout(),
		Check:               cfg.Check,
		RequireTools:        cfg.RequireTools,
		RequireCapabilities: cfg.RequireCapabilities,
		ShowRaw:             cfg.ShowRaw,
		ShowStderr:          cfg.ShowStderr,
		Stderr:              stderr,
		Logger:              logger,
	})

	if cfg.History != "" {
		recordRun(cfg.History, rep, logger)
	}

	if runErr != nil {
		fmt.Fprintf(stderr, "mcpspect: %v\n", runErr)
		return exitUsage
	}

	if err := printReport(stdout, a.output, rep); err != nil {
		fmt.Fprintf(stderr, "mcpspect: %v\n", err)
		return exitUsage
	}

	switch rep.Outcome {
	case inspect.OutcomeMissingCapability:
		fmt.Fprintf(stderr, "missing capabilities: %s\n", strings.Join(rep.Missing, ", "))
	case inspect.OutcomeMissingTool:
		fmt.Fprintf(stderr, "missing tools: %s\n", strings.Join(rep.Missing, ", "))
	case inspect.OutcomeHealthNotOK:
		fmt.Fprintln(stderr, "health tool did not return ok")
	}
	return rep.Outcome.ExitCode()
}

// loadConfig resolves and loads the optional config file. No file at
// all is fine — the defaults apply.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// mergeArgs overlays command line values onto the config. Flags win;
// list flags replace their config counterparts wholesale.
func mergeArgs(cfg *config.Config, a *cliArgs) {
	if len(a.command) > 0 {
		cfg.Command = a.command
	}
	if len(a.env) > 0 {
		cfg.Env = a.env
	}
	if len(a.requireTools) > 0 {
		cfg.RequireTools = a.requireTools
	}
	if len(a.requireCaps) > 0 {
		cfg.RequireCapabilities = a.requireCaps
	}
	if a.protocolSet {
		cfg.Protocol = a.protocol
	}
	if a.timeoutSet {
		cfg.TimeoutSec = a.timeout.Seconds()
	}
	if a.historySet {
		cfg.History = a.history
	}
	if a.logLevelSet {
		cfg.LogLevel = a.logLevel
	}
	if a.check {
		cfg.Check = true
	}
	if a.showRaw {
		cfg.ShowRaw = true
	}
	if a.showStderr {
		cfg.ShowStderr = true
	}
}

// recordRun appends the report to the history database. Persistence
// problems are logged, not fatal — the inspection verdict stands
// either way.
func recordRun(path string, rep *inspect.Report, logger *slog.Logger) {
	store, err := history.Open(path)
	if err != nil {
		logger.Error("open history store", "path", path, "err", err)
		return
	}
	defer store.Close()

	id, err := store.Record(rep)
	if err != nil {
		logger.Error("record run", "err", err)
		return
	}
	logger.Debug("recorded run", "id", id, "path", path)
}

// printReport writes the inspection summary to stdout, either as
// human-readable lines or as a single JSON document.
func printReport(w io.Writer, format string, rep *inspect.Report) error {
	if format == "json" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "server: %s (%s)\n", rep.ServerName, rep.ServerVersion)
	fmt.Fprintf(w, "inspector: %s\n", buildinfo.String())
	fmt.Fprintf(w, "capabilities (%d): %s\n", len(rep.Capabilities), strings.Join(rep.Capabilities, ", "))
	fmt.Fprintf(w, "tools (%d): %s\n", len(rep.Tools), strings.Join(rep.Tools, ", "))

	health := "<no text>"
	if rep.HealthText != nil {
		health = *rep.HealthText
	}
	fmt.Fprintf(w, "health: %s\n", health)
	return nil
}

// printVersion handles the version subcommand.
func printVersion(stdout, stderr io.Writer, format string) int {
	if format == "json" {
		data, err := json.MarshalIndent(buildinfo.Info(), "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "mcpspect: %v\n", err)
			return exitUsage
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintln(stdout, buildinfo.String())
	return 0
}

// newLogger builds the process logger. Logs go to stderr so the
// report on stdout stays machine-readable; the handler follows the
// report format (JSON logs with -o json).
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

func printUsage(w io.Writer) {
	fmt.Fprint(w, `mcpspect — MCP stdio server inspector

Usage:
  mcpspect [flags] -- command [args...]
  mcpspect version

Flags:
  -config path            Explicit config file (otherwise searched)
  -env KEY=VALUE          Environment override for the subject (repeatable)
  -protocol version       MCP protocol version to advertise
  -timeout duration       Per-response read deadline (default 10s)
  -check                  Validate requirements; exit 1/2/3 on failure
  -require-tool name      Tool that must be declared (repeatable; default health)
  -require-capability name  Capability that must be advertised (repeatable)
  -show-raw               Echo non-JSON stdout lines from the subject
  -show-stderr            Stream the subject's stderr to ours
  -history path           Append the run report to a SQLite database
  -log-level level        trace, debug, info, warn, or error
  -o format               Report output: text or json
`)
}
