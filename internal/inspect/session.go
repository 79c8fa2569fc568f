// Package inspect drives the fixed MCP inspection sequence against a
// server child process: spawn, handshake, tool discovery, health
// invocation, optional validation, teardown.
//
// The sequence is strictly linear with no retries. The first
// transport-level failure (timeout, closed pipe, spawn error) aborts
// the run; the child is torn down exactly once on every exit path.
package inspect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mcpspect/mcpspect/internal/buildinfo"
	"github.com/mcpspect/mcpspect/internal/config"
	"github.com/mcpspect/mcpspect/internal/mcp"
)

// clientName is the fixed client identity sent in initialize.
const clientName = "mcpspect"

// gracePeriod is how long teardown waits for the child to exit after
// stdin closes and SIGTERM is sent, before escalating to SIGKILL.
const gracePeriod = 5 * time.Second

// healthToolName is the well-known liveness tool every inspected
// server is asked to run.
const healthToolName = "health"

// Options configures one inspection run.
type Options struct {
	// Command is the subject server executable.
	Command string
	// Args are passed to the subject verbatim.
	Args []string
	// Env are KEY=VALUE overrides overlaid on the current process
	// environment for the subject.
	Env []string

	// Protocol is the MCP protocol version to advertise.
	Protocol string
	// Timeout bounds each response read.
	Timeout time.Duration

	// Check enables validation of the requirements below. Without it
	// the run succeeds once the protocol walk completes.
	Check bool
	// RequireTools defaults to ["health"] when Check is set and the
	// list is empty.
	RequireTools []string
	// RequireCapabilities are capability names the server must
	// advertise.
	RequireCapabilities []string

	// ShowRaw echoes non-JSON stdout lines from the subject to Stderr.
	ShowRaw bool
	// ShowStderr streams the subject's stderr to Stderr verbatim.
	// When off, those lines surface at debug level instead so the
	// stream is always consumed.
	ShowStderr bool

	// Stderr is the inspector's own error stream. Defaults to
	// os.Stderr.
	Stderr io.Writer
	// Logger is the structured logger for session diagnostics.
	Logger *slog.Logger
}

// Run executes one inspection session: it spawns the subject, walks
// the protocol sequence, and returns the report. The child process and
// its three pipes are owned here exclusively — nothing else may
// terminate the child, and teardown runs on every path out, including
// spawn failures after the process started.
//
// The returned report is valid (partially filled) even when err is
// non-nil, so callers can log whatever was learned before the fault.
func Run(ctx context.Context, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Protocol == "" {
		opts.Protocol = config.DefaultProtocolVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultTimeout
	}

	rep := &Report{
		Command:   append([]string{opts.Command}, opts.Args...),
		StartedAt: time.Now(),
		Outcome:   OutcomeUnchecked,
	}
	defer func() {
		rep.DurationMS = time.Since(rep.StartedAt).Milliseconds()
	}()

	if opts.Command == "" {
		return rep, fmt.Errorf("no server command given")
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return rep, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return rep, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return rep, fmt.Errorf("create stderr pipe: %w", err)
	}

	logger.Info("starting MCP server", "command", opts.Command, "args", opts.Args)
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return rep, fmt.Errorf("start %s: %w", opts.Command, err)
	}
	logger.Debug("MCP server started", "pid", cmd.Process.Pid)

	// Single teardown path for every exit below. The drain goroutine
	// is not awaited: killing the child closes its stderr pipe, which
	// ends the drain on its own time.
	defer stop(cmd, stdin, logger)

	go drainStderr(stderr, opts.Stderr, opts.ShowStderr, logger)

	ch := mcp.NewChannel(stdin, stdout, mcp.ChannelConfig{
		Timeout: opts.Timeout,
		ShowRaw: opts.ShowRaw,
		Raw:     opts.Stderr,
		Logger:  logger,
	})
	client := mcp.NewClient(ch, logger)

	if err := walk(ctx, client, opts, rep, logger); err != nil {
		return rep, err
	}
	return rep, nil
}

// walk drives the ordered protocol sequence over an established
// client: initialize → initialized → tools/list → tools/call health →
// optional validation. Split from Run so the whole sequence can be
// exercised against an in-memory fake server.
//
// No step begins before the prior one's response (or notification
// write) completed; the sequence is never pipelined.
func walk(ctx context.Context, client *mcp.Client, opts Options, rep *Report, logger *slog.Logger) error {
	initResp, err := client.Request(ctx, "initialize", map[string]any{
		"protocolVersion": opts.Protocol,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		// Keep going: the walk extracts what it can and validation
		// reports what is missing.
		logger.Warn("initialize returned an error", "err", initResp.Error)
	}
	applyInitialize(rep, initResp.Result)
	logger.Info("MCP server initialized",
		"server_name", rep.ServerName,
		"server_version", rep.ServerVersion,
		"protocol_version", rep.ProtocolVersion,
	)

	// The server must not be queried again until this is on the wire.
	if err := client.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	toolsResp, err := client.Request(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if toolsResp.Error != nil {
		logger.Warn("tools/list returned an error", "err", toolsResp.Error)
	}
	rep.Tools = toolNames(toolsResp.Result)
	logger.Info("discovered MCP tools", "count", len(rep.Tools))

	healthResp, err := client.Request(ctx, "tools/call", map[string]any{
		"name":      healthToolName,
		"arguments": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("tools/call %s: %w", healthToolName, err)
	}
	if healthResp.Error != nil {
		logger.Warn("health call returned an error", "err", healthResp.Error)
	}
	rep.HealthText = healthText(healthResp.Result)

	if opts.Check {
		requireTools := opts.RequireTools
		if len(requireTools) == 0 {
			requireTools = []string{healthToolName}
		}
		rep.Validate(opts.RequireCapabilities, requireTools)
	}
	return nil
}

// drainStderr forwards the child's stderr for operator visibility.
// With show set, lines pass through verbatim; otherwise they surface
// at debug level. Runs until the stream closes; failures here are
// non-fatal and the owner never waits for it.
func drainStderr(r io.Reader, w io.Writer, show bool, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if show {
			fmt.Fprintln(w, scanner.Text())
		} else {
			logger.Debug("MCP server stderr", "line", scanner.Text())
		}
	}
}

// stop tears the child down: close stdin to signal end of input,
// request graceful termination, wait out the grace period, kill on
// expiry. Runs exactly once per session, via defer in Run.
func stop(cmd *exec.Cmd, stdin io.Closer, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}

	stdin.Close()
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		logger.Debug("MCP server exited", "pid", cmd.Process.Pid)
	case <-time.After(gracePeriod):
		logger.Warn("MCP server did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}
