package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mcpspect/mcpspect/internal/config"
)

// Fatal transport conditions. Both unwind the whole inspection run;
// there is no recovery from a channel that timed out or closed.
var (
	// ErrTimeout reports that no complete response line arrived
	// within the configured deadline.
	ErrTimeout = errors.New("timed out waiting for MCP response")

	// ErrClosed reports that the server's stdout reached end of
	// stream with no further data.
	ErrClosed = errors.New("MCP server closed the connection")
)

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Timeout bounds each line read within Receive; every arriving
	// line re-arms it. Zero or negative means no deadline (reads
	// block until a line arrives or the stream closes).
	Timeout time.Duration

	// ShowRaw echoes lines that are not valid JSON to Raw. Off by
	// default: subject servers routinely mix build output or banners
	// onto stdout, and that noise is skipped silently.
	ShowRaw bool

	// Raw receives echoed non-JSON lines when ShowRaw is set.
	// Defaults to io.Discard.
	Raw io.Writer

	// Logger is the structured logger for channel diagnostics.
	Logger *slog.Logger
}

// Channel frames newline-delimited JSON-RPC messages over a byte
// duplex pipe pair: one complete JSON object per line, UTF-8 encoded.
// The read side tolerates padding (blank lines) and non-protocol text;
// only a timeout or end of stream is fatal.
//
// A Channel is not safe for concurrent use. The inspection sequencer
// is strictly linear, so no locking is needed here.
type Channel struct {
	w       io.Writer
	reader  *bufio.Reader
	timeout time.Duration
	showRaw bool
	raw     io.Writer
	logger  *slog.Logger
}

// NewChannel creates a channel writing to w and reading from r.
// For a child process, w is its stdin and r is its stdout.
func NewChannel(w io.Writer, r io.Reader, cfg ChannelConfig) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	raw := cfg.Raw
	if raw == nil {
		raw = io.Discard
	}
	return &Channel{
		w:       w,
		reader:  bufio.NewReaderSize(r, 1<<20), // 1 MiB for large tool listings
		timeout: cfg.Timeout,
		showRaw: cfg.ShowRaw,
		raw:     raw,
		logger:  logger,
	}
}

// Send serializes msg to a single line and writes it followed by a
// newline delimiter. The payload and delimiter go out in one Write
// call, so the bytes are fully handed to the transport before Send
// returns — pipes are unbuffered on our side.
func (c *Channel) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	// encoding/json never emits raw newlines, but the framing contract
	// is load-bearing enough to check.
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("message encodes to multiple lines")
	}

	c.logger.Log(context.Background(), config.LevelTrace, "send", "payload", string(data))

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to MCP stdin: %w", err)
	}
	return nil
}

// readResult is the outcome of a single line read from the stream.
type readResult struct {
	line []byte
	err  error
}

// Receive blocks until one complete JSON line is available, the
// configured timeout elapses, or the stream closes. Blank lines are
// skipped as transport padding. Lines that are not valid JSON are
// skipped too (echoed to the raw writer when ShowRaw is set).
//
// The timeout bounds each line read, not the call: any arriving line,
// noise included, re-arms it. A subject that streams build output on
// stdout for longer than the timeout is still making progress and must
// not be aborted; Timeout means the stream went quiet.
//
// Reads run in a goroutine so that cancellation and the deadline can
// interrupt a blocking read. An interrupted read is abandoned, never
// awaited — the caller tears the whole session down on any error from
// here, so the reader is not reused afterward.
func (c *Channel) Receive(ctx context.Context) (json.RawMessage, error) {
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, err := c.reader.ReadBytes('\n')
			ch <- readResult{line: line, err: err}
		}()

		// Fresh timer per line so arriving noise re-arms the deadline.
		var deadline <-chan time.Time
		var timer *time.Timer
		if c.timeout > 0 {
			timer = time.NewTimer(c.timeout)
			deadline = timer.C
		}

		var res readResult
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrTimeout
		case res = <-ch:
		}
		if timer != nil {
			timer.Stop()
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("%w: %v", ErrClosed, res.err)
		}

		line := bytes.TrimSpace(res.line)
		if len(line) == 0 {
			continue
		}

		c.logger.Log(ctx, config.LevelTrace, "recv", "payload", string(line))

		if !json.Valid(line) {
			if c.showRaw {
				fmt.Fprintf(c.raw, "[non-json] %s\n", line)
			}
			c.logger.Debug("skipping non-JSON line from MCP server", "line", string(line))
			continue
		}
		return json.RawMessage(line), nil
	}
}
