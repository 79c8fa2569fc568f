package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Client issues JSON-RPC requests over a Channel and correlates
// responses by id. Ids are strictly increasing from 1 and never reused
// within a session, so a response matches at most one request.
//
// The sequencer never has more than one request outstanding, but the
// server is free to interleave notifications, log lines, or stale
// responses on the same stream — correctness comes from id matching,
// never from arrival order.
type Client struct {
	ch     *Channel
	logger *slog.Logger
	nextID atomic.Int64
}

// NewClient creates a client on top of the given channel.
func NewClient(ch *Channel, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{ch: ch, logger: logger}
}

// Request allocates the next id, sends a request, and reads messages
// until the response with that id arrives. Messages with any other id
// — server pushes, notifications, stale replies — are discarded, not
// treated as errors. Channel failures (ErrTimeout, ErrClosed) are
// propagated unchanged.
//
// A response carrying a JSON-RPC error object is returned to the
// caller with Error set; deciding how severe that is belongs to the
// sequencer, not the wire layer.
func (c *Client) Request(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	if err := c.ch.Send(req); err != nil {
		return nil, err
	}

	for {
		raw, err := c.ch.Receive(ctx)
		if err != nil {
			return nil, err
		}

		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			// Valid JSON, wrong shape (e.g. a string id we did not
			// allocate). Same treatment as any other noise.
			c.logger.Debug("skipping undecodable MCP message", "line", string(raw))
			continue
		}

		if resp.ID != id {
			c.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "want", id)
			continue
		}
		return &resp, nil
	}
}

// Notify sends a notification and returns as soon as the bytes are
// written. By protocol definition no reply is expected, so nothing is
// read.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ch.Send(NewNotification(method, params))
}
