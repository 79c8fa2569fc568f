// Package mcp implements the MCP (Model Context Protocol) wire layer
// used by mcpspect to interrogate a server over stdio.
//
// MCP is JSON-RPC 2.0 with newline-delimited framing: one complete
// JSON object per line on the subject's stdin (client→server) and
// stdout (server→client). The package is split into a Channel, which
// frames and filters raw lines under a per-read timeout, and a Client,
// which allocates request ids and correlates responses by id.
//
// This is deliberately not a general MCP client library. It supports
// exactly one in-flight request at a time, which is all the inspection
// sequencer ever issues, and it never assumes responses arrive in
// request order — matching is by id.
package mcp
