package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, w io.Writer, r io.Reader) *Client {
	t.Helper()
	ch := NewChannel(w, r, ChannelConfig{
		Timeout: 2 * time.Second,
		Logger:  discardLogger(),
	})
	return NewClient(ch, discardLogger())
}

func TestClientRequestMatchesByID(t *testing.T) {
	// The response stream interleaves a stale response, a server
	// notification, garbage, a string-id reply, and finally the match.
	// Everything but the match is discarded.
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":99,"result":{"stale":true}}`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`,
		`not even close to json`,
		`{"jsonrpc":"2.0","id":"1","result":{"wrongType":true}}`,
		`{"jsonrpc":"2.0","id":1,"result":{"answer":42}}`,
	}, "\n") + "\n"

	client := newTestClient(t, io.Discard, strings.NewReader(input))

	resp, err := client.Request(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("ID = %d, want 1", resp.ID)
	}

	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["answer"] != float64(42) {
		t.Errorf("result = %v, want answer 42", result)
	}
}

// serveByID answers every request line with an empty result under the
// same id, like a server that replies in order.
func serveByID(t *testing.T, r io.Reader, w io.Writer) {
	t.Helper()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		resp, _ := json.Marshal(&Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
		if _, err := w.Write(append(resp, '\n')); err != nil {
			return
		}
	}
}

func TestClientIDsStrictlyIncreasing(t *testing.T) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	defer clientW.Close()
	defer serverW.Close()

	var sent bytes.Buffer
	go serveByID(t, io.TeeReader(serverR, &sent), serverW)

	client := newTestClient(t, clientW, clientR)

	for i := 0; i < 5; i++ {
		if _, err := client.Request(context.Background(), "ping", nil); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}

	var ids []int64
	scanner := bufio.NewScanner(&sent)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			t.Fatalf("unparseable request line %q: %v", scanner.Text(), err)
		}
		ids = append(ids, req.ID)
	}

	if len(ids) != 5 {
		t.Fatalf("sent %d requests, want 5", len(ids))
	}
	for i, id := range ids {
		if want := int64(i + 1); id != want {
			t.Errorf("request %d has id %d, want %d", i, id, want)
		}
	}
}

func TestClientNotifyWritesNothingToRead(t *testing.T) {
	var buf bytes.Buffer
	// An empty read side: Notify must never touch it.
	client := newTestClient(t, &buf, strings.NewReader(""))

	if err := client.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("written line is not JSON: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Error("notification carries an id")
	}
	if m["method"] != "notifications/initialized" {
		t.Errorf("method = %v, want notifications/initialized", m["method"])
	}
}

func TestClientRequestPropagatesTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ch := NewChannel(io.Discard, pr, ChannelConfig{
		Timeout: 50 * time.Millisecond,
		Logger:  discardLogger(),
	})
	client := NewClient(ch, discardLogger())

	_, err := client.Request(context.Background(), "initialize", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Request = %v, want ErrTimeout", err)
	}
}

func TestClientRequestPropagatesClosed(t *testing.T) {
	client := newTestClient(t, io.Discard, strings.NewReader(""))

	_, err := client.Request(context.Background(), "initialize", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Request = %v, want ErrClosed", err)
	}
}

func TestClientReturnsErrorResponses(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}` + "\n"
	client := newTestClient(t, io.Discard, strings.NewReader(input))

	resp, err := client.Request(context.Background(), "bogus/method", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("Error is nil, want the server's error object")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("Error.Code = %d, want -32601", resp.Error.Code)
	}
}
