package main

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mcpspect/mcpspect/internal/config"
	"github.com/mcpspect/mcpspect/internal/history"
	"github.com/mcpspect/mcpspect/internal/inspect"
)

func TestParseArgs(t *testing.T) {
	a, err := parseArgs([]string{
		"-check",
		"-require-capability", "tools",
		"-require-tool", "health",
		"-require-tool=list_solutions",
		"-env", "A=1",
		"-timeout", "2s",
		"-protocol", "2024-11-05",
		"-o", "json",
		"--",
		"./server", "-flag-for-server",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}

	if !a.check {
		t.Error("check = false, want true")
	}
	if !reflect.DeepEqual(a.requireCaps, []string{"tools"}) {
		t.Errorf("requireCaps = %v", a.requireCaps)
	}
	if !reflect.DeepEqual(a.requireTools, []string{"health", "list_solutions"}) {
		t.Errorf("requireTools = %v", a.requireTools)
	}
	if !reflect.DeepEqual(a.env, []string{"A=1"}) {
		t.Errorf("env = %v", a.env)
	}
	if a.timeout != 2*time.Second || !a.timeoutSet {
		t.Errorf("timeout = %v (set=%v), want 2s", a.timeout, a.timeoutSet)
	}
	if a.protocol != "2024-11-05" {
		t.Errorf("protocol = %q", a.protocol)
	}
	if a.output != "json" {
		t.Errorf("output = %q, want json", a.output)
	}
	if !reflect.DeepEqual(a.command, []string{"./server", "-flag-for-server"}) {
		t.Errorf("command = %v", a.command)
	}
}

func TestParseArgsBareCommandTakesRest(t *testing.T) {
	a, err := parseArgs([]string{"-check", "./server", "-check", "-x"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	// Everything from the first bare token on belongs to the subject,
	// flags included.
	if !reflect.DeepEqual(a.command, []string{"./server", "-check", "-x"}) {
		t.Errorf("command = %v", a.command)
	}
}

func TestParseArgsVersion(t *testing.T) {
	a, err := parseArgs([]string{"version"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !a.version {
		t.Error("version = false, want true")
	}
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-frobnicate"}},
		{"missing value", []string{"-timeout"}},
		{"bad duration", []string{"-timeout", "soon"}},
		{"bad env", []string{"-env", "NOEQUALS"}},
		{"bad output", []string{"-o", "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseArgs(tt.args); err == nil {
				t.Errorf("parseArgs(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestMergeArgsFlagsWin(t *testing.T) {
	cfg := config.Default()
	cfg.Command = []string{"./from-config"}
	cfg.RequireTools = []string{"config-tool"}
	cfg.Protocol = "2024-11-05"

	a := &cliArgs{
		command:      []string{"./from-flags"},
		requireTools: []string{"health"},
		protocol:     "2025-03-26",
		protocolSet:  true,
		timeout:      3 * time.Second,
		timeoutSet:   true,
		check:        true,
	}
	mergeArgs(cfg, a)

	if cfg.Command[0] != "./from-flags" {
		t.Errorf("Command = %v, want flag value", cfg.Command)
	}
	if !reflect.DeepEqual(cfg.RequireTools, []string{"health"}) {
		t.Errorf("RequireTools = %v, want flag value", cfg.RequireTools)
	}
	if cfg.Protocol != "2025-03-26" {
		t.Errorf("Protocol = %q, want flag value", cfg.Protocol)
	}
	if cfg.Timeout() != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Timeout())
	}
	if !cfg.Check {
		t.Error("Check = false, want true")
	}
}

func TestMergeArgsConfigSurvivesUnsetFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol = "2024-11-05"
	cfg.RequireTools = []string{"config-tool"}

	mergeArgs(cfg, &cliArgs{})

	if cfg.Protocol != "2024-11-05" {
		t.Errorf("Protocol = %q, config value was clobbered", cfg.Protocol)
	}
	if !reflect.DeepEqual(cfg.RequireTools, []string{"config-tool"}) {
		t.Errorf("RequireTools = %v, config value was clobbered", cfg.RequireTools)
	}
}

func TestPrintReportText(t *testing.T) {
	ok := "ok"
	rep := &inspect.Report{
		ServerName:    "echo",
		ServerVersion: "1.0",
		Capabilities:  []string{"tools"},
		Tools:         []string{"health", "list_solutions"},
		HealthText:    &ok,
	}

	var buf bytes.Buffer
	if err := printReport(&buf, "text", rep); err != nil {
		t.Fatalf("printReport: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"server: echo (1.0)",
		"capabilities (1): tools",
		"tools (2): health, list_solutions",
		"health: ok",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReportNoHealthText(t *testing.T) {
	var buf bytes.Buffer
	if err := printReport(&buf, "text", &inspect.Report{}); err != nil {
		t.Fatalf("printReport: %v", err)
	}
	if !strings.Contains(buf.String(), "health: <no text>") {
		t.Errorf("output = %q, want <no text> marker", buf.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", []string{"-check"}},
		{"unknown flag", []string{"-bogus"}},
		{"missing config", []string{"-config", "/nonexistent/mcpspect.yaml", "--", "true"}},
		{"bad log level", []string{"-log-level", "loud", "--", "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), &stdout, &stderr, tt.args); code != exitUsage {
				t.Errorf("run(%v) = %d, want %d\nstderr: %s", tt.args, code, exitUsage, stderr.String())
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), &stdout, &stderr, []string{"version"}); code != 0 {
		t.Fatalf("run(version) = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "mcpspect") {
		t.Errorf("version output = %q", stdout.String())
	}
}

// cannedScript emits fixed responses for the client's ids 1..3, then
// holds stdin open until the inspector closes it.
func cannedScript(health string) string {
	return `printf '%s\n' \
'{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":"canned","version":"0.1"},"capabilities":{"tools":{}}}}' \
'{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"health"}]}}' \
'{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"` + health + `"}]}}'
cat >/dev/null`
}

func TestRunEndToEndSuccess(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), &stdout, &stderr, []string{
		"-check",
		"-require-capability", "tools",
		"-timeout", "5s",
		"--", "sh", "-c", cannedScript("ok"),
	})

	if code != 0 {
		t.Fatalf("run = %d, want 0\nstderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "server: canned (0.1)") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "health: ok") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunEndToEndHealthNotOK(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), &stdout, &stderr, []string{
		"-check",
		"-timeout", "5s",
		"--", "sh", "-c", cannedScript("degraded"),
	})

	if code != 3 {
		t.Fatalf("run = %d, want 3", code)
	}
	if !strings.Contains(stderr.String(), "health tool did not return ok") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunEndToEndMissingTool(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), &stdout, &stderr, []string{
		"-check",
		"-require-tool", "list_solutions",
		"-timeout", "5s",
		"--", "sh", "-c", cannedScript("ok"),
	})

	if code != 2 {
		t.Fatalf("run = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "missing tools: list_solutions") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunEndToEndTimeout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), &stdout, &stderr, []string{
		"-timeout", "100ms",
		"--", "sh", "-c", "sleep 30",
	})

	if code != exitUsage {
		t.Fatalf("run = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr.String(), "timed out") {
		t.Errorf("stderr = %q, want a timeout cause", stderr.String())
	}
}

func TestRunRecordsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), &stdout, &stderr, []string{
		"-check",
		"-timeout", "5s",
		"-history", dbPath,
		"--", "sh", "-c", cannedScript("ok"),
	})
	if code != 0 {
		t.Fatalf("run = %d, want 0\nstderr: %s", code, stderr.String())
	}

	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	n, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("history rows = %d, want 1", n)
	}
}

func TestRunJSONReport(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), &stdout, &stderr, []string{
		"-o", "json",
		"-timeout", "5s",
		"--", "sh", "-c", cannedScript("ok"),
	})
	if code != 0 {
		t.Fatalf("run = %d, want 0\nstderr: %s", code, stderr.String())
	}

	out := stdout.String()
	if !strings.Contains(out, `"server_name": "canned"`) {
		t.Errorf("stdout = %q, want JSON report", out)
	}
	if !strings.Contains(out, `"outcome": "unchecked"`) {
		t.Errorf("stdout = %q, want unchecked outcome", out)
	}
}
