package inspect

import (
	"encoding/json"
	"sort"
	"time"
)

// Outcome classifies a completed inspection run. It is derived from
// the final report state once, after the protocol walk finishes.
type Outcome string

const (
	// OutcomeOK: every requirement was met (or checking was enabled
	// with nothing to flag).
	OutcomeOK Outcome = "ok"
	// OutcomeMissingCapability: a required capability name was absent
	// from the server's advertised set.
	OutcomeMissingCapability Outcome = "missing-capabilities"
	// OutcomeMissingTool: a required tool name was absent from the
	// discovered tool list.
	OutcomeMissingTool Outcome = "missing-tools"
	// OutcomeHealthNotOK: the health tool returned something other
	// than the literal text "ok".
	OutcomeHealthNotOK Outcome = "health-not-ok"
	// OutcomeUnchecked: the walk completed and no validation was
	// requested.
	OutcomeUnchecked Outcome = "unchecked"
)

// ExitCode maps an outcome to the process exit code contract:
// 0 success, 1 missing capability, 2 missing tool, 3 health not ok.
// Transport faults exit with code 4, assigned by the caller — they
// never produce an Outcome.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeMissingCapability:
		return 1
	case OutcomeMissingTool:
		return 2
	case OutcomeHealthNotOK:
		return 3
	default:
		return 0
	}
}

// Report is the structured result of one inspection session. It is
// bound to exactly one child process and mutated as each protocol step
// completes.
type Report struct {
	Command         []string  `json:"command"`
	StartedAt       time.Time `json:"started_at"`
	DurationMS      int64     `json:"duration_ms"`
	ServerName      string    `json:"server_name"`
	ServerVersion   string    `json:"server_version"`
	ProtocolVersion string    `json:"protocol_version"`
	Capabilities    []string  `json:"capabilities"`
	Tools           []string  `json:"tools"`
	// HealthText is the first text content item returned by the
	// health tool, or nil when the result contained no text item.
	HealthText *string  `json:"health"`
	Outcome    Outcome  `json:"outcome"`
	Missing    []string `json:"missing,omitempty"`
}

// unknownMarker stands in for absent server identity fields.
const unknownMarker = "<unknown>"

// initializeResult is the shape we care about in an initialize
// response. Capabilities stay raw so null-valued entries can be told
// apart from present ones.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
}

// applyInitialize records server identity, protocol version, and the
// advertised capability names from an initialize result. A capability
// is present if its value is non-null. Anything missing or malformed
// degrades to the unknown marker or an empty set — handshake results
// are advisory, not load-bearing.
func applyInitialize(rep *Report, result json.RawMessage) {
	rep.ServerName = unknownMarker
	rep.ServerVersion = unknownMarker

	var res initializeResult
	if err := json.Unmarshal(result, &res); err != nil {
		return
	}

	if res.ServerInfo.Name != "" {
		rep.ServerName = res.ServerInfo.Name
	}
	if res.ServerInfo.Version != "" {
		rep.ServerVersion = res.ServerInfo.Version
	}
	rep.ProtocolVersion = res.ProtocolVersion

	names := make([]string, 0, len(res.Capabilities))
	for name, value := range res.Capabilities {
		if string(value) == "null" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	rep.Capabilities = names
}

// toolNames extracts the ordered tool names from a tools/list result.
// Entries without a name are skipped silently — servers under
// development emit them and they are noise, not faults.
func toolNames(result json.RawMessage) []string {
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil
	}

	var names []string
	for _, tool := range res.Tools {
		if tool.Name != "" {
			names = append(names, tool.Name)
		}
	}
	return names
}

// healthText extracts the first text-typed content item from a
// tools/call result, or nil if no such item exists. A "text" item
// without a text field does not count; later items are still
// considered.
func healthText(result json.RawMessage) *string {
	var res struct {
		Content []struct {
			Type string  `json:"type"`
			Text *string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil
	}

	for _, item := range res.Content {
		if item.Type == "text" && item.Text != nil {
			return item.Text
		}
	}
	return nil
}

// Validate computes the outcome from the final report state against
// the caller's requirements, in severity order: capabilities, then
// tools, then the health text. The names of whatever came up missing
// are recorded on the report for the failure message.
func (r *Report) Validate(requireCapabilities, requireTools []string) Outcome {
	if missing := missingFrom(requireCapabilities, r.Capabilities); len(missing) > 0 {
		r.Missing = missing
		r.Outcome = OutcomeMissingCapability
		return r.Outcome
	}

	if missing := missingFrom(requireTools, r.Tools); len(missing) > 0 {
		r.Missing = missing
		r.Outcome = OutcomeMissingTool
		return r.Outcome
	}

	if r.HealthText == nil || *r.HealthText != "ok" {
		r.Outcome = OutcomeHealthNotOK
		return r.Outcome
	}

	r.Outcome = OutcomeOK
	return r.Outcome
}

// missingFrom returns the required names absent from have, preserving
// the order they were required in.
func missingFrom(required, have []string) []string {
	haveSet := make(map[string]bool, len(have))
	for _, name := range have {
		haveSet[name] = true
	}

	var missing []string
	for _, name := range required {
		if !haveSet[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
