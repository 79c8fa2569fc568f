// Package config handles mcpspect configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the command line
// says otherwise.
const (
	DefaultProtocolVersion = "2025-03-26"
	DefaultTimeout         = 10 * time.Second
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config) is checked first.
// Then: ./mcpspect.yaml, ~/.config/mcpspect/config.yaml,
// /etc/mcpspect/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcpspect.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpspect", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpspect/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists. A config file is optional for mcpspect: when nothing is
// found and no explicit path was given, FindConfig returns "" and no
// error, and the defaults apply.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all mcpspect configuration. Every field can be
// overridden from the command line; the file exists so that a server's
// inspection profile (command, requirements, environment) can be
// checked in next to the server it validates.
type Config struct {
	// Command is the subject server executable plus its arguments.
	Command []string `yaml:"command"`
	// Env are environment overrides for the subject in KEY=VALUE
	// form, overlaid on the current process environment.
	Env []string `yaml:"env"`
	// Protocol is the MCP protocol version advertised in initialize.
	Protocol string `yaml:"protocol"`
	// TimeoutSec bounds each response read, in seconds.
	TimeoutSec float64 `yaml:"timeout_sec"`
	// Check enables validation of the requirements below.
	Check bool `yaml:"check"`
	// RequireTools are tool names that must appear in tools/list.
	RequireTools []string `yaml:"require_tools"`
	// RequireCapabilities are capability names that must be advertised.
	RequireCapabilities []string `yaml:"require_capabilities"`
	// ShowRaw echoes non-JSON stdout lines from the subject.
	ShowRaw bool `yaml:"show_raw"`
	// ShowStderr streams the subject's stderr to ours.
	ShowStderr bool `yaml:"show_stderr"`
	// History is the path of a SQLite database to append run reports
	// to. Empty disables persistence.
	History string `yaml:"history"`
	LogLevel string `yaml:"log_level"`
}

// Load reads and parses a config file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Protocol:   DefaultProtocolVersion,
		TimeoutSec: DefaultTimeout.Seconds(),
	}
}

// Timeout returns the response deadline as a duration.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSec * float64(time.Second))
}
