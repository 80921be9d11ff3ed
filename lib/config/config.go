// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Lily Remote
// agent.
//
// Configuration is loaded from a single file specified by:
//   - LILY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. The
// only expansion performed is ${HOME} and similar path variables for
// portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the agent.
type Config struct {
	// Agent configures the listening surfaces and state location.
	Agent AgentConfig `yaml:"agent"`

	// Pairing configures how controllers are admitted to the trust
	// store.
	Pairing PairingConfig `yaml:"pairing"`

	// Session configures session token lifetimes.
	Session SessionConfig `yaml:"session"`

	// Limits configures the request and command throttles.
	Limits LimitsConfig `yaml:"limits"`

	// Approval configures operator-approval timeouts for privileged
	// commands.
	Approval ApprovalConfig `yaml:"approval"`

	// Driver configures machine-driver execution timeouts.
	Driver DriverConfig `yaml:"driver"`

	// Events configures the event broadcast channel.
	Events EventsConfig `yaml:"events"`
}

// AgentConfig configures the agent's listening surfaces.
type AgentConfig struct {
	// ListenAddress is the TCP address for the controller-facing
	// command channel.
	// Default: 127.0.0.1:7600
	ListenAddress string `yaml:"listen_address"`

	// AdminSocket is the Unix socket for the local operator surface
	// (pairing approval, auth codes, kill switch, audit queries).
	// Default: ${LILY_STATE}/admin.sock
	AdminSocket string `yaml:"admin_socket"`

	// HealthAddress is the TCP address for the HTTP health endpoints.
	// Empty disables the HTTP listener.
	// Default: 127.0.0.1:7601
	HealthAddress string `yaml:"health_address"`

	// StateDir holds the SQLite databases, signing keys, and the
	// admin socket.
	// Default: ${HOME}/.local/state/lily-remote
	StateDir string `yaml:"state_dir"`
}

// PairingConfig configures controller admission.
type PairingConfig struct {
	// TimeoutSeconds is how long a pairing request stays pending
	// before it expires unapproved.
	// Default: 60
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// RequireApproval requires an operator to approve each pairing
	// request on the admin socket. When false, requests are approved
	// automatically (trusted-network deployments only).
	// Default: true
	RequireApproval bool `yaml:"require_approval"`
}

// SessionConfig configures session lifetimes.
type SessionConfig struct {
	// TTLSeconds is the session token lifetime.
	// Default: 300
	TTLSeconds int `yaml:"ttl_seconds"`
}

// LimitsConfig configures the agent's throttles.
type LimitsConfig struct {
	// RequestsPerMinute caps handshake and pairing attempts per
	// client.
	// Default: 120
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// CommandsPerSecond caps command executions per session.
	// Default: 20
	CommandsPerSecond int `yaml:"commands_per_second"`
}

// ApprovalConfig configures operator approval for privileged commands.
type ApprovalConfig struct {
	// TimeoutSeconds is how long a command waits for operator
	// approval before failing.
	// Default: 120
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DriverConfig configures machine-driver execution.
type DriverConfig struct {
	// InputTimeoutSeconds bounds a single input injection (click,
	// type, key press).
	// Default: 5
	InputTimeoutSeconds int `yaml:"input_timeout_seconds"`

	// ProcessTimeoutSeconds bounds a process restart.
	// Default: 30
	ProcessTimeoutSeconds int `yaml:"process_timeout_seconds"`
}

// EventsConfig configures the event broadcast channel.
type EventsConfig struct {
	// FrameBuffer is how many screen frames are buffered per
	// subscriber before the oldest is dropped.
	// Default: 8
	FrameBuffer int `yaml:"frame_buffer"`
}

// Default returns the default configuration. These defaults are a base
// before loading the config file; an agent started with no file at all
// runs loopback-only with operator approval required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultState := filepath.Join(homeDir, ".local", "state", "lily-remote")

	return &Config{
		Agent: AgentConfig{
			ListenAddress: "127.0.0.1:7600",
			AdminSocket:   filepath.Join(defaultState, "admin.sock"),
			HealthAddress: "127.0.0.1:7601",
			StateDir:      defaultState,
		},
		Pairing: PairingConfig{
			TimeoutSeconds:  60,
			RequireApproval: true,
		},
		Session: SessionConfig{
			TTLSeconds: 300,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 120,
			CommandsPerSecond: 20,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 120,
		},
		Driver: DriverConfig{
			InputTimeoutSeconds:   5,
			ProcessTimeoutSeconds: 30,
		},
		Events: EventsConfig{
			FrameBuffer: 8,
		},
	}
}

// Load loads configuration from the LILY_CONFIG environment variable.
// If LILY_CONFIG is not set, this fails; use LoadFile with an explicit
// path from the --config flag instead.
func Load() (*Config, error) {
	configPath := os.Getenv("LILY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("LILY_CONFIG environment variable not set; " +
			"set it to the path of your lily.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults. Environment variables do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"LILY_STATE": c.Agent.StateDir,
		"HOME":       os.Getenv("HOME"),
	}

	c.Agent.StateDir = expandVars(c.Agent.StateDir, vars)
	vars["LILY_STATE"] = c.Agent.StateDir // Update for dependent paths.

	c.Agent.AdminSocket = expandVars(c.Agent.AdminSocket, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("agent.listen_address is required"))
	}
	if c.Agent.AdminSocket == "" {
		errs = append(errs, fmt.Errorf("agent.admin_socket is required"))
	}
	if c.Agent.StateDir == "" {
		errs = append(errs, fmt.Errorf("agent.state_dir is required"))
	}
	if c.Pairing.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pairing.timeout_seconds must be positive"))
	}
	if c.Session.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl_seconds must be positive"))
	}
	if c.Limits.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("limits.requests_per_minute must be positive"))
	}
	if c.Limits.CommandsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("limits.commands_per_second must be positive"))
	}
	if c.Approval.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("approval.timeout_seconds must be positive"))
	}
	if c.Driver.InputTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("driver.input_timeout_seconds must be positive"))
	}
	if c.Driver.ProcessTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("driver.process_timeout_seconds must be positive"))
	}
	if c.Events.FrameBuffer <= 0 {
		errs = append(errs, fmt.Errorf("events.frame_buffer must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state directory if it doesn't exist. The
// directory is operator-private: it holds signing keys and the trust
// store.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Agent.StateDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Agent.StateDir, err)
	}
	return nil
}
