// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Lily-agent is the machine-side rescue daemon. It listens on a
// loopback TCP port for paired controllers, on a local unix socket for
// the operator (pairing approval, command approval, kill switch, audit
// queries), and optionally on an HTTP port for liveness probes.
//
// On startup:
//  1. Loads configuration (--config flag or LILY_CONFIG).
//  2. Opens the audit log and trust store under the state directory.
//  3. Loads or generates the session token signing keypair.
//  4. Assembles the pairing engine, session manager, command queue,
//     and event broadcaster, and serves until signalled.
//
// The agent holds the only plaintext view of session secrets; the
// sealed pairing bundle handed to controllers is encrypted to the key
// the controller generated, so credentials never cross the channel in
// the clear.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/driver/drivertest"
	"github.com/Bazza1982/lily-remote/events"
	"github.com/Bazza1982/lily-remote/lib/config"
	"github.com/Bazza1982/lily-remote/lib/process"
	"github.com/Bazza1982/lily-remote/lib/ratelimit"
	"github.com/Bazza1982/lily-remote/lib/sessiontoken"
	"github.com/Bazza1982/lily-remote/lib/version"
	"github.com/Bazza1982/lily-remote/pairing"
	"github.com/Bazza1982/lily-remote/queue"
	"github.com/Bazza1982/lily-remote/server"
	"github.com/Bazza1982/lily-remote/session"
)

// maintenanceInterval paces the background sweep of expired pairing
// requests, sessions, terminal commands, and limiter windows.
const maintenanceInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		driverName  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to lily.yaml (defaults to $LILY_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.StringVar(&driverName, "driver", "sim", "machine driver: sim (simulated desktop)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("lily-agent")
		return nil
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Agent.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	machineDriver, err := openDriver(driverName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.Open(audit.Config{
		Path:   filepath.Join(cfg.Agent.StateDir, "audit.db"),
		Logger: logger.With("component", "audit"),
	})
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()

	// Verify the chain before serving: a truncated or edited log is a
	// reason to refuse to start, not something to log and move past.
	entries, err := auditLog.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("audit chain verification failed: %w", err)
	}
	logger.Info("audit chain verified", "entries", entries)
	if err := recordRestart(ctx, auditLog, entries); err != nil {
		return err
	}

	store, err := pairing.OpenStore(pairing.StoreConfig{
		Path: filepath.Join(cfg.Agent.StateDir, "trust.db"),
	})
	if err != nil {
		return fmt.Errorf("opening trust store: %w", err)
	}
	defer store.Close()

	engine, err := pairing.NewEngine(pairing.Config{
		Store:           store,
		Audit:           auditLog,
		Logger:          logger.With("component", "pairing"),
		Timeout:         time.Duration(cfg.Pairing.TimeoutSeconds) * time.Second,
		RequireApproval: cfg.Pairing.RequireApproval,
	})
	if err != nil {
		return err
	}

	verifyKey, signingKey, generated, err := sessiontoken.LoadOrGenerateKeypair(cfg.Agent.StateDir)
	if err != nil {
		return fmt.Errorf("loading signing keypair: %w", err)
	}
	if generated {
		logger.Info("generated new session signing keypair")
	}

	broadcaster := events.NewBroadcaster(events.Config{
		FrameBuffer: cfg.Events.FrameBuffer,
		Logger:      logger.With("component", "events"),
	})

	// The revocation hook closes the loop between the session manager
	// and everything holding per-session state: queued commands fail
	// with Killed and the event subscription ends with a final
	// session_revoked event. The queue variable is assigned below;
	// revocations cannot fire before Start is ever called.
	var commandQueue *queue.Queue
	manager, err := session.NewManager(session.Config{
		Pairing:    engine,
		Audit:      auditLog,
		SigningKey: signingKey,
		VerifyKey:  verifyKey,
		Logger:     logger.With("component", "session"),
		TTL:        time.Duration(cfg.Session.TTLSeconds) * time.Second,
		OnRevoked: func(sessionID string) {
			commandQueue.CancelSession(sessionID)
			broadcaster.Revoke(sessionID, "revoked")
		},
	})
	if err != nil {
		return err
	}

	registry := authorization.NewRegistry(nil, manager.ConfirmToken)

	requestLimiter := ratelimit.New(cfg.Limits.RequestsPerMinute, time.Minute, nil)
	commandLimiter := ratelimit.New(cfg.Limits.CommandsPerSecond, time.Second, nil)

	commandQueue, err = queue.New(queue.Config{
		Driver:          machineDriver,
		Registry:        registry,
		Audit:           auditLog,
		Limiter:         commandLimiter,
		Logger:          logger.With("component", "queue"),
		InputTimeout:    time.Duration(cfg.Driver.InputTimeoutSeconds) * time.Second,
		ProcessTimeout:  time.Duration(cfg.Driver.ProcessTimeoutSeconds) * time.Second,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
		AutoAllowInput:  !cfg.Pairing.RequireApproval,
		OnDone: func(sessionID string, cmd queue.Command) {
			broadcaster.PublishCommandDone(sessionID, events.CommandDone{
				CommandID:    cmd.CommandID,
				Status:       string(cmd.Status),
				ErrorKind:    string(cmd.ErrorKind),
				ErrorMessage: cmd.ErrorMessage,
			})
		},
		OnFrame: func(sessionID string, frame driver.Frame) {
			broadcaster.PublishFrame(sessionID, frame)
		},
		OnForeground: func(sessionID string, title string) {
			broadcaster.PublishForegroundChanged(sessionID, title)
		},
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddress:  cfg.Agent.ListenAddress,
		AdminSocket:    cfg.Agent.AdminSocket,
		HealthAddress:  cfg.Agent.HealthAddress,
		Pairing:        engine,
		Sessions:       manager,
		Queue:          commandQueue,
		Registry:       registry,
		Events:         broadcaster,
		Audit:          auditLog,
		Driver:         machineDriver,
		RequestLimiter: requestLimiter,
		Logger:         logger.With("component", "server"),
	})
	if err != nil {
		return err
	}

	go maintain(ctx, logger, engine, manager, commandQueue, requestLimiter, commandLimiter)

	go func() {
		<-srv.Ready()
		logger.Info("agent running",
			"listen", srv.PublicAddr().String(),
			"admin_socket", cfg.Agent.AdminSocket,
			"health", cfg.Agent.HealthAddress,
			"driver", driverName,
		)
	}()

	err = srv.Run(ctx)
	logger.Info("agent stopped")
	return err
}

// recordRestart audits a boot of an agent with prior history. Sessions
// and queued commands are held in memory only, so anything left
// executing when the previous run ended gets this entry as its
// terminal record instead of dangling.
func recordRestart(ctx context.Context, auditLog *audit.Log, priorEntries int64) error {
	if priorEntries == 0 {
		return nil
	}
	if _, err := auditLog.Append(ctx, audit.ActorSystem,
		"agent.restarted", "prior sessions and in-flight commands voided"); err != nil {
		return fmt.Errorf("recording restart: %w", err)
	}
	return nil
}

// maintain runs the periodic sweeps until ctx is cancelled.
func maintain(ctx context.Context, logger *slog.Logger, engine *pairing.Engine,
	manager *session.Manager, commandQueue *queue.Queue, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if pruned, err := engine.PruneExpired(ctx); err != nil {
			logger.Warn("pruning pairing requests", "error", err)
		} else if pruned > 0 {
			logger.Debug("pruned expired pairing requests", "count", pruned)
		}
		if expired := manager.Sweep(ctx); expired > 0 {
			logger.Debug("expired idle sessions", "count", expired)
		}
		if swept := commandQueue.Sweep(); swept > 0 {
			logger.Debug("swept terminal commands", "count", swept)
		}
		for _, limiter := range limiters {
			limiter.Prune()
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("LILY_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func openDriver(name string) (driver.Driver, error) {
	switch name {
	case "sim":
		// The simulated desktop driver. Platform capture/input
		// drivers register here as they land.
		return drivertest.New(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (supported: sim)", name)
	}
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
