// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue accepts command batches from authenticated sessions
// and executes them against the platform driver. Commands within one
// session run strictly in submission order; a single driver lane
// serializes actual input injection across sessions. Every command
// reaches exactly one terminal status, and every driver side effect
// is preceded by an audit entry.
package queue

import (
	"sync"
	"time"

	"github.com/Bazza1982/lily-remote/lib/apierror"
)

// Status is the lifecycle state of a command.
type Status string

const (
	// StatusQueued: accepted, waiting for its turn in the session's
	// lane.
	StatusQueued Status = "queued"

	// StatusRunning: handed to the driver (or waiting for approval).
	StatusRunning Status = "running"

	// StatusSucceeded: the driver call completed and read-back
	// verification passed.
	StatusSucceeded Status = "succeeded"

	// StatusFailed: the driver call or its verification failed after
	// all retries, or the session was revoked mid-flight.
	StatusFailed Status = "failed"

	// StatusRejected: authorization or parameter validation refused
	// the command before any driver call was attempted.
	StatusRejected Status = "rejected"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Command is an immutable snapshot of a queued command as seen by
// callers of Query. ErrorKind and ErrorMessage are set only for
// failed and rejected commands.
type Command struct {
	CommandID      string         `cbor:"command_id"`
	SessionID      string         `cbor:"session_id"`
	Type           string         `cbor:"type"`
	Parameters     map[string]any `cbor:"parameters,omitempty"`
	SequenceNumber uint64         `cbor:"sequence_number"`
	SubmittedAt    time.Time      `cbor:"submitted_at"`
	Status         Status         `cbor:"status"`
	Result         map[string]any `cbor:"result,omitempty"`
	ErrorKind      apierror.Kind  `cbor:"error_kind,omitempty"`
	ErrorMessage   string         `cbor:"error_message,omitempty"`
	CompletedAt    time.Time      `cbor:"completed_at"`
}

// command is the mutable in-queue record. The status transition to a
// terminal state happens exactly once; later finish calls are no-ops.
type command struct {
	commandID   string
	sessionID   string
	commandType string
	parameters  map[string]any
	sequence    uint64
	submittedAt time.Time

	mu          sync.Mutex
	status      Status
	result      map[string]any
	errorKind   apierror.Kind
	errorMsg    string
	completedAt time.Time
}

func (c *command) snapshot() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Command{
		CommandID:      c.commandID,
		SessionID:      c.sessionID,
		Type:           c.commandType,
		Parameters:     c.parameters,
		SequenceNumber: c.sequence,
		SubmittedAt:    c.submittedAt,
		Status:         c.status,
		Result:         c.result,
		ErrorKind:      c.errorKind,
		ErrorMessage:   c.errorMsg,
		CompletedAt:    c.completedAt,
	}
}

// setRunning moves a queued command to running. Returns false if the
// command already reached a terminal state (killed while queued).
func (c *command) setRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusQueued {
		return false
	}
	c.status = StatusRunning
	return true
}

// finish records the terminal state. The first call wins; any later
// call is ignored and returns false.
func (c *command) finish(status Status, result map[string]any, kind apierror.Kind, message string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return false
	}
	c.status = status
	c.result = result
	c.errorKind = kind
	c.errorMsg = message
	c.completedAt = now
	return true
}

func (c *command) currentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
