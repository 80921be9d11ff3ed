// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package authorization

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
)

// ConfirmTTL is how long an L4 grant stays confirmable. A stale grant
// must be re-issued; this bounds the replay window of an approval the
// operator walked away from.
const ConfirmTTL = 30 * time.Second

// Registry errors.
var (
	ErrAlreadyPending = errors.New("authorization: approval already pending for command")
	ErrNotPending     = errors.New("authorization: no pending approval for command")
	ErrDenied         = errors.New("authorization: approval denied")
)

// ConfirmTokenFunc supplies the session-bound confirmation token for
// an L4 grant. Wired to the session manager's derived secrets.
type ConfirmTokenFunc func(sessionID string) (string, error)

// PendingApproval describes one approval awaiting a human decision,
// as listed on the admin socket.
type PendingApproval struct {
	CommandID       string `cbor:"command_id"`
	SessionID       string `cbor:"session_id"`
	CommandType     string `cbor:"command_type"`
	Level           uint8  `cbor:"level"`
	AwaitingConfirm bool   `cbor:"awaiting_confirm"`
}

type pendingApproval struct {
	info     PendingApproval
	level    Level
	released chan error // receives nil (granted) or ErrDenied; closed never

	// L4 double-confirm state.
	confirmToken string
	grantedAt    time.Time
}

// Registry holds the pending-state records behind L3/L4 gates. A
// worker executing a privileged command registers here and parks in
// Wait; the operator resolves the record through the admin socket.
type Registry struct {
	clock        clock.Clock
	confirmToken ConfirmTokenFunc

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewRegistry creates an approval registry. confirmToken is required
// for L4 grants; a nil func makes every L4 grant fail.
func NewRegistry(clk clock.Clock, confirmToken ConfirmTokenFunc) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock:        clk,
		confirmToken: confirmToken,
		pending:      make(map[string]*pendingApproval),
	}
}

// Begin registers a pending approval for a command. Fails if one is
// already registered for the same command ID.
func (r *Registry) Begin(commandID, sessionID, commandType string, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[commandID]; exists {
		return ErrAlreadyPending
	}
	r.pending[commandID] = &pendingApproval{
		info: PendingApproval{
			CommandID:   commandID,
			SessionID:   sessionID,
			CommandType: commandType,
			Level:       uint8(level),
		},
		level:    level,
		released: make(chan error, 1),
	}
	return nil
}

// Wait parks until the approval is granted (and, for L4, confirmed),
// denied, or the timeout elapses. Timeout yields an ApprovalTimeout
// error; denial yields Unauthorized. The pending record is removed on
// return, whatever the outcome.
func (r *Registry) Wait(ctx context.Context, commandID string, timeout time.Duration) error {
	r.mu.Lock()
	entry, exists := r.pending[commandID]
	r.mu.Unlock()
	if !exists {
		return ErrNotPending
	}
	defer r.remove(commandID)

	select {
	case err := <-entry.released:
		if err != nil {
			return apierror.New(apierror.KindUnauthorized, "approval denied")
		}
		return nil
	case <-r.clock.After(timeout):
		return apierror.New(apierror.KindApprovalTimeout,
			"no approval within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending lists approvals awaiting a decision.
func (r *Registry) Pending() []PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingApproval, 0, len(r.pending))
	for _, entry := range r.pending {
		info := entry.info
		info.AwaitingConfirm = entry.confirmToken != ""
		out = append(out, info)
	}
	return out
}

// Grant approves a pending record. For L3 the waiter is released
// immediately and the returned token is empty. For L4 the grant enters
// the awaiting-confirm state and the session's confirmation token is
// returned to the operator; the waiter is released only by a Confirm
// call within ConfirmTTL.
func (r *Registry) Grant(commandID string) (confirmToken string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.pending[commandID]
	if !exists {
		return "", ErrNotPending
	}

	if entry.level < L4 {
		entry.releaseLocked(nil)
		return "", nil
	}

	if r.confirmToken == nil {
		return "", errors.New("authorization: no confirmation token source configured")
	}
	token, err := r.confirmToken(entry.info.SessionID)
	if err != nil {
		return "", err
	}
	entry.confirmToken = token
	entry.grantedAt = r.clock.Now()
	return token, nil
}

// Confirm completes an L4 grant. The token must match the one returned
// by Grant and the grant must be younger than ConfirmTTL; a stale
// grant is discarded entirely and must be re-issued.
func (r *Registry) Confirm(commandID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.pending[commandID]
	if !exists {
		return ErrNotPending
	}
	if entry.confirmToken == "" {
		return apierror.New(apierror.KindUnauthorized, "command is not awaiting confirmation")
	}
	if r.clock.Now().Sub(entry.grantedAt) > ConfirmTTL {
		entry.confirmToken = ""
		return apierror.New(apierror.KindExpired, "confirmation window elapsed; approval must be re-granted")
	}
	if subtle.ConstantTimeCompare([]byte(entry.confirmToken), []byte(token)) != 1 {
		return apierror.New(apierror.KindUnauthorized, "confirmation token mismatch")
	}

	entry.releaseLocked(nil)
	return nil
}

// Deny rejects a pending approval: the waiting command is marked
// rejected rather than left to time out.
func (r *Registry) Deny(commandID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.pending[commandID]
	if !exists {
		return ErrNotPending
	}
	entry.releaseLocked(ErrDenied)
	return nil
}

func (r *Registry) remove(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, commandID)
}

// releaseLocked resolves the waiter exactly once. Callers hold the
// registry lock.
func (e *pendingApproval) releaseLocked(err error) {
	select {
	case e.released <- err:
	default:
	}
}
