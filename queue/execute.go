// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/session"
)

const (
	// maxAttempts is the initial driver call plus retries for input
	// and screen commands. Restarts are never retried: a restart that
	// may or may not have landed must surface as a failure, not be
	// fired again.
	maxAttempts  = 3
	retryBackoff = 100 * time.Millisecond

	// cursorTolerance is the read-back slack for pointer commands, in
	// pixels per axis. Display scaling can round the injected
	// coordinate by a pixel.
	cursorTolerance = 2
)

// execute runs one command to its terminal state: authorize, wait for
// approval if the tier demands one, audit, acquire the driver lane,
// then dispatch with bounded retries.
func (q *Queue) execute(sess *session.Session, cmd *command) {
	if cmd.currentStatus() != StatusQueued {
		return
	}

	decision := authorization.Authorize(authorization.Input{
		CommandType:    cmd.commandType,
		SessionActive:  sess.Active(),
		SessionLevel:   sess.CurrentLevel(),
		ClientMaxLevel: sess.MaxLevel(),
		AutoAllowInput: q.autoAllowInput,
	})

	switch decision.Verdict {
	case authorization.Deny:
		q.finishWith(cmd, StatusRejected, nil, apierror.New(apierror.KindUnauthorized,
			"command %q not authorized at session level %s",
			cmd.commandType, sess.CurrentLevel()), "command.rejected")
		return

	case authorization.RequireApproval:
		if err := q.awaitApproval(sess, cmd, decision.Level); err != nil {
			status, action := StatusFailed, "command.failed"
			if apierror.HasKind(err, apierror.KindUnauthorized) {
				// A human said no: the command was refused, not
				// attempted and lost.
				status, action = StatusRejected, "command.rejected"
			}
			q.finishWith(cmd, status, nil, err, action)
			return
		}
	}

	if !cmd.setRunning() {
		return
	}

	// No audit entry, no side effect. An unavailable audit log fails
	// the command before the driver is touched.
	if _, err := q.audit.Append(context.Background(), sess.ClientID, "command.executing", cmd.commandID); err != nil {
		q.finishWith(cmd, StatusFailed, nil, apierror.New(apierror.KindDriverFault,
			"audit log unavailable"), "command.failed")
		return
	}

	select {
	case q.lane <- struct{}{}:
	case <-sess.Context().Done():
		q.finishWith(cmd, StatusFailed, nil, killedError(), "command.failed")
		return
	}
	defer func() { <-q.lane }()

	result, err := q.runWithRetries(sess, cmd)
	if err != nil {
		q.finishWith(cmd, StatusFailed, nil, err, "command.failed")
		return
	}
	q.finishWith(cmd, StatusSucceeded, result, nil, "command.succeeded")
}

// awaitApproval registers the command with the approval registry and
// parks until an operator decides or the window closes.
func (q *Queue) awaitApproval(sess *session.Session, cmd *command, level authorization.Level) error {
	if err := q.registry.Begin(cmd.commandID, sess.SessionID, cmd.commandType, level); err != nil {
		return fmt.Errorf("queue: register approval: %w", err)
	}
	if _, err := q.audit.Append(context.Background(), sess.ClientID, "command.approval_requested", cmd.commandID); err != nil {
		q.registry.Deny(cmd.commandID)
		return apierror.New(apierror.KindDriverFault, "audit log unavailable")
	}

	q.logger.Info("command awaiting approval",
		"command_id", cmd.commandID,
		"session_id", sess.SessionID,
		"type", cmd.commandType,
		"level", level)

	err := q.registry.Wait(sess.Context(), cmd.commandID, q.approvalTimeout)
	if errors.Is(err, context.Canceled) {
		return killedError()
	}
	return err
}

// runWithRetries dispatches the driver call, retrying driver faults
// and verification mismatches with backoff. Session revocation is
// observed between attempts and during each call.
func (q *Queue) runWithRetries(sess *session.Session, cmd *command) (map[string]any, error) {
	attempts := maxAttempts
	if cmd.commandType == "restart_process" || cmd.commandType == "restart_machine" {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff << (attempt - 1)
			select {
			case <-q.clock.After(backoff):
			case <-sess.Context().Done():
				return nil, killedError()
			}
		}

		result, err := q.dispatch(sess, cmd)
		if err == nil {
			return result, nil
		}
		if sess.Context().Err() != nil {
			return nil, killedError()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		q.logger.Warn("command attempt failed",
			"command_id", cmd.commandID,
			"type", cmd.commandType,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, lastErr
}

func retryable(err error) bool {
	switch apierror.KindOf(err) {
	case apierror.KindDriverFault, apierror.KindVerificationMismatch:
		return true
	}
	return false
}

func killedError() error {
	return apierror.New(apierror.KindKilled, "session was revoked")
}

// dispatch performs one driver attempt for the command under its
// timeout and verifies the outcome by read-back.
func (q *Queue) dispatch(sess *session.Session, cmd *command) (map[string]any, error) {
	timeout := q.inputTimeout
	switch cmd.commandType {
	case "restart_process", "restart_machine":
		timeout = q.processTimeout
	}
	ctx, cancel := context.WithTimeout(sess.Context(), timeout)
	defer cancel()

	params := cmd.parameters
	switch cmd.commandType {
	case "health":
		return map[string]any{"healthy": true}, nil

	case "status":
		return map[string]any{
			"session_id": sess.SessionID,
			"level":      sess.CurrentLevel().String(),
			"max_level":  sess.MaxLevel().String(),
			"expires_at": sess.ExpiresAt.Unix(),
		}, nil

	case "screen_info":
		info, err := q.driver.Info(ctx)
		if err != nil {
			return nil, driverError("screen_info", err)
		}
		return map[string]any{
			"width":       info.Width,
			"height":      info.Height,
			"scale_x1000": info.ScaleX1000,
			"name":        info.Name,
		}, nil

	case "screen_capture":
		frame, err := q.driver.Capture(ctx)
		if err != nil {
			return nil, driverError("screen_capture", err)
		}
		if q.onFrame != nil {
			q.onFrame(sess.SessionID, frame)
		}
		return map[string]any{
			"width":          frame.Width,
			"height":         frame.Height,
			"format":         frame.Format,
			"captured_at_ms": frame.CapturedAt.UnixMilli(),
			"size":           len(frame.Data),
		}, nil

	case "click":
		at, err := pointParam(params, "x", "y")
		if err != nil {
			return nil, err
		}
		button, err := buttonParam(params)
		if err != nil {
			return nil, err
		}
		if err := q.driver.Click(ctx, at, button); err != nil {
			return nil, driverError("click", err)
		}
		return q.verifyCursor(ctx, at)

	case "double_click":
		at, err := pointParam(params, "x", "y")
		if err != nil {
			return nil, err
		}
		button, err := buttonParam(params)
		if err != nil {
			return nil, err
		}
		if err := q.driver.DoubleClick(ctx, at, button); err != nil {
			return nil, driverError("double_click", err)
		}
		return q.verifyCursor(ctx, at)

	case "move":
		to, err := pointParam(params, "x", "y")
		if err != nil {
			return nil, err
		}
		if err := q.driver.Move(ctx, to); err != nil {
			return nil, driverError("move", err)
		}
		return q.verifyCursor(ctx, to)

	case "drag":
		from, err := pointParam(params, "from_x", "from_y")
		if err != nil {
			return nil, err
		}
		to, err := pointParam(params, "to_x", "to_y")
		if err != nil {
			return nil, err
		}
		button, err := buttonParam(params)
		if err != nil {
			return nil, err
		}
		if err := q.driver.Drag(ctx, from, to, button); err != nil {
			return nil, driverError("drag", err)
		}
		return q.verifyCursor(ctx, to)

	case "type":
		text, err := stringParam(params, "text")
		if err != nil {
			return nil, err
		}
		if err := q.driver.TypeText(ctx, text); err != nil {
			return nil, driverError("type", err)
		}
		return q.foregroundAfter(ctx, sess.SessionID)

	case "hotkey":
		keys, err := stringListParam(params, "keys")
		if err != nil {
			return nil, err
		}
		if err := q.driver.Hotkey(ctx, keys); err != nil {
			return nil, driverError("hotkey", err)
		}
		return q.foregroundAfter(ctx, sess.SessionID)

	case "key_press":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		if err := q.driver.KeyPress(ctx, key); err != nil {
			return nil, driverError("key_press", err)
		}
		return q.foregroundAfter(ctx, sess.SessionID)

	case "key_down":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		if err := q.driver.KeyDown(ctx, key); err != nil {
			return nil, driverError("key_down", err)
		}
		return q.foregroundAfter(ctx, sess.SessionID)

	case "key_up":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		if err := q.driver.KeyUp(ctx, key); err != nil {
			return nil, driverError("key_up", err)
		}
		return q.foregroundAfter(ctx, sess.SessionID)

	case "scroll":
		deltaX, err := intParam(params, "delta_x")
		if err != nil {
			return nil, err
		}
		deltaY, err := intParam(params, "delta_y")
		if err != nil {
			return nil, err
		}
		// Scroll acts on the window under the pointer and must not
		// move it, so the cursor position is the state to verify.
		before, err := q.driver.CursorPosition(ctx)
		if err != nil {
			return nil, driverError("cursor read-back", err)
		}
		if err := q.driver.Scroll(ctx, deltaX, deltaY); err != nil {
			return nil, driverError("scroll", err)
		}
		return q.verifyCursor(ctx, before)

	case "restart_process":
		name, err := stringParam(params, "name")
		if err != nil {
			return nil, err
		}
		if err := q.driver.RestartProcess(ctx, name); err != nil {
			return nil, driverError("restart_process", err)
		}
		result, err := q.foregroundAfter(ctx, sess.SessionID)
		if err != nil {
			return nil, err
		}
		if title, _ := result["foreground_after"].(string); title != name {
			return nil, apierror.New(apierror.KindVerificationMismatch,
				"restarted process %q but foreground window is %q", name, title)
		}
		return result, nil

	case "restart_machine":
		if err := q.driver.RestartMachine(ctx); err != nil {
			return nil, driverError("restart_machine", err)
		}
		return map[string]any{"restarting": true}, nil

	default:
		// Authorize already denies unknown types; this is unreachable
		// through the worker.
		return nil, apierror.New(apierror.KindInvalidArgument,
			"unknown command type %q", cmd.commandType)
	}
}

// verifyCursor reads the actual cursor position back and checks it
// landed within tolerance of the target.
func (q *Queue) verifyCursor(ctx context.Context, want driver.Point) (map[string]any, error) {
	got, err := q.driver.CursorPosition(ctx)
	if err != nil {
		return nil, driverError("cursor read-back", err)
	}
	if abs(got.X-want.X) > cursorTolerance || abs(got.Y-want.Y) > cursorTolerance {
		return nil, apierror.New(apierror.KindVerificationMismatch,
			"cursor at (%d,%d), wanted (%d,%d)", got.X, got.Y, want.X, want.Y)
	}
	return map[string]any{
		"cursor_after": map[string]any{"x": got.X, "y": got.Y},
	}, nil
}

// foregroundAfter records which window had focus after a keyboard or
// process command.
func (q *Queue) foregroundAfter(ctx context.Context, sessionID string) (map[string]any, error) {
	title, err := q.driver.ForegroundWindow(ctx)
	if err != nil {
		return nil, driverError("foreground read-back", err)
	}
	if q.onForeground != nil {
		q.onForeground(sessionID, title)
	}
	return map[string]any{"foreground_after": title}, nil
}

func driverError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.New(apierror.KindDriverFault, "%s timed out", op)
	}
	return apierror.New(apierror.KindDriverFault, "%s: %v", op, err)
}

// finishWith records the terminal state, audits it, and fires the
// completion callback. First terminal state wins.
func (q *Queue) finishWith(cmd *command, status Status, result map[string]any, err error, action string) {
	var kind apierror.Kind
	var message string
	if err != nil {
		kind = apierror.KindOf(err)
		if kind == "" {
			kind = apierror.KindDriverFault
		}
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			message = apiErr.Message
		} else {
			message = err.Error()
		}
	}
	if cmd.finish(status, result, kind, message, q.clock.Now()) {
		q.recordDone(cmd, action)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
