// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/driver/drivertest"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/lib/ratelimit"
	"github.com/Bazza1982/lily-remote/lib/sealed"
	"github.com/Bazza1982/lily-remote/lib/testutil"
	"github.com/Bazza1982/lily-remote/pairing"
	"github.com/Bazza1982/lily-remote/session"
)

const waitTimeout = 5 * time.Second

type harness struct {
	queue    *Queue
	driver   *drivertest.Fake
	registry *authorization.Registry
	manager  *session.Manager
	clock    *clock.FakeClock
	sess     *session.Session
	done     chan Command
}

type harnessOptions struct {
	maxLevel       authorization.Level
	autoAllowInput bool
	limiter        *ratelimit.Limiter
}

// newHarness pairs one client, starts a session for it, and builds a
// queue wired to the session manager's revocation hook the way the
// agent wires it.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	auditLog, err := audit.Open(audit.Config{Path: filepath.Join(dir, "audit.db"), Clock: fake})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	store, err := pairing.OpenStore(pairing.StoreConfig{Path: filepath.Join(dir, "trust.db")})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := pairing.NewEngine(pairing.Config{
		Store:            store,
		Audit:            auditLog,
		Clock:            fake,
		RequireApproval:  false,
		AutoApproveLevel: opts.maxLevel,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	controllerPublic, controllerPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	agePublic, agePrivate, err := sealed.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	t.Cleanup(func() { agePrivate.Close() })

	request, err := engine.RequestPairing(ctx, controllerPublic, agePublic, "test-controller")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	signature := ed25519.Sign(controllerPrivate, request.Challenge)
	clientID, sealedBundle, err := engine.Confirm(ctx, request.RequestID, signature)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	plaintext, err := sealed.Decrypt(sealedBundle, agePrivate)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer plaintext.Close()
	var bundle pairing.Bundle
	if err := codec.Unmarshal(plaintext.Bytes(), &bundle); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}

	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var q *Queue
	manager, err := session.NewManager(session.Config{
		Pairing:    engine,
		Audit:      auditLog,
		SigningKey: signPrivate,
		VerifyKey:  signPublic,
		Clock:      fake,
		OnRevoked: func(sessionID string) {
			if q != nil {
				q.CancelSession(sessionID)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	registry := authorization.NewRegistry(fake, func(sessionID string) (string, error) {
		return manager.ConfirmToken(sessionID)
	})

	fakeDriver := drivertest.New()
	done := make(chan Command, 32)
	q, err = New(Config{
		Driver:         fakeDriver,
		Registry:       registry,
		Audit:          auditLog,
		Limiter:        opts.limiter,
		Clock:          fake,
		AutoAllowInput: opts.autoAllowInput,
		OnDone: func(sessionID string, cmd Command) {
			done <- cmd
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, _, err := manager.Start(ctx, clientID, bundle.Credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	return &harness{
		queue:    q,
		driver:   fakeDriver,
		registry: registry,
		manager:  manager,
		clock:    fake,
		sess:     sess,
		done:     done,
	}
}

func (h *harness) submit(t *testing.T, requests ...Request) []Command {
	t.Helper()
	commands, err := h.queue.Submit(context.Background(), h.sess, requests)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return commands
}

// waitPending polls until the registry has a pending approval for the
// command.
func (h *harness) waitPending(t *testing.T, commandID string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, p := range h.registry.Pending() {
			if p.CommandID == commandID {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("command %s never reached the approval registry", commandID)
}

func requireDone(t *testing.T, h *harness, commandID string) Command {
	t.Helper()
	cmd := testutil.RequireReceive(t, h.done, waitTimeout, "command %s completion", commandID)
	if cmd.CommandID != commandID {
		t.Fatalf("completed command = %s, want %s", cmd.CommandID, commandID)
	}
	return cmd
}

func TestClickAndTypeSucceed(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t,
		Request{Type: "click", Parameters: map[string]any{"x": 100, "y": 200}},
		Request{Type: "type", Parameters: map[string]any{"text": "systemctl restart lily"}},
	)

	click := requireDone(t, h, submitted[0].CommandID)
	if click.Status != StatusSucceeded {
		t.Fatalf("click status = %s (%s: %s)", click.Status, click.ErrorKind, click.ErrorMessage)
	}
	after, ok := click.Result["cursor_after"].(map[string]any)
	if !ok {
		t.Fatalf("click result missing cursor_after: %v", click.Result)
	}
	if after["x"] != 100 || after["y"] != 200 {
		t.Errorf("cursor_after = %v, want (100,200)", after)
	}

	typed := requireDone(t, h, submitted[1].CommandID)
	if typed.Status != StatusSucceeded {
		t.Fatalf("type status = %s (%s: %s)", typed.Status, typed.ErrorKind, typed.ErrorMessage)
	}
	if _, ok := typed.Result["foreground_after"]; !ok {
		t.Errorf("type result missing foreground_after: %v", typed.Result)
	}

	calls := h.driver.Calls()
	if len(calls) < 2 || calls[0].Op != "click" {
		t.Fatalf("driver calls = %v", calls)
	}
}

func TestPerSessionOrdering(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t,
		Request{Type: "move", Parameters: map[string]any{"x": 10, "y": 10}},
		Request{Type: "move", Parameters: map[string]any{"x": 20, "y": 20}},
		Request{Type: "move", Parameters: map[string]any{"x": 30, "y": 30}},
	)

	for i, want := range submitted {
		got := requireDone(t, h, want.CommandID)
		if got.SequenceNumber != uint64(i+1) {
			t.Errorf("command %d sequence = %d, want %d", i, got.SequenceNumber, i+1)
		}
		if got.Status != StatusSucceeded {
			t.Errorf("command %d status = %s", i, got.Status)
		}
	}

	moves := h.driver.CallsFor("move")
	if len(moves) != 3 {
		t.Fatalf("move calls = %d, want 3", len(moves))
	}
	for i, call := range moves {
		to := call.Args["to"].(driver.Point)
		if want := (i + 1) * 10; to.X != want {
			t.Errorf("move %d to x=%d, want %d", i, to.X, want)
		}
	}
}

func TestScrollVerifiesCursorHeld(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t,
		Request{Type: "move", Parameters: map[string]any{"x": 400, "y": 300}},
		Request{Type: "scroll", Parameters: map[string]any{"delta_x": 0, "delta_y": -120}},
	)

	requireDone(t, h, submitted[0].CommandID)
	scrolled := requireDone(t, h, submitted[1].CommandID)
	if scrolled.Status != StatusSucceeded {
		t.Fatalf("scroll status = %s (%s: %s)", scrolled.Status, scrolled.ErrorKind, scrolled.ErrorMessage)
	}
	// Scroll must not move the pointer; its read-back reports where
	// the cursor stayed.
	after, ok := scrolled.Result["cursor_after"].(map[string]any)
	if !ok {
		t.Fatalf("scroll result missing cursor_after: %v", scrolled.Result)
	}
	if after["x"] != 400 || after["y"] != 300 {
		t.Errorf("cursor_after = %v, want (400,300)", after)
	}
}

func TestDoubleClickAndKeyHold(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t, Request{Type: "double_click", Parameters: map[string]any{"x": 64, "y": 48}})
	dbl := requireDone(t, h, submitted[0].CommandID)
	if dbl.Status != StatusSucceeded {
		t.Fatalf("double_click status = %s (%s: %s)", dbl.Status, dbl.ErrorKind, dbl.ErrorMessage)
	}
	after, ok := dbl.Result["cursor_after"].(map[string]any)
	if !ok {
		t.Fatalf("double_click result missing cursor_after: %v", dbl.Result)
	}
	if after["x"] != 64 || after["y"] != 48 {
		t.Errorf("cursor_after = %v, want (64,48)", after)
	}

	submitted = h.submit(t, Request{Type: "key_down", Parameters: map[string]any{"key": "shift"}})
	down := requireDone(t, h, submitted[0].CommandID)
	if down.Status != StatusSucceeded {
		t.Fatalf("key_down status = %s (%s: %s)", down.Status, down.ErrorKind, down.ErrorMessage)
	}
	if held := h.driver.HeldKeys(); len(held) != 1 || held[0] != "shift" {
		t.Fatalf("held keys after key_down = %v, want [shift]", held)
	}

	submitted = h.submit(t, Request{Type: "key_up", Parameters: map[string]any{"key": "shift"}})
	up := requireDone(t, h, submitted[0].CommandID)
	if up.Status != StatusSucceeded {
		t.Fatalf("key_up status = %s (%s: %s)", up.Status, up.ErrorKind, up.ErrorMessage)
	}
	if held := h.driver.HeldKeys(); len(held) != 0 {
		t.Errorf("held keys after key_up = %v, want none", held)
	}
}

func TestDenyBelowRequiredLevel(t *testing.T) {
	// Session starts at L1; no auto-allow, no elevation — input
	// commands are refused without touching the driver.
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2})

	submitted := h.submit(t, Request{Type: "click", Parameters: map[string]any{"x": 1, "y": 2}})
	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", cmd.Status)
	}
	if cmd.ErrorKind != apierror.KindUnauthorized {
		t.Errorf("error kind = %s, want unauthorized", cmd.ErrorKind)
	}
	if calls := h.driver.Calls(); len(calls) != 0 {
		t.Errorf("driver was called for a rejected command: %v", calls)
	}
}

func TestElevationUnlocksInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2})

	code, err := h.manager.AuthCode(h.sess.SessionID)
	if err != nil {
		t.Fatalf("AuthCode: %v", err)
	}
	if err := h.manager.Elevate(ctx, h.sess.SessionID, code); err != nil {
		t.Fatalf("Elevate: %v", err)
	}

	submitted := h.submit(t, Request{Type: "move", Parameters: map[string]any{"x": 5, "y": 5}})
	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", cmd.Status, cmd.ErrorKind, cmd.ErrorMessage)
	}
}

func TestCeilingBindsAboveAutoAllow(t *testing.T) {
	// Client ceiling is L1: auto-allow cannot lift input commands
	// past the ceiling.
	h := newHarness(t, harnessOptions{maxLevel: authorization.L1, autoAllowInput: true})

	submitted := h.submit(t, Request{Type: "click", Parameters: map[string]any{"x": 1, "y": 1}})
	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", cmd.Status)
	}
}

func TestRestartProcessRequiresApproval(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L3})

	submitted := h.submit(t, Request{Type: "restart_process", Parameters: map[string]any{"name": "lilyd"}})
	commandID := submitted[0].CommandID
	h.waitPending(t, commandID)

	if calls := h.driver.CallsFor("restart_process"); len(calls) != 0 {
		t.Fatal("driver called before approval")
	}

	if _, err := h.registry.Grant(commandID); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	cmd := requireDone(t, h, commandID)
	if cmd.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", cmd.Status, cmd.ErrorKind, cmd.ErrorMessage)
	}
	if cmd.Result["foreground_after"] != "lilyd" {
		t.Errorf("foreground_after = %v", cmd.Result["foreground_after"])
	}
}

func TestApprovalTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L3})

	submitted := h.submit(t, Request{Type: "restart_process", Parameters: map[string]any{"name": "lilyd"}})
	commandID := submitted[0].CommandID
	h.waitPending(t, commandID)

	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultApprovalTimeout)

	cmd := requireDone(t, h, commandID)
	if cmd.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if cmd.ErrorKind != apierror.KindApprovalTimeout {
		t.Errorf("error kind = %s, want approval_timeout", cmd.ErrorKind)
	}
	if calls := h.driver.CallsFor("restart_process"); len(calls) != 0 {
		t.Error("driver called despite approval timeout")
	}
}

func TestApprovalDenied(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L3})

	submitted := h.submit(t, Request{Type: "restart_process", Parameters: map[string]any{"name": "lilyd"}})
	commandID := submitted[0].CommandID
	h.waitPending(t, commandID)

	if err := h.registry.Deny(commandID); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	cmd := requireDone(t, h, commandID)
	if cmd.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", cmd.Status)
	}
	if cmd.ErrorKind != apierror.KindUnauthorized {
		t.Errorf("error kind = %s", cmd.ErrorKind)
	}
}

func TestRestartMachineDoubleConfirm(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L4})

	submitted := h.submit(t, Request{Type: "restart_machine"})
	commandID := submitted[0].CommandID
	h.waitPending(t, commandID)

	confirmToken, err := h.registry.Grant(commandID)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if confirmToken == "" {
		t.Fatal("Grant returned no confirm token for a machine restart")
	}

	// Granting alone must not reach the driver.
	time.Sleep(10 * time.Millisecond)
	if calls := h.driver.CallsFor("restart_machine"); len(calls) != 0 {
		t.Fatal("driver called before second confirmation")
	}

	if err := h.registry.Confirm(commandID, confirmToken); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	cmd := requireDone(t, h, commandID)
	if cmd.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", cmd.Status, cmd.ErrorKind, cmd.ErrorMessage)
	}
	if len(h.driver.CallsFor("restart_machine")) != 1 {
		t.Error("restart_machine not called exactly once")
	}
}

func TestRetryAfterDriverFault(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})
	h.driver.FailNext("move", errors.New("injection failed"))

	submitted := h.submit(t, Request{Type: "move", Parameters: map[string]any{"x": 7, "y": 7}})

	// First attempt fails, the worker backs off on the clock, the
	// second attempt succeeds.
	h.clock.WaitForTimers(1)
	h.clock.Advance(retryBackoff)

	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", cmd.Status, cmd.ErrorKind, cmd.ErrorMessage)
	}
	if calls := h.driver.CallsFor("move"); len(calls) != 2 {
		t.Errorf("move attempts = %d, want 2", len(calls))
	}
}

func TestVerificationMismatchFailsAfterRetries(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})
	h.driver.SkewCursor(10, 0)

	submitted := h.submit(t, Request{Type: "click", Parameters: map[string]any{"x": 50, "y": 50}})

	h.clock.WaitForTimers(1)
	h.clock.Advance(retryBackoff)
	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * retryBackoff)

	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if cmd.ErrorKind != apierror.KindVerificationMismatch {
		t.Errorf("error kind = %s, want verification_mismatch", cmd.ErrorKind)
	}
	if calls := h.driver.CallsFor("click"); len(calls) != maxAttempts {
		t.Errorf("click attempts = %d, want %d", len(calls), maxAttempts)
	}
}

func TestInvalidParametersRejectWithoutRetry(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t, Request{Type: "click", Parameters: map[string]any{"x": 3}})
	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if cmd.ErrorKind != apierror.KindInvalidArgument {
		t.Errorf("error kind = %s, want invalid_argument", cmd.ErrorKind)
	}
	if calls := h.driver.Calls(); len(calls) != 0 {
		t.Errorf("driver called with invalid parameters: %v", calls)
	}
}

func TestRateLimitAtomicBatch(t *testing.T) {
	fakeLimiterClock := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(3, time.Second, fakeLimiterClock)
	h := newHarness(t, harnessOptions{
		maxLevel:       authorization.L2,
		autoAllowInput: true,
		limiter:        limiter,
	})

	// A batch larger than the remaining window is refused whole.
	_, err := h.queue.Submit(context.Background(), h.sess, []Request{
		{Type: "health"}, {Type: "health"}, {Type: "health"}, {Type: "health"},
	})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierror.KindRateLimited {
		t.Fatalf("oversized batch error = %v, want rate_limited", err)
	}

	// Nothing from the refused batch was admitted.
	submitted := h.submit(t,
		Request{Type: "health"}, Request{Type: "health"}, Request{Type: "health"})
	for _, cmd := range submitted {
		requireDone(t, h, cmd.CommandID)
	}

	_, err = h.queue.Submit(context.Background(), h.sess, []Request{{Type: "health"}})
	if !errors.As(err, &apiErr) || apiErr.Kind != apierror.KindRateLimited {
		t.Fatalf("over-limit submit error = %v, want rate_limited", err)
	}
	if apiErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", apiErr.RetryAfter)
	}
}

func TestKillSwitchFailsQueuedAndRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxLevel: authorization.L3})

	// The first command parks awaiting approval; the second waits in
	// the queue behind it.
	submitted := h.submit(t,
		Request{Type: "restart_process", Parameters: map[string]any{"name": "lilyd"}},
		Request{Type: "health"},
	)
	h.waitPending(t, submitted[0].CommandID)

	if _, err := h.manager.KillSwitch(ctx, session.Scope{Kind: "session", ID: h.sess.SessionID}); err != nil {
		t.Fatalf("KillSwitch: %v", err)
	}

	got := map[string]Command{}
	for i := 0; i < 2; i++ {
		cmd := testutil.RequireReceive(t, h.done, waitTimeout, "killed command completion")
		got[cmd.CommandID] = cmd
	}
	for _, submittedCmd := range submitted {
		cmd, ok := got[submittedCmd.CommandID]
		if !ok {
			t.Fatalf("command %s never completed", submittedCmd.CommandID)
		}
		if cmd.Status != StatusFailed {
			t.Errorf("command %s status = %s, want failed", cmd.CommandID, cmd.Status)
		}
		if cmd.ErrorKind != apierror.KindKilled {
			t.Errorf("command %s error kind = %s, want killed", cmd.CommandID, cmd.ErrorKind)
		}
	}
	if calls := h.driver.Calls(); len(calls) != 0 {
		t.Errorf("driver called after kill: %v", calls)
	}

	// Submissions to the killed session are refused.
	_, err := h.queue.Submit(ctx, h.sess, []Request{{Type: "health"}})
	if apierror.KindOf(err) != apierror.KindUnauthorized && apierror.KindOf(err) != apierror.KindKilled {
		t.Fatalf("Submit after kill = %v", err)
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t, Request{Type: "health"})
	requireDone(t, h, submitted[0].CommandID)

	h.queue.CancelSession(h.sess.SessionID)

	cmd, ok := h.queue.Get(submitted[0].CommandID)
	if !ok {
		t.Fatal("command disappeared")
	}
	if cmd.Status != StatusSucceeded {
		t.Fatalf("status changed to %s after CancelSession", cmd.Status)
	}
	select {
	case extra := <-h.done:
		t.Fatalf("second completion for %s (%s)", extra.CommandID, extra.Status)
	default:
	}
}

func TestQueryReturnsSequenceOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t,
		Request{Type: "health"}, Request{Type: "status"}, Request{Type: "screen_info"})
	for _, cmd := range submitted {
		requireDone(t, h, cmd.CommandID)
	}

	listed := h.queue.Query(h.sess.SessionID)
	if len(listed) != 3 {
		t.Fatalf("Query returned %d commands, want 3", len(listed))
	}
	for i, cmd := range listed {
		if cmd.SequenceNumber != uint64(i+1) {
			t.Errorf("listed[%d].SequenceNumber = %d", i, cmd.SequenceNumber)
		}
	}
	if listed[2].Result["width"] != 1920 {
		t.Errorf("screen_info result = %v", listed[2].Result)
	}
}

func TestSweepPrunesOldTerminalCommands(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	submitted := h.submit(t, Request{Type: "health"})
	requireDone(t, h, submitted[0].CommandID)

	h.clock.Advance(DefaultRetention + time.Second)
	if pruned := h.queue.Sweep(); pruned != 1 {
		t.Fatalf("Sweep pruned %d, want 1", pruned)
	}
	if _, ok := h.queue.Get(submitted[0].CommandID); ok {
		t.Fatal("command survived the sweep")
	}
	if remaining := h.queue.Query(h.sess.SessionID); len(remaining) != 0 {
		t.Fatalf("Query after sweep = %v", remaining)
	}
}

func TestScreenCaptureFiresFrameHook(t *testing.T) {
	h := newHarness(t, harnessOptions{maxLevel: authorization.L2, autoAllowInput: true})

	frames := make(chan driver.Frame, 1)
	h.queue.onFrame = func(sessionID string, frame driver.Frame) {
		frames <- frame
	}

	submitted := h.submit(t, Request{Type: "screen_capture"})
	cmd := requireDone(t, h, submitted[0].CommandID)
	if cmd.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", cmd.Status, cmd.ErrorKind, cmd.ErrorMessage)
	}

	frame := testutil.RequireReceive(t, frames, waitTimeout, "captured frame")
	if frame.Width != 1920 || frame.Height != 1080 {
		t.Errorf("frame = %dx%d", frame.Width, frame.Height)
	}
}
