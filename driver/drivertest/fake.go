// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package drivertest provides a scriptable in-memory driver for tests
// and for the agent's mock mode. It tracks cursor position and
// foreground window like a real desktop would, records every call, and
// can be scripted to fail specific operations or to lie on read-back.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Bazza1982/lily-remote/driver"
)

// Call records one driver invocation.
type Call struct {
	Op   string // "click", "type_text", "restart_process", ...
	Args map[string]any
}

// Fake implements driver.Driver in memory.
type Fake struct {
	mu sync.Mutex

	cursor     driver.Point
	foreground string
	display    driver.DisplayInfo
	frameSeq   int
	held       map[string]bool

	calls []Call

	// failures maps op name to the error its next invocation
	// returns. One-shot: consumed on use.
	failures map[string]error

	// cursorSkew, when set, offsets the reported cursor position
	// from the true one, making read-back verification fail.
	cursorSkew driver.Point
}

// New creates a fake driver with a 1920x1080 display and the cursor at
// the origin.
func New() *Fake {
	return &Fake{
		display: driver.DisplayInfo{
			Width:      1920,
			Height:     1080,
			ScaleX1000: 1000,
			Name:       "fake-display-0",
		},
		foreground: "desktop",
		failures:   make(map[string]error),
		held:       make(map[string]bool),
	}
}

// FailNext scripts the next invocation of op to return err. Op names
// match Call.Op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// SkewCursor offsets reported cursor positions by (dx, dy), so
// read-back verification sees a position that never matches the
// injected one.
func (f *Fake) SkewCursor(dx, dy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorSkew = driver.Point{X: dx, Y: dy}
}

// SetForeground sets the reported foreground window title.
func (f *Fake) SetForeground(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = title
}

// Calls returns a copy of every recorded invocation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded invocations matching op.
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, call := range f.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// begin checks context and scripted failures, then records the call.
// Callers must hold no lock.
func (f *Fake) begin(ctx context.Context, op string, args map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Args: args})
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *Fake) Click(ctx context.Context, at driver.Point, button driver.Button) error {
	if err := f.begin(ctx, "click", map[string]any{"at": at, "button": button}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = at
	return nil
}

func (f *Fake) DoubleClick(ctx context.Context, at driver.Point, button driver.Button) error {
	if err := f.begin(ctx, "double_click", map[string]any{"at": at, "button": button}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = at
	return nil
}

func (f *Fake) Move(ctx context.Context, to driver.Point) error {
	if err := f.begin(ctx, "move", map[string]any{"to": to}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = to
	return nil
}

func (f *Fake) Drag(ctx context.Context, from, to driver.Point, button driver.Button) error {
	if err := f.begin(ctx, "drag", map[string]any{"from": from, "to": to, "button": button}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = to
	return nil
}

func (f *Fake) TypeText(ctx context.Context, text string) error {
	return f.begin(ctx, "type_text", map[string]any{"text": text})
}

func (f *Fake) Hotkey(ctx context.Context, keys []string) error {
	return f.begin(ctx, "hotkey", map[string]any{"keys": keys})
}

func (f *Fake) KeyPress(ctx context.Context, key string) error {
	return f.begin(ctx, "key_press", map[string]any{"key": key})
}

func (f *Fake) KeyDown(ctx context.Context, key string) error {
	if err := f.begin(ctx, "key_down", map[string]any{"key": key}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[key] = true
	return nil
}

func (f *Fake) KeyUp(ctx context.Context, key string) error {
	if err := f.begin(ctx, "key_up", map[string]any{"key": key}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held[key] {
		return fmt.Errorf("key %q is not held", key)
	}
	delete(f.held, key)
	return nil
}

// HeldKeys returns the keys currently held by KeyDown.
func (f *Fake) HeldKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.held))
	for key := range f.held {
		keys = append(keys, key)
	}
	return keys
}

func (f *Fake) Scroll(ctx context.Context, deltaX, deltaY int) error {
	return f.begin(ctx, "scroll", map[string]any{"dx": deltaX, "dy": deltaY})
}

func (f *Fake) Info(ctx context.Context) (driver.DisplayInfo, error) {
	if err := f.begin(ctx, "screen_info", nil); err != nil {
		return driver.DisplayInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.display, nil
}

func (f *Fake) Capture(ctx context.Context) (driver.Frame, error) {
	if err := f.begin(ctx, "screen_capture", nil); err != nil {
		return driver.Frame{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameSeq++
	return driver.Frame{
		CapturedAt: time.Now(),
		Width:      f.display.Width,
		Height:     f.display.Height,
		Format:     "rgba",
		Data:       fmt.Appendf(nil, "frame-%d", f.frameSeq),
	}, nil
}

func (f *Fake) RestartProcess(ctx context.Context, name string) error {
	if err := f.begin(ctx, "restart_process", map[string]any{"name": name}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = name
	return nil
}

func (f *Fake) RestartMachine(ctx context.Context) error {
	return f.begin(ctx, "restart_machine", nil)
}

func (f *Fake) CursorPosition(ctx context.Context) (driver.Point, error) {
	if err := f.begin(ctx, "cursor_position", nil); err != nil {
		return driver.Point{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return driver.Point{X: f.cursor.X + f.cursorSkew.X, Y: f.cursor.Y + f.cursorSkew.Y}, nil
}

func (f *Fake) ForegroundWindow(ctx context.Context) (string, error) {
	if err := f.begin(ctx, "foreground_window", nil); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground, nil
}

var _ driver.Driver = (*Fake)(nil)
