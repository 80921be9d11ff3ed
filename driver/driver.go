// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver defines the platform capability interfaces the
// command executor dispatches to: input injection, screen access, and
// process control, plus the read-back query surface used for
// post-action verification.
//
// Platform variants (X11, Wayland, Windows) are selected at startup
// and handed to the executor as plain interface values. The executor
// depends only on these interfaces; drivertest provides a scriptable
// in-memory implementation for tests and the mock agent mode.
package driver

import (
	"context"
	"time"
)

// Button identifies a pointer button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// Point is a screen coordinate in pixels, origin top-left.
type Point struct {
	X int `cbor:"x"`
	Y int `cbor:"y"`
}

// DisplayInfo describes the agent's display surface.
type DisplayInfo struct {
	Width      int    `cbor:"width"`
	Height     int    `cbor:"height"`
	ScaleX1000 int    `cbor:"scale_x1000"` // scale factor * 1000 (1500 = 150%)
	Name       string `cbor:"name"`
}

// Frame is one captured screen image. Data holds the raw encoded
// image; the broadcaster compresses it before it rides the wire.
type Frame struct {
	CapturedAt time.Time
	Width      int
	Height     int
	Format     string // "png", "rgba"
	Data       []byte
}

// Input injects pointer and keyboard events. Every call is bounded by
// its context; implementations must abandon the injection when the
// context is done.
type Input interface {
	// Click presses and releases a button at the given coordinate,
	// moving the cursor there first.
	Click(ctx context.Context, at Point, button Button) error

	// DoubleClick presses and releases a button twice at the given
	// coordinate, moving the cursor there first.
	DoubleClick(ctx context.Context, at Point, button Button) error

	// Move positions the cursor without pressing anything.
	Move(ctx context.Context, to Point) error

	// Drag presses at from, moves to to, and releases.
	Drag(ctx context.Context, from, to Point, button Button) error

	// TypeText injects a string as keystrokes.
	TypeText(ctx context.Context, text string) error

	// Hotkey injects a chord ("ctrl", "alt", "del").
	Hotkey(ctx context.Context, keys []string) error

	// KeyPress injects a single named key ("enter", "escape", "f5").
	KeyPress(ctx context.Context, key string) error

	// KeyDown presses and holds a named key until KeyUp releases it.
	KeyDown(ctx context.Context, key string) error

	// KeyUp releases a key held by KeyDown.
	KeyUp(ctx context.Context, key string) error

	// Scroll scrolls at the current cursor position. Positive deltas
	// scroll down/right.
	Scroll(ctx context.Context, deltaX, deltaY int) error
}

// Screen reads the display.
type Screen interface {
	Info(ctx context.Context) (DisplayInfo, error)
	Capture(ctx context.Context) (Frame, error)
}

// Process restarts supervised processes or the whole machine.
type Process interface {
	// RestartProcess restarts the named supervised process.
	RestartProcess(ctx context.Context, name string) error

	// RestartMachine reboots the machine. When it succeeds the agent
	// itself goes down with the host; callers must audit first.
	RestartMachine(ctx context.Context) error
}

// Readback answers the post-action verification queries. A separate
// interface because verification must observe actual system state, not
// the injector's bookkeeping.
type Readback interface {
	// CursorPosition reports where the cursor actually is.
	CursorPosition(ctx context.Context) (Point, error)

	// ForegroundWindow reports the title of the focused window.
	ForegroundWindow(ctx context.Context) (string, error)
}

// Driver is the full capability set the executor is wired with.
type Driver interface {
	Input
	Screen
	Process
	Readback
}
