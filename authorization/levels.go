// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorization classifies every command type by risk level
// and decides what gate it must pass. The level table is static: a
// command type's tier is a property of the protocol, not of any
// session or deployment.
//
// Levels:
//
//	L0  health and status queries
//	L1  read-only observation (screen info, capture)
//	L2  input injection (pointer, keyboard)
//	L3  process restart — fresh human approval per invocation
//	L4  machine restart — human approval plus timed double-confirm
//
// The package also hosts the approval registry: the pending-state
// records behind L3/L4 gates. Approval is asynchronous by design — the
// worker executing a command parks on the registry with a bounded
// timeout while a human decides on the admin socket.
package authorization

import "fmt"

// Level is a command risk tier.
type Level uint8

const (
	L0 Level = iota // health, status
	L1              // read-only observation
	L2              // input injection
	L3              // process restart
	L4              // machine restart
)

func (l Level) String() string {
	return fmt.Sprintf("L%d", uint8(l))
}

// commandLevels is the static table mapping command types to tiers.
var commandLevels = map[string]Level{
	"health": L0,
	"status": L0,

	"screen_info":    L1,
	"screen_capture": L1,

	"click":        L2,
	"double_click": L2,
	"move":         L2,
	"drag":         L2,
	"type":         L2,
	"hotkey":       L2,
	"key_press":    L2,
	"key_down":     L2,
	"key_up":       L2,
	"scroll":       L2,

	"restart_process": L3,

	"restart_machine": L4,
}

// CommandLevel returns the risk level of a command type. Unknown types
// report ok=false and must be denied.
func CommandLevel(commandType string) (Level, bool) {
	level, ok := commandLevels[commandType]
	return level, ok
}
