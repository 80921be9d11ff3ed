// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package authorization

// Verdict is the outcome of an authorization check.
type Verdict uint8

const (
	// Deny rejects the command outright. A denied command is marked
	// rejected and never attempted.
	Deny Verdict = iota

	// Allow clears the command for execution with no further gate.
	Allow

	// RequireApproval suspends the command pending a human decision
	// on the admin socket.
	RequireApproval
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RequireApproval:
		return "require_approval"
	default:
		return "deny"
	}
}

// Decision is a verdict together with the level that produced it.
type Decision struct {
	Verdict Verdict
	Level   Level
}

// Input is the session state an authorization check runs against. The
// executor re-evaluates this at execution time, not just at admission:
// a revocation or downgrade between queuing and running must flip the
// decision.
type Input struct {
	// CommandType names the operation ("click", "restart_process").
	CommandType string

	// SessionActive is false once the session has expired, ended, or
	// been revoked.
	SessionActive bool

	// SessionLevel is the session's current level: L1 at start,
	// L2 after a successful auth-code elevation.
	SessionLevel Level

	// ClientMaxLevel is the ceiling baked into the pairing record.
	ClientMaxLevel Level

	// AutoAllowInput reflects the agent's require_approval setting:
	// when approval is not required (trusted-network mode), input
	// injection is auto-allowed for clients whose ceiling covers it,
	// with no auth code.
	AutoAllowInput bool
}

// Authorize applies the level table to a session's current state.
//
// L0 and L1 pass for any active session. L2 passes when the session
// has elevated via the out-of-band auth code, or — in
// trusted-network mode — when the client's pairing ceiling is L2 or
// higher. L3 and L4 always come back RequireApproval when the ceiling
// allows them at all; the approval itself is handled by the Registry.
func Authorize(in Input) Decision {
	level, known := CommandLevel(in.CommandType)
	if !known {
		return Decision{Verdict: Deny}
	}
	if !in.SessionActive {
		return Decision{Verdict: Deny, Level: level}
	}
	if level > in.ClientMaxLevel {
		return Decision{Verdict: Deny, Level: level}
	}

	switch {
	case level <= L1:
		return Decision{Verdict: Allow, Level: level}
	case level == L2:
		if in.SessionLevel >= L2 {
			return Decision{Verdict: Allow, Level: level}
		}
		if in.AutoAllowInput && in.ClientMaxLevel >= L2 {
			return Decision{Verdict: Allow, Level: level}
		}
		return Decision{Verdict: Deny, Level: level}
	default:
		return Decision{Verdict: RequireApproval, Level: level}
	}
}
