// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the structured errors that cross the
// control channel. Every failure a controller can observe carries one
// of a closed set of kinds — there is no generic catch-all, so a
// controller can always distinguish "the agent refused this" from
// "the agent failed this" from "a human yanked control".
package apierror

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a control-channel failure. The set is closed;
// handlers map internal errors onto exactly one kind.
type Kind string

const (
	// KindConflict: the request collides with existing state — a
	// pending pairing request for the same key, or a second event
	// subscription on one session.
	KindConflict Kind = "conflict"

	// KindUnauthorized: bad token, bad signature, consumed challenge,
	// revoked session. A revoked session sees this on every
	// subsequent call, never a silent timeout.
	KindUnauthorized Kind = "unauthorized"

	// KindExpired: the referenced challenge, token, or approval is
	// past its deadline.
	KindExpired Kind = "expired"

	// KindNotPaired: the client identity is unknown or its pairing
	// was revoked.
	KindNotPaired Kind = "not_paired"

	// KindInvalidArgument: the request or a command's parameters are
	// malformed — missing coordinates, unknown button name, wrong
	// type.
	KindInvalidArgument Kind = "invalid_argument"

	// KindApprovalTimeout: a command requiring human approval waited
	// out its bounded window without one arriving.
	KindApprovalTimeout Kind = "approval_timeout"

	// KindVerificationMismatch: post-action read-back did not match
	// the expected state within tolerance after all retries.
	KindVerificationMismatch Kind = "verification_mismatch"

	// KindDriverFault: the platform driver returned an error or timed
	// out.
	KindDriverFault Kind = "driver_fault"

	// KindRateLimited: a per-session rate window was exceeded. The
	// error carries a retry-after hint; the request was never
	// silently dropped.
	KindRateLimited Kind = "rate_limited"

	// KindKilled: the kill switch revoked the session while the
	// command was queued or running.
	KindKilled Kind = "killed"
)

// Error is the wire-visible error. Callers extract it with errors.As:
//
//	var apiErr *apierror.Error
//	if errors.As(err, &apiErr) && apiErr.Kind == apierror.KindRateLimited {
//	    wait(apiErr.RetryAfter)
//	}
type Error struct {
	// Kind is the failure classification.
	Kind Kind `cbor:"kind"`

	// Message is a human-readable description. Never contains token
	// or challenge material.
	Message string `cbor:"message"`

	// RetryAfter is a hint for KindRateLimited: how long to wait
	// before the window admits another request. Zero for all other
	// kinds.
	RetryAfter time.Duration `cbor:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %v)", e.Kind, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RateLimited creates a KindRateLimited error carrying a retry-after
// hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf(format, args...),
		RetryAfter: retryAfter,
	}
}

// HasKind reports whether err is (or wraps) an *Error with the given
// kind.
func HasKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// KindOf returns the kind of err, or "" if err carries no *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
