// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/ratelimit"
	"github.com/Bazza1982/lily-remote/session"
)

const (
	// DefaultInputTimeout bounds a single input or screen driver call.
	DefaultInputTimeout = 5 * time.Second

	// DefaultProcessTimeout bounds a restart driver call.
	DefaultProcessTimeout = 30 * time.Second

	// DefaultApprovalTimeout bounds the wait for a human approval.
	DefaultApprovalTimeout = 120 * time.Second

	// DefaultRetention is how long terminal commands stay queryable
	// before Sweep prunes them.
	DefaultRetention = 10 * time.Minute
)

// Request is one command in a submitted batch.
type Request struct {
	Type       string         `cbor:"type"`
	Parameters map[string]any `cbor:"parameters,omitempty"`
}

// Config configures a Queue.
type Config struct {
	// Driver executes commands against the platform. Required.
	Driver driver.Driver

	// Registry coordinates human approvals for L3/L4 commands.
	// Required.
	Registry *authorization.Registry

	// Audit receives an entry before every driver side effect and for
	// every terminal transition. Required.
	Audit *audit.Log

	// Limiter bounds per-session command admission. Optional; nil
	// disables rate limiting.
	Limiter *ratelimit.Limiter

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger receives structured logs. Defaults to a discard logger.
	Logger *slog.Logger

	// InputTimeout, ProcessTimeout, and ApprovalTimeout default to
	// the package defaults when zero.
	InputTimeout    time.Duration
	ProcessTimeout  time.Duration
	ApprovalTimeout time.Duration

	// Retention defaults to DefaultRetention when zero.
	Retention time.Duration

	// AutoAllowInput permits input-tier commands without auth-code
	// elevation for clients authorized to that tier. Set from the
	// pairing require_approval setting.
	AutoAllowInput bool

	// OnDone is called after a command reaches a terminal state.
	// Optional. Called from the session's worker goroutine.
	OnDone func(sessionID string, cmd Command)

	// OnFrame is called with each successfully captured screen frame.
	// Optional.
	OnFrame func(sessionID string, frame driver.Frame)

	// OnForeground is called with the foreground window title observed
	// by keyboard and process command read-back. Optional.
	OnForeground func(sessionID string, title string)
}

// Queue is the command queue and executor.
type Queue struct {
	driver          driver.Driver
	registry        *authorization.Registry
	audit           *audit.Log
	limiter         *ratelimit.Limiter
	clock           clock.Clock
	logger          *slog.Logger
	inputTimeout    time.Duration
	processTimeout  time.Duration
	approvalTimeout time.Duration
	retention       time.Duration
	autoAllowInput  bool
	onDone          func(string, Command)
	onFrame         func(string, driver.Frame)
	onForeground    func(string, string)

	// lane serializes driver calls across all sessions. The driver
	// controls one physical input device; interleaving two sessions'
	// pointer movements corrupts both.
	lane chan struct{}

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	commands map[string]*command
}

// sessionQueue is the per-session FIFO and its worker state.
type sessionQueue struct {
	sess *session.Session

	mu        sync.Mutex
	pending   []*command
	sequence  uint64
	cancelled bool

	signal chan struct{}
}

// New creates a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Driver == nil {
		return nil, errors.New("queue: Config.Driver is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("queue: Config.Registry is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("queue: Config.Audit is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = DefaultInputTimeout
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &Queue{
		driver:          cfg.Driver,
		registry:        cfg.Registry,
		audit:           cfg.Audit,
		limiter:         cfg.Limiter,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		inputTimeout:    cfg.InputTimeout,
		processTimeout:  cfg.ProcessTimeout,
		approvalTimeout: cfg.ApprovalTimeout,
		retention:       cfg.Retention,
		autoAllowInput:  cfg.AutoAllowInput,
		onDone:          cfg.OnDone,
		onFrame:         cfg.OnFrame,
		onForeground:    cfg.OnForeground,
		lane:            make(chan struct{}, 1),
		sessions:        make(map[string]*sessionQueue),
		commands:        make(map[string]*command),
	}, nil
}

// Submit accepts a batch of commands for an active session. The batch
// is admitted atomically against the rate limit: either every command
// is queued or none is. Commands run in submission order relative to
// all other commands of the same session.
func (q *Queue) Submit(ctx context.Context, sess *session.Session, requests []Request) ([]Command, error) {
	if len(requests) == 0 {
		return nil, apierror.New(apierror.KindInvalidArgument, "empty command batch")
	}
	if !sess.Active() {
		return nil, apierror.New(apierror.KindUnauthorized, "session is not active")
	}

	if q.limiter != nil {
		admitted, retryAfter := q.limiter.AllowN(sess.SessionID, len(requests))
		if !admitted {
			return nil, apierror.RateLimited(retryAfter,
				"command rate exceeded for session")
		}
	}

	sq := q.sessionQueue(sess)
	now := q.clock.Now()

	commands := make([]*command, 0, len(requests))
	for _, request := range requests {
		cmd := &command{
			commandID:   "cmd-" + uuid.NewString(),
			sessionID:   sess.SessionID,
			commandType: request.Type,
			parameters:  request.Parameters,
			submittedAt: now,
			status:      StatusQueued,
		}
		if _, err := q.audit.Append(ctx, sess.ClientID, "command.submitted", cmd.commandID); err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}

	// Sequence numbers and queue membership are assigned under the
	// session queue lock so concurrent submitters cannot interleave
	// within a batch.
	sq.mu.Lock()
	if sq.cancelled {
		sq.mu.Unlock()
		return nil, apierror.New(apierror.KindKilled, "session was revoked")
	}
	for _, cmd := range commands {
		sq.sequence++
		cmd.sequence = sq.sequence
		sq.pending = append(sq.pending, cmd)
	}
	sq.mu.Unlock()

	q.mu.Lock()
	for _, cmd := range commands {
		q.commands[cmd.commandID] = cmd
	}
	q.mu.Unlock()

	sq.wake()

	snapshots := make([]Command, len(commands))
	for i, cmd := range commands {
		snapshots[i] = cmd.snapshot()
	}
	return snapshots, nil
}

// Get returns a snapshot of one command.
func (q *Queue) Get(commandID string) (Command, bool) {
	q.mu.Lock()
	cmd, ok := q.commands[commandID]
	q.mu.Unlock()
	if !ok {
		return Command{}, false
	}
	return cmd.snapshot(), true
}

// Query returns snapshots of a session's commands in sequence order.
func (q *Queue) Query(sessionID string) []Command {
	q.mu.Lock()
	var snapshots []Command
	for _, cmd := range q.commands {
		if cmd.sessionID == sessionID {
			snapshots = append(snapshots, cmd.snapshot())
		}
	}
	q.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SequenceNumber < snapshots[j].SequenceNumber
	})
	return snapshots
}

// CancelSession fails every queued command of a session with a killed
// error and stops its worker. Wire this to the session manager's
// OnRevoked hook: the running command aborts through the session
// context, queued commands fail here.
func (q *Queue) CancelSession(sessionID string) {
	q.mu.Lock()
	sq := q.sessions[sessionID]
	q.mu.Unlock()
	if sq == nil {
		return
	}

	sq.mu.Lock()
	sq.cancelled = true
	pending := sq.pending
	sq.pending = nil
	sq.mu.Unlock()
	sq.wake()

	now := q.clock.Now()
	for _, cmd := range pending {
		if cmd.finish(StatusFailed, nil, apierror.KindKilled, "session was revoked", now) {
			q.recordDone(cmd, "command.failed")
		}
	}
}

// Sweep prunes terminal commands older than the retention window and
// forgets the queues of sessions whose workers have exited. Returns
// the number of commands pruned.
func (q *Queue) Sweep() int {
	cutoff := q.clock.Now().Add(-q.retention)

	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	for id, cmd := range q.commands {
		snap := cmd.snapshot()
		if snap.Status.Terminal() && snap.CompletedAt.Before(cutoff) {
			delete(q.commands, id)
			pruned++
		}
	}
	for id, sq := range q.sessions {
		sq.mu.Lock()
		dead := sq.cancelled && len(sq.pending) == 0
		sq.mu.Unlock()
		if dead {
			delete(q.sessions, id)
		}
	}
	return pruned
}

// sessionQueue returns the session's queue, creating it and starting
// its worker on first use.
func (q *Queue) sessionQueue(sess *session.Session) *sessionQueue {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sq, ok := q.sessions[sess.SessionID]; ok {
		return sq
	}
	sq := &sessionQueue{
		sess:   sess,
		signal: make(chan struct{}, 1),
	}
	q.sessions[sess.SessionID] = sq
	go q.worker(sq)
	return sq
}

// worker drains one session's queue in order. It exits when the
// session context is cancelled and the queue has been flushed.
func (q *Queue) worker(sq *sessionQueue) {
	for {
		cmd := sq.pop()
		if cmd != nil {
			q.execute(sq.sess, cmd)
			continue
		}

		select {
		case <-sq.signal:
		case <-sq.sess.Context().Done():
			// CancelSession fails whatever is still pending; this
			// handles the race where commands were queued between the
			// cancellation and the flush.
			q.CancelSession(sq.sess.SessionID)
			return
		}
	}
}

func (sq *sessionQueue) pop() *command {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if len(sq.pending) == 0 {
		return nil
	}
	cmd := sq.pending[0]
	sq.pending = sq.pending[1:]
	return cmd
}

func (sq *sessionQueue) wake() {
	select {
	case sq.signal <- struct{}{}:
	default:
	}
}

// recordDone audits the terminal transition and fires the completion
// callback. The audit context is detached from the session: a revoked
// session's failure must still reach the log.
func (q *Queue) recordDone(cmd *command, action string) {
	snap := cmd.snapshot()
	outcome := snap.CommandID
	if snap.ErrorKind != "" {
		outcome = snap.CommandID + " " + string(snap.ErrorKind)
	}
	if _, err := q.audit.Append(context.Background(), audit.ActorSystem, action, outcome); err != nil {
		q.logger.Error("audit append failed",
			"action", action, "command_id", snap.CommandID, "error", err)
	}
	q.logger.Info("command done",
		"command_id", snap.CommandID,
		"session_id", snap.SessionID,
		"type", snap.Type,
		"status", snap.Status,
		"error_kind", snap.ErrorKind)
	if q.onDone != nil {
		q.onDone(snap.SessionID, snap)
	}
}
