// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package events delivers agent-side occurrences to connected
// controllers: screen frames, command completions, foreground window
// changes, and session revocations. Each session gets at most one
// subscription. Frames are best-effort — a slow consumer loses the
// oldest buffered frame, never a control event.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/codec"
)

// Kind identifies an event type on the wire. Kinds double as the
// frame-type byte of the framed stream protocol — changing a value
// breaks wire compatibility.
type Kind uint8

const (
	// KindFrame carries a zstd-compressed screen capture.
	KindFrame Kind = 1

	// KindCommandDone reports a command reaching a terminal status.
	KindCommandDone Kind = 2

	// KindForegroundChanged reports a foreground window change
	// observed during command execution.
	KindForegroundChanged Kind = 3

	// KindSessionRevoked is the last event a subscription delivers
	// before it closes: the session was ended by the kill switch or
	// an administrative revocation.
	KindSessionRevoked Kind = 4
)

// String returns the event kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindCommandDone:
		return "command_done"
	case KindForegroundChanged:
		return "foreground_changed"
	case KindSessionRevoked:
		return "session_revoked"
	default:
		return "unknown"
	}
}

// Event is a single occurrence queued for delivery. Payload is the
// wire-ready body: zstd-compressed CBOR for frames, plain CBOR for
// control events.
type Event struct {
	Kind    Kind
	Payload []byte
}

// FramePayload is the CBOR body of a frame event, compressed with
// zstd before queuing.
type FramePayload struct {
	CapturedAt int64  `cbor:"1,keyasint"` // unix milliseconds
	Width      int    `cbor:"2,keyasint"`
	Height     int    `cbor:"3,keyasint"`
	Format     string `cbor:"4,keyasint"`
	Data       []byte `cbor:"5,keyasint"`
}

// CommandDone is the CBOR body of a command completion event.
type CommandDone struct {
	CommandID    string `cbor:"1,keyasint"`
	Status       string `cbor:"2,keyasint"`
	ErrorKind    string `cbor:"3,keyasint,omitempty"`
	ErrorMessage string `cbor:"4,keyasint,omitempty"`
}

// ForegroundChanged is the CBOR body of a foreground window change
// event.
type ForegroundChanged struct {
	Title string `cbor:"1,keyasint"`
}

// SessionRevoked is the CBOR body of the final event delivered to a
// revoked session's subscription.
type SessionRevoked struct {
	SessionID string `cbor:"1,keyasint"`
	Reason    string `cbor:"2,keyasint"`
}

// ErrSubscriptionClosed is returned by Subscription.Next once the
// subscription has been closed and all queued events drained.
var ErrSubscriptionClosed = errors.New("events: subscription closed")

// DefaultFrameBuffer is the per-subscription frame ring size used
// when Config.FrameBuffer is zero.
const DefaultFrameBuffer = 8

// Config configures a Broadcaster.
type Config struct {
	// FrameBuffer is the number of frames buffered per subscription
	// before the oldest is dropped. Defaults to DefaultFrameBuffer.
	FrameBuffer int

	// Logger receives structured logs. Defaults to a discard logger.
	Logger *slog.Logger
}

// Broadcaster routes events to per-session subscriptions.
type Broadcaster struct {
	frameBuffer int
	logger      *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultFrameBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{
		frameBuffer: cfg.FrameBuffer,
		logger:      cfg.Logger,
		subs:        make(map[string]*Subscription),
	}
}

// Subscribe registers the single event subscription for a session.
// A second subscribe for the same session fails with a conflict
// until the first is unsubscribed.
func (b *Broadcaster) Subscribe(sessionID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[sessionID]; exists {
		return nil, &apierror.Error{
			Kind:    apierror.KindConflict,
			Message: "session already has an event subscription",
		}
	}

	sub := &Subscription{
		sessionID: sessionID,
		frameCap:  b.frameBuffer,
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	b.subs[sessionID] = sub
	b.logger.Debug("event subscription opened", "session_id", sessionID)
	return sub, nil
}

// Unsubscribe closes and removes a session's subscription. It is
// idempotent: unsubscribing a session with no subscription is a
// no-op.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
		b.logger.Debug("event subscription closed", "session_id", sessionID)
	}
}

// PublishFrame queues a screen frame for a session. The frame body
// is CBOR-encoded and zstd-compressed before queuing. If the session
// has no subscription the frame is discarded.
func (b *Broadcaster) PublishFrame(sessionID string, frame driver.Frame) error {
	sub := b.subscription(sessionID)
	if sub == nil {
		return nil
	}

	payload, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	if dropped := sub.pushFrame(Event{Kind: KindFrame, Payload: payload}); dropped {
		b.logger.Debug("frame dropped for slow consumer",
			"session_id", sessionID)
	}
	return nil
}

// PublishCommandDone queues a command completion event for a session.
func (b *Broadcaster) PublishCommandDone(sessionID string, done CommandDone) error {
	return b.publishControl(sessionID, KindCommandDone, done)
}

// PublishForegroundChanged queues a foreground window change event
// for a session.
func (b *Broadcaster) PublishForegroundChanged(sessionID string, title string) error {
	return b.publishControl(sessionID, KindForegroundChanged, ForegroundChanged{Title: title})
}

// Revoke delivers a final session_revoked event to the session's
// subscription and closes it. Sessions with no subscription are a
// no-op.
func (b *Broadcaster) Revoke(sessionID, reason string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	payload, err := codec.Marshal(SessionRevoked{SessionID: sessionID, Reason: reason})
	if err == nil {
		sub.pushControl(Event{Kind: KindSessionRevoked, Payload: payload})
	}
	sub.close()
	b.logger.Info("event subscription revoked",
		"session_id", sessionID, "reason", reason)
}

func (b *Broadcaster) publishControl(sessionID string, kind Kind, body any) error {
	sub := b.subscription(sessionID)
	if sub == nil {
		return nil
	}
	payload, err := codec.Marshal(body)
	if err != nil {
		return err
	}
	sub.pushControl(Event{Kind: kind, Payload: payload})
	return nil
}

func (b *Broadcaster) subscription(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[sessionID]
}

// Subscription is a session's event queue. Control events are never
// dropped; frames live in a fixed ring where the oldest is evicted
// when a new frame arrives on a full ring.
type Subscription struct {
	sessionID string
	frameCap  int

	mu      sync.Mutex
	control []Event
	frames  []Event
	done    bool

	signal chan struct{}
	closed chan struct{}
}

// SessionID returns the session the subscription belongs to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Next blocks until an event is available and returns it. Control
// events are delivered before buffered frames. Once the subscription
// is closed, Next drains any queued events and then returns
// ErrSubscriptionClosed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		event, ok, closed := s.take()
		if ok {
			return event, nil
		}
		if closed {
			return Event{}, ErrSubscriptionClosed
		}

		select {
		case <-s.signal:
		case <-s.closed:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (s *Subscription) take() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.control) > 0 {
		event := s.control[0]
		s.control = s.control[1:]
		return event, true, false
	}
	if len(s.frames) > 0 {
		event := s.frames[0]
		s.frames = s.frames[1:]
		return event, true, false
	}
	return Event{}, false, s.done
}

func (s *Subscription) pushControl(event Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.control = append(s.control, event)
	s.mu.Unlock()
	s.wake()
}

// pushFrame queues a frame, evicting the oldest buffered frame when
// the ring is full. Reports whether an eviction happened.
func (s *Subscription) pushFrame(event Event) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.frames) >= s.frameCap {
		s.frames = s.frames[1:]
		dropped = true
	}
	s.frames = append(s.frames, event)
	s.mu.Unlock()
	s.wake()
	return dropped
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	already := s.done
	s.done = true
	s.mu.Unlock()
	if !already {
		close(s.closed)
	}
}
