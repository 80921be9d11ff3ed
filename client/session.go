// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Bazza1982/lily-remote/events"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/queue"
	"github.com/Bazza1982/lily-remote/server"
)

// Session is an authenticated session handle. All methods send the
// session token; the agent decides whether it is still valid.
type Session struct {
	controller *Controller

	SessionID string
	Token     []byte
	ExpiresAt time.Time
	Level     string
	MaxLevel  string
}

// StartSession authenticates with a pairing credential and opens a
// session.
func (c *Controller) StartSession(ctx context.Context, clientID, credential string) (*Session, error) {
	var response struct {
		SessionID string `cbor:"session_id"`
		Token     []byte `cbor:"token"`
		ExpiresAt int64  `cbor:"expires_at"`
		Level     string `cbor:"level"`
		MaxLevel  string `cbor:"max_level"`
	}
	err := c.Call(ctx, "session/start", map[string]any{
		"client_id":  clientID,
		"credential": credential,
	}, &response)
	if err != nil {
		return nil, err
	}
	return &Session{
		controller: c,
		SessionID:  response.SessionID,
		Token:      response.Token,
		ExpiresAt:  time.Unix(response.ExpiresAt, 0),
		Level:      response.Level,
		MaxLevel:   response.MaxLevel,
	}, nil
}

// End terminates the session.
func (s *Session) End(ctx context.Context) error {
	return s.call(ctx, "session/end", nil, nil)
}

// Elevate raises the session to the input tier using the out-of-band
// auth code.
func (s *Session) Elevate(ctx context.Context, authCode string) error {
	var response struct {
		Level string `cbor:"level"`
	}
	if err := s.call(ctx, "session/elevate", map[string]any{"auth_code": authCode}, &response); err != nil {
		return err
	}
	s.Level = response.Level
	return nil
}

// CommandSummary is the admission acknowledgement for one submitted
// command.
type CommandSummary struct {
	CommandID      string `cbor:"command_id"`
	Type           string `cbor:"type"`
	SequenceNumber uint64 `cbor:"sequence_number"`
	Status         string `cbor:"status"`
}

// Submit queues a batch of commands. The batch is admitted or
// rate-refused as a whole; completion arrives via the event stream or
// Query. An optional auth code elevates the session before admission.
func (s *Session) Submit(ctx context.Context, authCode string, requests ...queue.Request) ([]CommandSummary, error) {
	fields := map[string]any{"commands": requests}
	if authCode != "" {
		fields["auth_code"] = authCode
	}
	var response struct {
		Commands []CommandSummary `cbor:"commands"`
	}
	if err := s.call(ctx, "commands/submit", fields, &response); err != nil {
		return nil, err
	}
	return response.Commands, nil
}

// Query returns the session's commands, or a single command when
// commandID is non-empty.
func (s *Session) Query(ctx context.Context, commandID string) ([]queue.Command, error) {
	fields := map[string]any{}
	if commandID != "" {
		fields["command_id"] = commandID
	}
	var response struct {
		Commands []queue.Command `cbor:"commands"`
	}
	if err := s.call(ctx, "commands/query", fields, &response); err != nil {
		return nil, err
	}
	return response.Commands, nil
}

// ScreenInfo reports the agent's display geometry.
func (s *Session) ScreenInfo(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := s.call(ctx, "screen/info", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Capture is one screen capture returned by CaptureScreen.
type Capture struct {
	CapturedAtMS int64  `cbor:"captured_at_ms"`
	Width        int    `cbor:"width"`
	Height       int    `cbor:"height"`
	Format       string `cbor:"format"`
	Data         []byte `cbor:"data"`
}

// CaptureScreen takes an immediate screen capture.
func (s *Session) CaptureScreen(ctx context.Context) (*Capture, error) {
	var capture Capture
	if err := s.call(ctx, "screen/capture", nil, &capture); err != nil {
		return nil, err
	}
	return &capture, nil
}

func (s *Session) call(ctx context.Context, action string, fields map[string]any, result any) error {
	merged := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		merged[key] = value
	}
	merged["token"] = s.Token
	return s.controller.Call(ctx, action, merged, result)
}

// EventStream is an open subscription to the session's events. Close
// it to release the connection; the agent side unsubscribes when the
// connection drops.
type EventStream struct {
	conn   io.Closer
	reader io.Reader
}

// SubscribeEvents opens the session's event stream. The agent permits
// one stream per session; a second subscribe fails with a conflict
// until the first closes.
func (s *Session) SubscribeEvents(ctx context.Context) (*EventStream, error) {
	conn, err := s.controller.dial(ctx)
	if err != nil {
		return nil, err
	}

	request := map[string]any{
		"action": "events/subscribe",
		"token":  s.Token,
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing subscribe request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	decoder := codec.NewDecoder(conn)
	var response server.Response
	if err := decoder.Decode(&response); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading subscribe response: %w", err)
	}
	if !response.OK {
		conn.Close()
		return nil, responseError("events/subscribe", &response)
	}
	conn.SetReadDeadline(time.Time{})

	// The envelope decoder may have read past the envelope; stitch
	// its buffered remainder ahead of the connection.
	return &EventStream{
		conn:   conn,
		reader: io.MultiReader(decoder.Buffered(), conn),
	}, nil
}

// Next reads the next event from the stream. It returns io.EOF when
// the agent closes the stream (session ended or revoked).
func (stream *EventStream) Next() (events.Event, error) {
	return events.ReadEvent(stream.reader)
}

// Close tears down the stream connection.
func (stream *EventStream) Close() error {
	return stream.conn.Close()
}
