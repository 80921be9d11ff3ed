// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/events"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/queue"
	"github.com/Bazza1982/lily-remote/session"
)

// screenReadTimeout bounds the direct screen driver calls served
// outside the command queue.
const screenReadTimeout = 5 * time.Second

func (s *Server) registerPublic() {
	s.public.handle("health", s.handleHealth)
	s.public.handle("pair/request", s.handlePairRequest)
	s.public.handle("pair/confirm", s.handlePairConfirm)
	s.public.handle("session/start", s.handleSessionStart)
	s.public.handle("session/end", s.handleSessionEnd)
	s.public.handle("session/elevate", s.handleSessionElevate)
	s.public.handle("commands/submit", s.handleCommandsSubmit)
	s.public.handle("commands/query", s.handleCommandsQuery)
	s.public.handle("screen/info", s.handleScreenInfo)
	s.public.handle("screen/capture", s.handleScreenCapture)
	s.public.handleStream("events/subscribe", s.handleEventsSubscribe)
}

func (s *Server) handleHealth(ctx context.Context, raw []byte) (any, error) {
	return map[string]any{
		"status": "ok",
		"time":   s.clock.Now().Unix(),
	}, nil
}

func (s *Server) handlePairRequest(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		PublicKey   []byte `cbor:"public_key"`
		BundleKey   string `cbor:"bundle_key"`
		DisplayName string `cbor:"display_name"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	request, err := s.pairing.RequestPairing(ctx,
		ed25519.PublicKey(fields.PublicKey), fields.BundleKey, fields.DisplayName)
	if err != nil {
		return nil, err
	}

	// The sealed bundle is deliberately absent here: it is released
	// only by pair/confirm, after the challenge signature proves key
	// possession.
	return map[string]any{
		"request_id": request.RequestID,
		"challenge":  request.Challenge,
		"expires_at": request.ExpiresAt.Unix(),
		"status":     string(request.Status),
	}, nil
}

func (s *Server) handlePairConfirm(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		RequestID string `cbor:"request_id"`
		Signature []byte `cbor:"signature"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	clientID, sealedBundle, err := s.pairing.Confirm(ctx, fields.RequestID, fields.Signature)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"client_id":     clientID,
		"sealed_bundle": sealedBundle,
	}, nil
}

func (s *Server) handleSessionStart(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		ClientID   string `cbor:"client_id"`
		Credential string `cbor:"credential"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	sess, token, err := s.sessions.Start(ctx, fields.ClientID, fields.Credential)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sess.SessionID,
		"token":      token,
		"expires_at": sess.ExpiresAt.Unix(),
		"level":      sess.CurrentLevel().String(),
		"max_level":  sess.MaxLevel().String(),
	}, nil
}

func (s *Server) handleSessionEnd(ctx context.Context, raw []byte) (any, error) {
	sess, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.End(ctx, sess.SessionID)
}

func (s *Server) handleSessionElevate(ctx context.Context, raw []byte) (any, error) {
	sess, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}

	var fields struct {
		AuthCode string `cbor:"auth_code"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if err := s.sessions.Elevate(ctx, sess.SessionID, fields.AuthCode); err != nil {
		return nil, err
	}
	return map[string]any{"level": sess.CurrentLevel().String()}, nil
}

func (s *Server) handleCommandsSubmit(ctx context.Context, raw []byte) (any, error) {
	sess, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}

	var fields struct {
		AuthCode string          `cbor:"auth_code"`
		Commands []queue.Request `cbor:"commands"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	// An auth code riding with the batch elevates before anything is
	// queued, so the batch is authorized at the elevated level.
	if fields.AuthCode != "" {
		if err := s.sessions.Elevate(ctx, sess.SessionID, fields.AuthCode); err != nil {
			return nil, err
		}
	}

	accepted, err := s.queue.Submit(ctx, sess, fields.Commands)
	if err != nil {
		return nil, err
	}

	summaries := make([]map[string]any, len(accepted))
	for i, cmd := range accepted {
		summaries[i] = map[string]any{
			"command_id":      cmd.CommandID,
			"type":            cmd.Type,
			"sequence_number": cmd.SequenceNumber,
			"status":          string(cmd.Status),
		}
	}
	return map[string]any{"commands": summaries}, nil
}

func (s *Server) handleCommandsQuery(ctx context.Context, raw []byte) (any, error) {
	sess, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}

	var fields struct {
		CommandID string `cbor:"command_id"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	if fields.CommandID != "" {
		cmd, ok := s.queue.Get(fields.CommandID)
		if !ok || cmd.SessionID != sess.SessionID {
			return nil, apierror.New(apierror.KindInvalidArgument,
				"unknown command %q", fields.CommandID)
		}
		return map[string]any{"commands": []queue.Command{cmd}}, nil
	}
	return map[string]any{"commands": s.queue.Query(sess.SessionID)}, nil
}

// authorizeRead checks a screen action against the session the same
// way the queue authorizes commands.
func (s *Server) authorizeRead(sess *session.Session, commandType string) error {
	decision := authorization.Authorize(authorization.Input{
		CommandType:    commandType,
		SessionActive:  sess.Active(),
		SessionLevel:   sess.CurrentLevel(),
		ClientMaxLevel: sess.MaxLevel(),
	})
	if decision.Verdict != authorization.Allow {
		return apierror.New(apierror.KindUnauthorized,
			"%s not authorized at session level %s", commandType, sess.CurrentLevel())
	}
	return nil
}

func (s *Server) handleScreenInfo(ctx context.Context, raw []byte) (any, error) {
	sess, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(sess, "screen_info"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, screenReadTimeout)
	defer cancel()
	info, err := s.driver.Info(ctx)
	if err != nil {
		return nil, apierror.New(apierror.KindDriverFault, "screen info: %v", err)
	}
	return info, nil
}

func (s *Server) handleScreenCapture(ctx context.Context, raw []byte) (any, error) {
	sess, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(sess, "screen_capture"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, screenReadTimeout)
	defer cancel()
	frame, err := s.driver.Capture(ctx)
	if err != nil {
		return nil, apierror.New(apierror.KindDriverFault, "screen capture: %v", err)
	}

	// Subscribed controllers also get the frame on their event
	// stream.
	if err := s.events.PublishFrame(sess.SessionID, frame); err != nil {
		s.logger.Warn("frame publish failed",
			"session_id", sess.SessionID, "error", err)
	}

	return map[string]any{
		"captured_at_ms": frame.CapturedAt.UnixMilli(),
		"width":          frame.Width,
		"height":         frame.Height,
		"format":         frame.Format,
		"data":           frame.Data,
	}, nil
}

// handleEventsSubscribe upgrades the connection to the framed event
// stream. The stream ends when the subscription is revoked, the
// session ends, or the connection drops.
func (s *Server) handleEventsSubscribe(ctx context.Context, raw []byte, conn net.Conn, accept func() error) error {
	sess, err := s.authenticate(raw)
	if err != nil {
		return err
	}

	sub, err := s.events.Subscribe(sess.SessionID)
	if err != nil {
		return err
	}
	defer s.events.Unsubscribe(sess.SessionID)

	if err := accept(); err != nil {
		return err
	}

	// End the stream through the broadcaster when the session closes,
	// not by cancelling the read: the kill switch queues a final
	// session_revoked event just after the session context ends, and
	// closing the subscription lets Next drain it first. Revoke is a
	// no-op if the kill switch already delivered its own.
	go func() {
		<-sess.Context().Done()
		s.events.Revoke(sess.SessionID, "session closed")
	}()

	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if err == events.ErrSubscriptionClosed {
				return nil
			}
			return err
		}
		if err := events.WriteEvent(conn, event); err != nil {
			return err
		}
	}
}

func codecUnmarshal(raw []byte, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return apierror.New(apierror.KindInvalidArgument, "malformed request: %v", err)
	}
	return nil
}
