// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"time"

	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/session"
)

// actorAdmin is the audit actor for operations performed over the
// admin socket. The socket is local and permission-guarded; the agent
// cannot attribute them more precisely.
const actorAdmin = "admin"

func (s *Server) registerAdmin() {
	s.admin.handle("pairing/pending", s.handlePairingPending)
	s.admin.handle("pairing/approve", s.handlePairingApprove)
	s.admin.handle("session/list", s.handleSessionList)
	s.admin.handle("session/authcode", s.handleSessionAuthCode)
	s.admin.handle("approval/pending", s.handleApprovalPending)
	s.admin.handle("approval/grant", s.handleApprovalGrant)
	s.admin.handle("approval/confirm", s.handleApprovalConfirm)
	s.admin.handle("approval/deny", s.handleApprovalDeny)
	s.admin.handle("killswitch", s.handleKillSwitch)
	s.admin.handle("client/list", s.handleClientList)
	s.admin.handle("client/revoke", s.handleClientRevoke)
	s.admin.handle("audit/verify", s.handleAuditVerify)
	s.admin.handle("audit/query", s.handleAuditQuery)
}

func (s *Server) handlePairingPending(ctx context.Context, raw []byte) (any, error) {
	pending, err := s.pairing.Pending(ctx)
	if err != nil {
		return nil, err
	}

	requests := make([]map[string]any, len(pending))
	for i, request := range pending {
		requests[i] = map[string]any{
			"request_id":   request.RequestID,
			"display_name": request.DisplayName,
			"created_at":   request.CreatedAt.Unix(),
			"expires_at":   request.ExpiresAt.Unix(),
		}
	}
	return map[string]any{"requests": requests}, nil
}

func (s *Server) handlePairingApprove(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		RequestID string `cbor:"request_id"`
		Approved  bool   `cbor:"approved"`
		MaxLevel  uint8  `cbor:"max_level"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields.MaxLevel > uint8(authorization.L4) {
		return nil, apierror.New(apierror.KindInvalidArgument,
			"max_level %d out of range", fields.MaxLevel)
	}
	return nil, s.pairing.Approve(ctx, fields.RequestID, fields.Approved,
		authorization.Level(fields.MaxLevel))
}

func (s *Server) handleSessionList(ctx context.Context, raw []byte) (any, error) {
	active := s.sessions.Sessions()
	sessions := make([]map[string]any, len(active))
	for i, sess := range active {
		sessions[i] = map[string]any{
			"session_id": sess.SessionID,
			"client_id":  sess.ClientID,
			"level":      sess.CurrentLevel().String(),
			"max_level":  sess.MaxLevel().String(),
			"created_at": sess.CreatedAt.Unix(),
			"expires_at": sess.ExpiresAt.Unix(),
		}
	}
	return map[string]any{"sessions": sessions}, nil
}

// handleSessionAuthCode surfaces the out-of-band elevation code for a
// session. The operator relays it to the controller over a separate
// trusted path (console, phone); it never crosses the public channel.
func (s *Server) handleSessionAuthCode(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		SessionID string `cbor:"session_id"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	code, err := s.sessions.AuthCode(fields.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.Append(ctx, actorAdmin, "session.authcode_read", fields.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"auth_code": code}, nil
}

func (s *Server) handleApprovalPending(ctx context.Context, raw []byte) (any, error) {
	return map[string]any{"approvals": s.registry.Pending()}, nil
}

func (s *Server) handleApprovalGrant(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		CommandID string `cbor:"command_id"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	if _, err := s.audit.Append(ctx, actorAdmin, "approval.granted", fields.CommandID); err != nil {
		return nil, err
	}
	confirmToken, err := s.registry.Grant(fields.CommandID)
	if err != nil {
		return nil, err
	}

	response := map[string]any{}
	if confirmToken != "" {
		// A machine restart: the grant is armed, not executed. The
		// operator must send this token back via approval/confirm
		// within the confirmation window.
		response["confirm_token"] = confirmToken
		response["confirm_within_ms"] = authorization.ConfirmTTL.Milliseconds()
	}
	return response, nil
}

func (s *Server) handleApprovalConfirm(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		CommandID    string `cbor:"command_id"`
		ConfirmToken string `cbor:"confirm_token"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	if _, err := s.audit.Append(ctx, actorAdmin, "approval.confirmed", fields.CommandID); err != nil {
		return nil, err
	}
	return nil, s.registry.Confirm(fields.CommandID, fields.ConfirmToken)
}

func (s *Server) handleApprovalDeny(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		CommandID string `cbor:"command_id"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	if _, err := s.audit.Append(ctx, actorAdmin, "approval.denied", fields.CommandID); err != nil {
		return nil, err
	}
	return nil, s.registry.Deny(fields.CommandID)
}

func (s *Server) handleKillSwitch(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		Scope string `cbor:"scope"`
		ID    string `cbor:"id"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	switch fields.Scope {
	case "session", "client", "all":
	default:
		return nil, apierror.New(apierror.KindInvalidArgument,
			"scope must be session, client, or all")
	}

	revoked, err := s.sessions.KillSwitch(ctx, session.Scope{
		Kind: fields.Scope,
		ID:   fields.ID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"revoked": revoked}, nil
}

func (s *Server) handleClientList(ctx context.Context, raw []byte) (any, error) {
	clients, err := s.pairing.Clients(ctx)
	if err != nil {
		return nil, err
	}

	listed := make([]map[string]any, len(clients))
	for i, client := range clients {
		listed[i] = map[string]any{
			"client_id":    client.ClientID,
			"display_name": client.DisplayName,
			"max_level":    client.MaxAuthorizedLevel.String(),
			"paired_at":    client.PairedAt.Unix(),
			"revoked":      client.Revoked(),
		}
	}
	return map[string]any{"clients": listed}, nil
}

// handleClientRevoke removes a client from the trust store and kills
// any session it still holds.
func (s *Server) handleClientRevoke(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		ClientID string `cbor:"client_id"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	revoked, err := s.sessions.KillSwitch(ctx, session.Scope{
		Kind: "client",
		ID:   fields.ClientID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.pairing.Revoke(ctx, fields.ClientID); err != nil {
		return nil, err
	}
	return map[string]any{"revoked_sessions": revoked}, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, raw []byte) (any, error) {
	verified, err := s.audit.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": verified}, nil
}

func (s *Server) handleAuditQuery(ctx context.Context, raw []byte) (any, error) {
	var fields struct {
		Actor  string `cbor:"actor"`
		FromMS int64  `cbor:"from_ms"`
		ToMS   int64  `cbor:"to_ms"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}

	if fields.Actor != "" {
		entries, err := s.audit.QueryActor(ctx, fields.Actor)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil
	}

	from := time.UnixMilli(fields.FromMS)
	to := time.UnixMilli(fields.ToMS)
	if fields.ToMS == 0 {
		to = s.clock.Now().Add(time.Second)
	}
	entries, err := s.audit.QueryRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}
