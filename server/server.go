// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the agent's control channel: a CBOR
// action-routed protocol for paired controllers on a TCP listener, an
// administrative protocol on a local unix socket, and a plain HTTP
// health surface.
//
// The public listener authenticates every session-scoped action by
// its session token. The admin socket carries no tokens — filesystem
// permissions on the socket are the authorization boundary, and every
// admin action that changes state is audited.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/events"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/ratelimit"
	"github.com/Bazza1982/lily-remote/pairing"
	"github.com/Bazza1982/lily-remote/queue"
	"github.com/Bazza1982/lily-remote/session"
)

// Config holds the parameters for creating a Server.
type Config struct {
	// ListenAddress is the public TCP address for paired controllers.
	// Required.
	ListenAddress string

	// AdminSocket is the path of the local administrative unix
	// socket. Required.
	AdminSocket string

	// HealthAddress is the TCP address of the HTTP health surface.
	// Empty disables it.
	HealthAddress string

	// Pairing handles the trust handshake. Required.
	Pairing *pairing.Engine

	// Sessions validates tokens and manages session lifecycle.
	// Required.
	Sessions *session.Manager

	// Queue accepts and executes command batches. Required.
	Queue *queue.Queue

	// Registry is the approval registry the admin surface decides on.
	// Required.
	Registry *authorization.Registry

	// Events delivers frames and completions to subscribed
	// controllers. Required.
	Events *events.Broadcaster

	// Audit records administrative actions. Required.
	Audit *audit.Log

	// Driver answers the read-only screen actions. Required.
	Driver driver.Driver

	// RequestLimiter bounds request traffic: handshake actions per
	// remote host, authenticated actions per session. Optional; nil
	// disables the check.
	RequestLimiter *ratelimit.Limiter

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger receives structured logs. Defaults to a discard logger.
	Logger *slog.Logger
}

// Server is the assembled control channel.
type Server struct {
	pairing        *pairing.Engine
	sessions       *session.Manager
	queue          *queue.Queue
	registry       *authorization.Registry
	events         *events.Broadcaster
	audit          *audit.Log
	driver         driver.Driver
	requestLimiter *ratelimit.Limiter
	clock          clock.Clock
	logger         *slog.Logger

	public *socketServer
	admin  *socketServer
	health *healthServer
}

// New creates a Server and registers all action handlers.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.ListenAddress == "":
		return nil, errors.New("server: Config.ListenAddress is required")
	case cfg.AdminSocket == "":
		return nil, errors.New("server: Config.AdminSocket is required")
	case cfg.Pairing == nil:
		return nil, errors.New("server: Config.Pairing is required")
	case cfg.Sessions == nil:
		return nil, errors.New("server: Config.Sessions is required")
	case cfg.Queue == nil:
		return nil, errors.New("server: Config.Queue is required")
	case cfg.Registry == nil:
		return nil, errors.New("server: Config.Registry is required")
	case cfg.Events == nil:
		return nil, errors.New("server: Config.Events is required")
	case cfg.Audit == nil:
		return nil, errors.New("server: Config.Audit is required")
	case cfg.Driver == nil:
		return nil, errors.New("server: Config.Driver is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		pairing:        cfg.Pairing,
		sessions:       cfg.Sessions,
		queue:          cfg.Queue,
		registry:       cfg.Registry,
		events:         cfg.Events,
		audit:          cfg.Audit,
		driver:         cfg.Driver,
		requestLimiter: cfg.RequestLimiter,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}

	s.public = newSocketServer("tcp", cfg.ListenAddress, cfg.Logger.With("listener", "public"))
	s.public.rateCheck = s.checkRequestRate
	s.registerPublic()

	s.admin = newSocketServer("unix", cfg.AdminSocket, cfg.Logger.With("listener", "admin"))
	s.registerAdmin()

	if cfg.HealthAddress != "" {
		s.health = newHealthServer(cfg.HealthAddress, s, cfg.Logger.With("listener", "health"))
	}

	return s, nil
}

// PublicAddr returns the resolved public listen address. Valid once
// Run has bound the listeners.
func (s *Server) PublicAddr() net.Addr {
	return s.public.Addr()
}

// Ready is closed once the public listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.public.Ready()
}

// HealthAddr returns the resolved health listener address, or nil
// when the health surface is disabled. Valid once the health listener
// is bound.
func (s *Server) HealthAddr() net.Addr {
	if s.health == nil {
		return nil
	}
	select {
	case <-s.health.ready:
		return s.health.addr
	default:
		return nil
	}
}

// Run serves all listeners until ctx is cancelled. The first listener
// failure cancels the rest.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	servers := []func(context.Context) error{
		s.public.serve,
		s.admin.serve,
	}
	if s.health != nil {
		servers = append(servers, s.health.serve)
	}

	failed := make(chan error, len(servers))
	for _, serve := range servers {
		go func() {
			if err := serve(ctx); err != nil {
				failed <- err
				cancel()
				return
			}
			failed <- nil
		}()
	}

	var firstErr error
	for range servers {
		if err := <-failed; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handshakeActions are the unauthenticated actions subject to the
// per-host request limiter. Authenticated actions draw from the same
// limiter keyed by session ID instead, in authenticate.
var handshakeActions = map[string]bool{
	"pair/request":  true,
	"pair/confirm":  true,
	"session/start": true,
}

func (s *Server) checkRequestRate(action, remote string) error {
	if s.requestLimiter == nil || !handshakeActions[action] {
		return nil
	}
	if admitted, retryAfter := s.requestLimiter.AllowN(remote, 1); !admitted {
		return apierror.RateLimited(retryAfter, "too many requests")
	}
	return nil
}

// authenticate resolves the session token carried by a request.
func (s *Server) authenticate(raw []byte) (*session.Session, error) {
	var fields struct {
		Token []byte `cbor:"token"`
	}
	if err := codecUnmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if len(fields.Token) == 0 {
		return nil, apierror.New(apierror.KindUnauthorized, "missing session token")
	}
	sess, err := s.sessions.Validate(fields.Token)
	if err != nil {
		return nil, err
	}
	// Every authenticated action draws from the session's request
	// window, so a paired controller cannot hammer reads or queries
	// any faster than the handshake trio.
	if s.requestLimiter != nil {
		if admitted, retryAfter := s.requestLimiter.AllowN(sess.SessionID, 1); !admitted {
			return nil, apierror.RateLimited(retryAfter, "too many requests")
		}
	}
	return sess, nil
}
