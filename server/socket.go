// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/codec"
)

// ActionFunc processes a request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field);
// the handler decodes its action-specific fields from it.
//
// Return a value to include in the success response, or an error for
// a failure response. A nil value yields a bare {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc handles an action that upgrades the connection to a
// one-way stream. The handler validates the request first, then calls
// accept to write the success envelope and take over the connection.
// An error returned before accept becomes a normal error response; an
// error after accept just ends the stream.
type StreamFunc func(ctx context.Context, raw []byte, conn net.Conn, accept func() error) error

// Response is the wire envelope for every control-channel reply.
// Kind carries the structured failure classification so controllers
// can react without parsing messages.
type Response struct {
	OK           bool             `cbor:"ok"`
	Error        string           `cbor:"error,omitempty"`
	Kind         string           `cbor:"kind,omitempty"`
	RetryAfterMS int64            `cbor:"retry_after_ms,omitempty"`
	Data         codec.RawMessage `cbor:"data,omitempty"`
}

// readTimeout is how long the server waits for a connected client to
// send its request.
const readTimeout = 30 * time.Second

// writeTimeout bounds writing a response.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds a single CBOR request. Command batches are
// small; 1 MB is generous.
const maxRequestSize = 1024 * 1024

// socketServer serves the CBOR action protocol on a listener. Each
// connection handles one request-response cycle, except for stream
// actions which keep the connection for event delivery.
type socketServer struct {
	network string // "tcp" or "unix"
	address string
	logger  *slog.Logger

	handlers map[string]ActionFunc
	streams  map[string]StreamFunc

	// rateCheck, when set, is consulted before dispatching. It
	// receives the action name and the remote address and returns an
	// error to refuse the request.
	rateCheck func(action, remote string) error

	ready chan struct{}
	addr  net.Addr

	active sync.WaitGroup
}

func newSocketServer(network, address string, logger *slog.Logger) *socketServer {
	return &socketServer{
		network:  network,
		address:  address,
		logger:   logger,
		handlers: make(map[string]ActionFunc),
		streams:  make(map[string]StreamFunc),
		ready:    make(chan struct{}),
	}
}

// handle registers an action handler. Panics on duplicates: handler
// registration is wiring, not input.
func (s *socketServer) handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

func (s *socketServer) handleStream(action string, handler StreamFunc) {
	if _, exists := s.streams[action]; exists {
		panic(fmt.Sprintf("server: duplicate stream handler for action %q", action))
	}
	s.streams[action] = handler
}

// Ready is closed once the listener is bound.
func (s *socketServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the resolved listen address, valid after Ready is closed.
func (s *socketServer) Addr() net.Addr {
	return s.addr
}

// serve accepts connections until ctx is cancelled, then waits for
// in-flight handlers to finish. A stale unix socket file at the
// configured path is removed before listening and on return.
func (s *socketServer) serve(ctx context.Context) error {
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.address, err)
		}
	}

	listener, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.address, err)
	}
	defer func() {
		listener.Close()
		if s.network == "unix" {
			os.Remove(s.address)
		}
	}()
	s.addr = listener.Addr()
	close(s.ready)

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("listening", "network", s.network, "address", s.addr.String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

// handleConnection processes one request-response cycle, or hands the
// connection to a stream handler.
func (s *socketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// CBOR is self-delimiting, so no framing is needed for the
	// request. LimitReader keeps a hostile client from exhausting
	// memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Errorf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Errorf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, errors.New("missing required field: action"))
		return
	}

	if s.rateCheck != nil {
		if err := s.rateCheck(header.Action, remoteHost(conn)); err != nil {
			s.writeError(conn, err)
			return
		}
	}

	if stream, exists := s.streams[header.Action]; exists {
		accepted := false
		accept := func() error {
			accepted = true
			s.writeSuccess(conn, nil)
			return conn.SetReadDeadline(time.Time{})
		}
		if err := stream(ctx, []byte(raw), conn, accept); err != nil {
			if accepted {
				s.logger.Debug("stream ended",
					"action", header.Action, "error", err)
			} else {
				s.writeError(conn, err)
			}
		}
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Errorf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err)
		return
	}
	s.writeSuccess(conn, result)
}

// writeError sends a failure response. Structured errors keep their
// kind and retry-after hint; anything else becomes a bare message.
func (s *socketServer) writeError(conn net.Conn, failure error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: false, Error: failure.Error()}
	var apiErr *apierror.Error
	if errors.As(failure, &apiErr) {
		response.Error = apiErr.Message
		response.Kind = string(apiErr.Kind)
		response.RetryAfterMS = apiErr.RetryAfter.Milliseconds()
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *socketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Errorf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

// remoteHost extracts the host part of the peer address for rate
// limit keying. Unix socket peers share one key.
func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
