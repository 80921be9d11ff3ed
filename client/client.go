// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the controller-side library for the agent's
// control channel: pairing, session lifecycle, command submission,
// and the event stream. Each call opens one connection, matching the
// server's one-request-per-connection model; only the event stream
// holds a connection open.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/server"
)

// dialTimeout covers only the connect phase of a call.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a response
// after writing the request. Commands are acknowledged at admission,
// not completion, so this does not need to cover execution time.
const responseReadTimeout = 45 * time.Second

// maxResponseSize matches the server's request bound, plus headroom
// for a screen capture riding in a response.
const maxResponseSize = 32 * 1024 * 1024

// Controller talks to one agent. Not safe for concurrent pairing
// handshakes; session calls are independent.
type Controller struct {
	address string

	// challenges holds pairing challenges between pair/request and
	// pair/confirm, keyed by request ID.
	challenges map[string][]byte
}

// New creates a Controller for the agent at the given TCP address.
func New(address string) *Controller {
	return &Controller{address: address}
}

// Call sends one action request and decodes the response data into
// result (when result is non-nil and data is present).
//
// Failure responses carrying a structured kind come back as
// *apierror.Error, so callers can match on apierror.HasKind exactly
// as they would against the in-process engines.
func (c *Controller) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.address, err)
	}

	if !response.OK {
		return responseError(action, response)
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// send connects, writes the request, and reads the response envelope.
func (c *Controller) send(ctx context.Context, request any) (*server.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	// Half-close so the server's reader sees EOF cleanly. CBOR is
	// self-delimiting, so this is a courtesy, not a requirement.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response server.Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

func (c *Controller) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return conn, nil
}

// responseError converts a failure envelope back into an error. A
// structured kind restores the *apierror.Error; anything else becomes
// a plain error naming the action.
func responseError(action string, response *server.Response) error {
	if response.Kind != "" {
		return &apierror.Error{
			Kind:       apierror.Kind(response.Kind),
			Message:    response.Error,
			RetryAfter: time.Duration(response.RetryAfterMS) * time.Millisecond,
		}
	}
	return fmt.Errorf("agent error on %q: %s", action, response.Error)
}
