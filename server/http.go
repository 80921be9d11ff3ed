// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// healthServer exposes liveness and readiness over plain HTTP for
// supervisors and load balancers. It carries no session data and no
// control surface.
type healthServer struct {
	address string
	server  *Server
	logger  *slog.Logger

	ready chan struct{}
	addr  net.Addr
}

func newHealthServer(address string, server *Server, logger *slog.Logger) *healthServer {
	return &healthServer{
		address: address,
		server:  server,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

func (h *healthServer) serve(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet)

	listener, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.address, err)
	}
	h.addr = listener.Addr()
	close(h.ready)

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	h.logger.Info("listening", "network", "tcp", "address", listener.Addr().String())

	serveDone := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	return nil
}

func (h *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   h.server.clock.Now().Unix(),
	})
}

// handleReady reports ready once the control listeners are bound and
// the audit chain verifies.
func (h *healthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.server.public.Ready():
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}

	if _, err := h.server.audit.VerifyChain(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "audit chain unverifiable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
