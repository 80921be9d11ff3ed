// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Bazza1982/lily-remote/client"
	"github.com/Bazza1982/lily-remote/cmd/lily-remote/cli"
	"github.com/Bazza1982/lily-remote/lib/apierror"
)

// approvalPollInterval paces the confirm retries while the pairing
// request waits on the agent operator.
const approvalPollInterval = 2 * time.Second

func pairCommand() *cli.Command {
	var (
		agent    string
		stateDir string
		name     string
		timeout  time.Duration
	)
	return &cli.Command{
		Name:    "pair",
		Summary: "Pair this controller with an agent.",
		Usage:   "lily-remote pair --agent HOST:PORT [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("pair", pflag.ContinueOnError)
			flags.StringVar(&agent, "agent", "127.0.0.1:7600", "agent address")
			flags.StringVar(&stateDir, "state", defaultStateDir(), "controller state directory")
			flags.StringVar(&name, "name", hostname(), "display name shown to the agent operator")
			flags.DurationVar(&timeout, "timeout", 90*time.Second, "how long to wait for operator approval")
			return flags
		},
		Run: func(args []string) error {
			return pair(agent, stateDir, name, timeout)
		},
	}
}

func pair(agent, stateDir, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Reuse the saved identity when re-pairing (after a revocation or
	// an agent reinstall); generate a fresh one on first contact.
	identity, err := client.LoadIdentity(stateDir)
	if err != nil {
		if identity, err = client.GenerateIdentity(); err != nil {
			return err
		}
	}
	defer identity.Close()

	controller := client.New(agent)
	requestID, err := controller.RequestPairing(ctx, identity, name)
	if apierror.HasKind(err, apierror.KindConflict) {
		// A stale pending request for this key was just superseded;
		// the retry gets a fresh challenge.
		requestID, err = controller.RequestPairing(ctx, identity, name)
	}
	if err != nil {
		return fmt.Errorf("requesting pairing: %w", err)
	}
	fmt.Printf("pairing requested (%s); waiting for operator approval on the agent...\n", requestID)

	// The confirm call fails with Conflict while the request is still
	// pending operator approval; poll until it resolves or the
	// request expires.
	var paired *client.Pairing
	for {
		paired, err = controller.Confirm(ctx, identity, requestID)
		if err == nil {
			break
		}
		if !apierror.HasKind(err, apierror.KindConflict) {
			return fmt.Errorf("confirming pairing: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing not approved within %s", timeout)
		case <-time.After(approvalPollInterval):
		}
	}

	if err := client.SaveIdentity(stateDir, identity); err != nil {
		return fmt.Errorf("saving controller identity: %w", err)
	}
	if err := savePairing(stateDir, &pairingState{
		Agent:      agent,
		ClientID:   paired.ClientID,
		Credential: paired.Credential,
		MaxLevel:   paired.MaxLevel,
	}); err != nil {
		return fmt.Errorf("saving pairing: %w", err)
	}

	fmt.Printf("paired as %s (max level L%d)\n", paired.ClientID, paired.MaxLevel)
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "lily-remote"
	}
	return name
}
