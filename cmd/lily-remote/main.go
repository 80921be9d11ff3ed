// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Lily-remote is the controller-side CLI for the Lily rescue channel.
// It pairs with an agent, opens short-lived sessions to submit
// commands, watches the event stream, and drives the agent's admin
// socket for operator actions.
package main

import (
	"fmt"
	"os"

	"github.com/Bazza1982/lily-remote/cmd/lily-remote/cli"
	"github.com/Bazza1982/lily-remote/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

func root() *cli.Command {
	return &cli.Command{
		Name:    "lily-remote",
		Summary: "Controller for the Lily machine rescue channel.",
		Subcommands: []*cli.Command{
			pairCommand(),
			sendCommand(),
			statusCommand(),
			screenCommand(),
			watchCommand(),
			adminCommand(),
			{
				Name:    "version",
				Summary: "Print version information.",
				Run: func(args []string) error {
					version.Print("lily-remote")
					return nil
				},
			},
		},
	}
}
