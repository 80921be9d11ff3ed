// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/Bazza1982/lily-remote/cmd/lily-remote/cli"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/server"
)

const adminDialTimeout = 10 * time.Second

// adminCall sends one action to the agent's admin socket. The socket
// is reachable only by the local operator; filesystem permissions are
// the authentication.
func adminCall(socket, action string, fields map[string]any, result any) error {
	conn, err := net.DialTimeout("unix", socket, adminDialTimeout)
	if err != nil {
		return fmt.Errorf("dialing admin socket %s: %w", socket, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(adminDialTimeout))

	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("writing admin request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response server.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("reading admin response: %w", err)
	}
	if !response.OK {
		if response.Kind != "" {
			return &apierror.Error{Kind: apierror.Kind(response.Kind), Message: response.Error}
		}
		return fmt.Errorf("%s: %s", action, response.Error)
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding admin response: %w", err)
		}
	}
	return nil
}

func defaultAdminSocket() string {
	if socket := os.Getenv("LILY_ADMIN_SOCKET"); socket != "" {
		return socket
	}
	home, _ := os.UserHomeDir()
	return home + "/.local/state/lily-remote/admin.sock"
}

func adminCommand() *cli.Command {
	var socket string
	flags := func(name string) *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flagSet.StringVar(&socket, "socket", defaultAdminSocket(), "agent admin socket path")
		return flagSet
	}

	// show runs an action and pretty-prints its response.
	show := func(action string, fields func(args []string) (map[string]any, error)) func([]string) error {
		return func(args []string) error {
			var request map[string]any
			if fields != nil {
				var err error
				if request, err = fields(args); err != nil {
					return err
				}
			}
			var response map[string]any
			if err := adminCall(socket, action, request, &response); err != nil {
				return err
			}
			if len(response) == 0 {
				fmt.Println("ok")
				return nil
			}
			return printJSON(os.Stdout, response)
		}
	}

	one := func(key string) func(args []string) (map[string]any, error) {
		return func(args []string) (map[string]any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("exactly one argument required (%s)", key)
			}
			return map[string]any{key: args[0]}, nil
		}
	}

	return &cli.Command{
		Name:    "admin",
		Summary: "Operator actions on the agent's local admin socket.",
		Subcommands: []*cli.Command{
			{
				Name:    "pending",
				Summary: "List pairing requests awaiting approval.",
				Flags:   func() *pflag.FlagSet { return flags("pending") },
				Run:     show("pairing/pending", nil),
			},
			{
				Name:    "approve",
				Summary: "Approve a pairing request.",
				Usage:   "lily-remote admin approve REQUEST_ID MAX_LEVEL [flags]",
				Flags:   func() *pflag.FlagSet { return flags("approve") },
				Run: show("pairing/approve", func(args []string) (map[string]any, error) {
					if len(args) != 2 {
						return nil, fmt.Errorf("usage: admin approve REQUEST_ID MAX_LEVEL (0-4)")
					}
					level, err := strconv.ParseUint(args[1], 10, 8)
					if err != nil || level > 4 {
						return nil, fmt.Errorf("max level must be 0-4, got %q", args[1])
					}
					return map[string]any{
						"request_id": args[0],
						"approved":   true,
						"max_level":  uint8(level),
					}, nil
				}),
			},
			{
				Name:    "deny-pairing",
				Summary: "Deny a pairing request.",
				Flags:   func() *pflag.FlagSet { return flags("deny-pairing") },
				Run: show("pairing/approve", func(args []string) (map[string]any, error) {
					if len(args) != 1 {
						return nil, fmt.Errorf("usage: admin deny-pairing REQUEST_ID")
					}
					return map[string]any{"request_id": args[0], "approved": false}, nil
				}),
			},
			{
				Name:    "sessions",
				Summary: "List active sessions.",
				Flags:   func() *pflag.FlagSet { return flags("sessions") },
				Run:     show("session/list", nil),
			},
			{
				Name:    "authcode",
				Summary: "Read a session's elevation auth code (relay it out-of-band).",
				Usage:   "lily-remote admin authcode SESSION_ID [flags]",
				Flags:   func() *pflag.FlagSet { return flags("authcode") },
				Run:     show("session/authcode", one("session_id")),
			},
			{
				Name:    "approvals",
				Summary: "List commands awaiting approval.",
				Flags:   func() *pflag.FlagSet { return flags("approvals") },
				Run:     show("approval/pending", nil),
			},
			{
				Name:    "grant",
				Summary: "Grant a pending command approval.",
				Usage:   "lily-remote admin grant COMMAND_ID [flags]",
				Flags:   func() *pflag.FlagSet { return flags("grant") },
				Run:     show("approval/grant", one("command_id")),
			},
			{
				Name:    "confirm",
				Summary: "Confirm an armed machine restart with its token.",
				Usage:   "lily-remote admin confirm COMMAND_ID CONFIRM_TOKEN [flags]",
				Flags:   func() *pflag.FlagSet { return flags("confirm") },
				Run: show("approval/confirm", func(args []string) (map[string]any, error) {
					if len(args) != 2 {
						return nil, fmt.Errorf("usage: admin confirm COMMAND_ID CONFIRM_TOKEN")
					}
					return map[string]any{"command_id": args[0], "confirm_token": args[1]}, nil
				}),
			},
			{
				Name:    "deny",
				Summary: "Deny a pending command approval.",
				Usage:   "lily-remote admin deny COMMAND_ID [flags]",
				Flags:   func() *pflag.FlagSet { return flags("deny") },
				Run:     show("approval/deny", one("command_id")),
			},
			{
				Name:    "kill",
				Summary: "Revoke sessions immediately (kill switch).",
				Usage:   "lily-remote admin kill SCOPE [ID] [flags]",
				Flags:   func() *pflag.FlagSet { return flags("kill") },
				Run: show("killswitch", func(args []string) (map[string]any, error) {
					if len(args) == 0 {
						return nil, fmt.Errorf("usage: admin kill session|client|all [ID]")
					}
					fields := map[string]any{"scope": args[0]}
					if len(args) > 1 {
						fields["id"] = args[1]
					}
					return fields, nil
				}),
			},
			{
				Name:    "clients",
				Summary: "List paired clients.",
				Flags:   func() *pflag.FlagSet { return flags("clients") },
				Run:     show("client/list", nil),
			},
			{
				Name:    "revoke",
				Summary: "Revoke a paired client and kill its sessions.",
				Usage:   "lily-remote admin revoke CLIENT_ID [flags]",
				Flags:   func() *pflag.FlagSet { return flags("revoke") },
				Run:     show("client/revoke", one("client_id")),
			},
			{
				Name:    "audit",
				Summary: "Verify or query the audit chain.",
				Subcommands: []*cli.Command{
					{
						Name:    "verify",
						Summary: "Verify the full hash chain.",
						Flags:   func() *pflag.FlagSet { return flags("verify") },
						Run:     show("audit/verify", nil),
					},
					{
						Name:    "query",
						Summary: "Query audit entries by actor.",
						Usage:   "lily-remote admin audit query ACTOR [flags]",
						Flags:   func() *pflag.FlagSet { return flags("query") },
						Run:     show("audit/query", one("actor")),
					},
				},
			},
		},
	}
}
