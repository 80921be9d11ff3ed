// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Bazza1982/lily-remote/client"
	"github.com/Bazza1982/lily-remote/cmd/lily-remote/cli"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/queue"
)

// withSession opens a session from the persisted pairing, runs fn,
// and ends the session. Sessions are deliberately per-invocation: the
// agent bounds their lifetime and every one is audited, so holding one
// open across CLI calls buys nothing.
func withSession(ctx context.Context, stateDir string, fn func(*client.Session) error) error {
	state, err := loadPairing(stateDir)
	if err != nil {
		return err
	}
	controller := client.New(state.Agent)
	sess, err := controller.StartSession(ctx, state.ClientID, state.Credential)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.End(context.Background())
	return fn(sess)
}

func sendCommand() *cli.Command {
	var (
		stateDir string
		authCode string
		wait     bool
		timeout  time.Duration
	)
	return &cli.Command{
		Name:    "send",
		Summary: "Submit a command to the agent.",
		Usage:   "lily-remote send TYPE [key=value ...] [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flags.StringVar(&stateDir, "state", defaultStateDir(), "controller state directory")
			flags.StringVar(&authCode, "auth-code", "", "auth code for input-tier elevation")
			flags.BoolVar(&wait, "wait", true, "wait for the command to finish")
			flags.DurationVar(&timeout, "timeout", 3*time.Minute, "overall timeout")
			return flags
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("command type required (e.g. 'send click x=100 y=200')")
			}
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return withSession(ctx, stateDir, func(sess *client.Session) error {
				return send(ctx, sess, authCode, args[0], params, wait)
			})
		},
	}
}

func send(ctx context.Context, sess *client.Session, authCode, commandType string,
	params map[string]any, wait bool) error {
	summaries, err := sess.Submit(ctx, authCode, queue.Request{
		Type:       commandType,
		Parameters: params,
	})
	if err != nil {
		return err
	}
	summary := summaries[0]
	if !wait {
		fmt.Printf("%s queued as %s (sequence %d)\n",
			summary.Type, summary.CommandID, summary.SequenceNumber)
		return nil
	}

	cmd, err := awaitCommand(ctx, sess, summary.CommandID)
	if err != nil {
		return err
	}
	return printCommand(cmd)
}

// awaitCommand polls the query endpoint until the command reaches a
// terminal status.
func awaitCommand(ctx context.Context, sess *client.Session, commandID string) (*queue.Command, error) {
	// A second per poll stays well inside the session's request
	// window even across a full approval wait.
	wait := time.Second
	for {
		commands, err := sess.Query(ctx, commandID)
		switch {
		case apierror.HasKind(err, apierror.KindRateLimited):
			var apiErr *apierror.Error
			if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
				wait = apiErr.RetryAfter
			}
		case err != nil:
			return nil, err
		case len(commands) == 1 && commands[0].Status.Terminal():
			return &commands[0], nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("command %s still pending: %w", commandID, ctx.Err())
		case <-time.After(wait):
			wait = time.Second
		}
	}
}

func printCommand(cmd *queue.Command) error {
	if cmd.Status == queue.StatusSucceeded {
		fmt.Printf("%s %s succeeded\n", cmd.CommandID, cmd.Type)
		if len(cmd.Result) > 0 {
			return printJSON(os.Stdout, cmd.Result)
		}
		return nil
	}
	return fmt.Errorf("%s %s %s: %s (%s)",
		cmd.CommandID, cmd.Type, cmd.Status, cmd.ErrorMessage, cmd.ErrorKind)
}

func statusCommand() *cli.Command {
	var stateDir string
	return &cli.Command{
		Name:    "status",
		Summary: "Query session command status.",
		Usage:   "lily-remote status [COMMAND_ID] [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&stateDir, "state", defaultStateDir(), "controller state directory")
			return flags
		},
		Run: func(args []string) error {
			commandID := ""
			if len(args) > 0 {
				commandID = args[0]
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return withSession(ctx, stateDir, func(sess *client.Session) error {
				commands, err := sess.Query(ctx, commandID)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, commands)
			})
		},
	}
}

// parseParams turns key=value arguments into command parameters.
// Values that parse as integers are sent as numbers; everything else
// is sent as a string. List-valued parameters (hotkey keys) take
// comma-separated values.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed parameter %q (want key=value)", arg)
		}
		switch {
		case strings.Contains(value, ","):
			params[key] = strings.Split(value, ",")
		default:
			if n, err := strconv.Atoi(value); err == nil {
				params[key] = n
			} else {
				params[key] = value
			}
		}
	}
	return params, nil
}

func printJSON(w *os.File, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
