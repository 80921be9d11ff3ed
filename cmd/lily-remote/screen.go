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
)

func screenCommand() *cli.Command {
	var stateDir string
	var out string
	flags := func(name string) *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flagSet.StringVar(&stateDir, "state", defaultStateDir(), "controller state directory")
		return flagSet
	}
	return &cli.Command{
		Name:    "screen",
		Summary: "Inspect the agent's screen.",
		Subcommands: []*cli.Command{
			{
				Name:    "info",
				Summary: "Print screen geometry and format.",
				Flags:   func() *pflag.FlagSet { return flags("info") },
				Run: func(args []string) error {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					return withSession(ctx, stateDir, func(sess *client.Session) error {
						info, err := sess.ScreenInfo(ctx)
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, info)
					})
				},
			},
			{
				Name:    "capture",
				Summary: "Capture the screen to a file.",
				Usage:   "lily-remote screen capture --out FILE [flags]",
				Flags: func() *pflag.FlagSet {
					flagSet := flags("capture")
					flagSet.StringVar(&out, "out", "screen.png", "output file")
					return flagSet
				},
				Run: func(args []string) error {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					return withSession(ctx, stateDir, func(sess *client.Session) error {
						capture, err := sess.CaptureScreen(ctx)
						if err != nil {
							return err
						}
						if err := os.WriteFile(out, capture.Data, 0o600); err != nil {
							return err
						}
						fmt.Printf("captured %dx%d %s frame to %s (%d bytes)\n",
							capture.Width, capture.Height, capture.Format, out, len(capture.Data))
						return nil
					})
				},
			},
		},
	}
}
