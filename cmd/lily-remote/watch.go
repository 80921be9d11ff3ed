// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Bazza1982/lily-remote/client"
	"github.com/Bazza1982/lily-remote/cmd/lily-remote/cli"
	"github.com/Bazza1982/lily-remote/events"
)

func watchCommand() *cli.Command {
	var (
		stateDir string
		frameDir string
	)
	return &cli.Command{
		Name:    "watch",
		Summary: "Stream events from the agent until interrupted.",
		Usage:   "lily-remote watch [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flags.StringVar(&stateDir, "state", defaultStateDir(), "controller state directory")
			flags.StringVar(&frameDir, "frames", "", "directory to write received screen frames (discarded if empty)")
			return flags
		},
		Run: func(args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withSession(ctx, stateDir, func(sess *client.Session) error {
				return watch(ctx, sess, frameDir)
			})
		},
	}
}

func watch(ctx context.Context, sess *client.Session, frameDir string) error {
	stream, err := sess.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Close the stream when interrupted so the blocking Next returns.
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	frames := 0
	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			fmt.Println("stream closed by agent")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printEvent(event, frameDir, &frames); err != nil {
			return err
		}
	}
}

func printEvent(event events.Event, frameDir string, frames *int) error {
	stamp := time.Now().Format(time.TimeOnly)
	switch event.Kind {
	case events.KindFrame:
		frame, err := events.DecodeFrame(event.Payload)
		if err != nil {
			return err
		}
		fmt.Printf("%s frame %dx%d %s (%d bytes)\n",
			stamp, frame.Width, frame.Height, frame.Format, len(frame.Data))
		if frameDir != "" {
			*frames++
			name := filepath.Join(frameDir, fmt.Sprintf("frame-%06d.%s", *frames, frame.Format))
			if err := os.WriteFile(name, frame.Data, 0o600); err != nil {
				return err
			}
		}
	case events.KindCommandDone:
		done, err := events.DecodeCommandDone(event.Payload)
		if err != nil {
			return err
		}
		if done.ErrorKind != "" {
			fmt.Printf("%s command %s %s: %s (%s)\n",
				stamp, done.CommandID, done.Status, done.ErrorMessage, done.ErrorKind)
		} else {
			fmt.Printf("%s command %s %s\n", stamp, done.CommandID, done.Status)
		}
	case events.KindForegroundChanged:
		changed, err := events.DecodeForegroundChanged(event.Payload)
		if err != nil {
			return err
		}
		fmt.Printf("%s foreground window: %s\n", stamp, changed.Title)
	case events.KindSessionRevoked:
		revoked, err := events.DecodeSessionRevoked(event.Payload)
		if err != nil {
			return err
		}
		fmt.Printf("%s session %s revoked: %s\n", stamp, revoked.SessionID, revoked.Reason)
	default:
		fmt.Printf("%s unknown event kind %d (%d bytes)\n", stamp, event.Kind, len(event.Payload))
	}
	return nil
}
