// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/lib/apierror"
)

func testFrame(sequence int) driver.Frame {
	return driver.Frame{
		CapturedAt: time.Unix(1700000000, 0).Add(time.Duration(sequence) * time.Second),
		Width:      1920,
		Height:     1080,
		Format:     "png",
		Data:       []byte(fmt.Sprintf("frame-%d", sequence)),
	}
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return event
}

func TestSubscribeOnePerSession(t *testing.T) {
	b := NewBroadcaster(Config{})

	if _, err := b.Subscribe("s-1"); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	_, err := b.Subscribe("s-1")
	if !apierror.HasKind(err, apierror.KindConflict) {
		t.Fatalf("second Subscribe error = %v, want conflict", err)
	}

	// A different session is unaffected.
	if _, err := b.Subscribe("s-2"); err != nil {
		t.Fatalf("Subscribe other session: %v", err)
	}

	// After unsubscribing, the session can subscribe again.
	b.Unsubscribe("s-1")
	if _, err := b.Subscribe("s-1"); err != nil {
		t.Fatalf("re-Subscribe after Unsubscribe: %v", err)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := NewBroadcaster(Config{})
	if _, err := b.Subscribe("s-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Unsubscribe("s-1")
	b.Unsubscribe("s-1")
	b.Unsubscribe("never-subscribed")
}

func TestFrameRoundTrip(t *testing.T) {
	b := NewBroadcaster(Config{})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.PublishFrame("s-1", testFrame(1)); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}

	event := nextEvent(t, sub)
	if event.Kind != KindFrame {
		t.Fatalf("Kind = %v, want frame", event.Kind)
	}
	frame, err := DecodeFrame(event.Payload)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Width != 1920 || frame.Height != 1080 {
		t.Errorf("dimensions = %dx%d, want 1920x1080", frame.Width, frame.Height)
	}
	if string(frame.Data) != "frame-1" {
		t.Errorf("Data = %q, want frame-1", frame.Data)
	}
	if frame.CapturedAt != testFrame(1).CapturedAt.UnixMilli() {
		t.Errorf("CapturedAt = %d", frame.CapturedAt)
	}
}

func TestFrameRingDropsOldest(t *testing.T) {
	b := NewBroadcaster(Config{FrameBuffer: 3})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 1; i <= 5; i++ {
		if err := b.PublishFrame("s-1", testFrame(i)); err != nil {
			t.Fatalf("PublishFrame %d: %v", i, err)
		}
	}

	// Frames 1 and 2 were evicted; 3, 4, 5 remain in order.
	for want := 3; want <= 5; want++ {
		event := nextEvent(t, sub)
		frame, err := DecodeFrame(event.Payload)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if got := string(frame.Data); got != fmt.Sprintf("frame-%d", want) {
			t.Errorf("frame data = %q, want frame-%d", got, want)
		}
	}
}

func TestControlEventsNeverDropped(t *testing.T) {
	b := NewBroadcaster(Config{FrameBuffer: 2})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Queue far more control events than the frame ring would hold.
	const total = 50
	for i := 0; i < total; i++ {
		err := b.PublishCommandDone("s-1", CommandDone{
			CommandID: fmt.Sprintf("cmd-%d", i),
			Status:    "succeeded",
		})
		if err != nil {
			t.Fatalf("PublishCommandDone %d: %v", i, err)
		}
	}

	for i := 0; i < total; i++ {
		event := nextEvent(t, sub)
		if event.Kind != KindCommandDone {
			t.Fatalf("Kind = %v, want command_done", event.Kind)
		}
		done, err := DecodeCommandDone(event.Payload)
		if err != nil {
			t.Fatalf("DecodeCommandDone: %v", err)
		}
		if want := fmt.Sprintf("cmd-%d", i); done.CommandID != want {
			t.Errorf("CommandID = %q, want %q", done.CommandID, want)
		}
	}
}

func TestControlDeliveredBeforeFrames(t *testing.T) {
	b := NewBroadcaster(Config{})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.PublishFrame("s-1", testFrame(1)); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if err := b.PublishCommandDone("s-1", CommandDone{CommandID: "cmd-1", Status: "failed"}); err != nil {
		t.Fatalf("PublishCommandDone: %v", err)
	}

	first := nextEvent(t, sub)
	if first.Kind != KindCommandDone {
		t.Fatalf("first event Kind = %v, want command_done", first.Kind)
	}
	second := nextEvent(t, sub)
	if second.Kind != KindFrame {
		t.Fatalf("second event Kind = %v, want frame", second.Kind)
	}
}

func TestPublishWithoutSubscriptionDiscards(t *testing.T) {
	b := NewBroadcaster(Config{})
	if err := b.PublishFrame("ghost", testFrame(1)); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if err := b.PublishCommandDone("ghost", CommandDone{CommandID: "cmd-1"}); err != nil {
		t.Fatalf("PublishCommandDone: %v", err)
	}
}

func TestRevokeDeliversFinalEvent(t *testing.T) {
	b := NewBroadcaster(Config{})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Revoke("s-1", "kill_switch")

	event := nextEvent(t, sub)
	if event.Kind != KindSessionRevoked {
		t.Fatalf("Kind = %v, want session_revoked", event.Kind)
	}
	revoked, err := DecodeSessionRevoked(event.Payload)
	if err != nil {
		t.Fatalf("DecodeSessionRevoked: %v", err)
	}
	if revoked.SessionID != "s-1" || revoked.Reason != "kill_switch" {
		t.Errorf("payload = %+v", revoked)
	}

	// The subscription is closed once the final event is drained.
	_, err = sub.Next(context.Background())
	if err != ErrSubscriptionClosed {
		t.Fatalf("Next after revoke = %v, want ErrSubscriptionClosed", err)
	}

	// The session slot is free again.
	if _, err := b.Subscribe("s-1"); err != nil {
		t.Fatalf("Subscribe after Revoke: %v", err)
	}
}

func TestRevokeWithoutSubscription(t *testing.T) {
	b := NewBroadcaster(Config{})
	b.Revoke("ghost", "kill_switch")
}

func TestNextHonorsContext(t *testing.T) {
	b := NewBroadcaster(Config{})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.Next(ctx); err != context.Canceled {
		t.Fatalf("Next = %v, want context.Canceled", err)
	}
}

func TestNextDrainsAfterClose(t *testing.T) {
	b := NewBroadcaster(Config{})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.PublishCommandDone("s-1", CommandDone{CommandID: "cmd-1", Status: "succeeded"}); err != nil {
		t.Fatalf("PublishCommandDone: %v", err)
	}
	b.Unsubscribe("s-1")

	event := nextEvent(t, sub)
	if event.Kind != KindCommandDone {
		t.Fatalf("Kind = %v, want command_done", event.Kind)
	}
	if _, err := sub.Next(context.Background()); err != ErrSubscriptionClosed {
		t.Fatalf("Next = %v, want ErrSubscriptionClosed", err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	b := NewBroadcaster(Config{})
	sub, err := b.Subscribe("s-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.PublishFrame("s-1", testFrame(1)); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if err := b.PublishForegroundChanged("s-1", "Recovery Console"); err != nil {
		t.Fatalf("PublishForegroundChanged: %v", err)
	}

	var buf bytes.Buffer
	for i := 0; i < 2; i++ {
		if err := WriteEvent(&buf, nextEvent(t, sub)); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}

	first, err := ReadEvent(&buf)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if first.Kind != KindForegroundChanged {
		t.Fatalf("first Kind = %v, want foreground_changed", first.Kind)
	}
	changed, err := DecodeForegroundChanged(first.Payload)
	if err != nil {
		t.Fatalf("DecodeForegroundChanged: %v", err)
	}
	if changed.Title != "Recovery Console" {
		t.Errorf("Title = %q", changed.Title)
	}

	second, err := ReadEvent(&buf)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if second.Kind != KindFrame {
		t.Fatalf("second Kind = %v, want frame", second.Kind)
	}
	frame, err := DecodeFrame(second.Payload)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if string(frame.Data) != "frame-1" {
		t.Errorf("Data = %q", frame.Data)
	}

	if _, err := ReadEvent(&buf); err != io.EOF {
		t.Fatalf("ReadEvent at end = %v, want io.EOF", err)
	}
}

func TestReadEventRejectsOversizedPayload(t *testing.T) {
	var header [5]byte
	header[0] = byte(KindFrame)
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	header[4] = 0xFF
	if _, err := ReadEvent(bytes.NewReader(header[:])); err == nil {
		t.Fatal("ReadEvent accepted oversized payload length")
	}
}
