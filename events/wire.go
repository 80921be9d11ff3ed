// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/lib/codec"
)

// The event stream wire format is a sequence of frames:
//
//	[1 byte kind][4 bytes big-endian payload length][payload]
//
// Frame payloads are zstd-compressed CBOR; control payloads are
// plain CBOR.

// MaxPayloadSize bounds a single event payload on the wire. Reads
// exceeding it fail rather than allocate unboundedly.
const MaxPayloadSize = 16 << 20

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder
// are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("events: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("events: zstd decoder initialization failed: " + err.Error())
	}
}

// WriteEvent writes one event to the stream in the framed wire
// format.
func WriteEvent(w io.Writer, event Event) error {
	if len(event.Payload) > MaxPayloadSize {
		return fmt.Errorf("events: payload %d bytes exceeds limit", len(event.Payload))
	}

	var header [5]byte
	header[0] = byte(event.Kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(event.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("events: write header: %w", err)
	}
	if _, err := w.Write(event.Payload); err != nil {
		return fmt.Errorf("events: write payload: %w", err)
	}
	return nil
}

// ReadEvent reads one event from the stream. It returns io.EOF when
// the stream ends cleanly at a frame boundary.
func ReadEvent(r io.Reader) (Event, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("events: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayloadSize {
		return Event{}, fmt.Errorf("events: payload %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Event{}, fmt.Errorf("events: read payload: %w", err)
	}
	return Event{Kind: Kind(header[0]), Payload: payload}, nil
}

// encodeFrame converts a captured frame into its wire payload:
// CBOR-encoded then zstd-compressed.
func encodeFrame(frame driver.Frame) ([]byte, error) {
	body, err := codec.Marshal(FramePayload{
		CapturedAt: frame.CapturedAt.UnixMilli(),
		Width:      frame.Width,
		Height:     frame.Height,
		Format:     frame.Format,
		Data:       frame.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("events: encode frame: %w", err)
	}
	return zstdEncoder.EncodeAll(body, nil), nil
}

// DecodeFrame decompresses and decodes a frame event payload.
func DecodeFrame(payload []byte) (*FramePayload, error) {
	body, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("events: decompress frame: %w", err)
	}
	var frame FramePayload
	if err := codec.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("events: decode frame: %w", err)
	}
	return &frame, nil
}

// DecodeCommandDone decodes a command_done event payload.
func DecodeCommandDone(payload []byte) (*CommandDone, error) {
	var done CommandDone
	if err := codec.Unmarshal(payload, &done); err != nil {
		return nil, fmt.Errorf("events: decode command_done: %w", err)
	}
	return &done, nil
}

// DecodeForegroundChanged decodes a foreground_changed event payload.
func DecodeForegroundChanged(payload []byte) (*ForegroundChanged, error) {
	var changed ForegroundChanged
	if err := codec.Unmarshal(payload, &changed); err != nil {
		return nil, fmt.Errorf("events: decode foreground_changed: %w", err)
	}
	return &changed, nil
}

// DecodeSessionRevoked decodes a session_revoked event payload.
func DecodeSessionRevoked(payload []byte) (*SessionRevoked, error) {
	var revoked SessionRevoked
	if err := codec.Unmarshal(payload, &revoked); err != nil {
		return nil, fmt.Errorf("events: decode session_revoked: %w", err)
	}
	return &revoked, nil
}
