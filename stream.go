// Package bililive implements the streaming transport stack for
// Bilibili's live-room danmaku feed: a binary packet codec, a frame
// adapter that demultiplexes batched/compressed frames, a heartbeat
// layer, a room-enter session driver, and a reconnecting duplex stream
// that composes all of the above into a resilient source/sink of decoded
// packets. See SPEC_FULL.md for the full component breakdown.
//
// The HTTP-based config builder that discovers server lists and tokens
// lives in the sibling builder package; this package only consumes the
// resulting SessionConfig.
package bililive

import (
	"context"
	"log/slog"
)

// Stream is the public entry point: a reconnecting, packet-framed,
// heartbeating, room-joined WebSocket stream to one Bilibili live room.
type Stream struct {
	*RetryingStream
}

// Dial connects to one of cfg's candidate servers, performs the room-enter
// handshake, and returns a Stream ready for Recv/Send. It blocks until
// either the connection succeeds or establishment exhausts the configured
// RetryConfig.MaxAttempts.
func Dial(ctx context.Context, cfg *SessionConfig, opts ...StreamOption) (*Stream, error) {
	sc := streamConfig{
		retryConfig:       DefaultRetryConfig(),
		heartbeatInterval: DefaultHeartbeatInterval,
		logger:            slog.Default(),
		clock:             RealClock,
	}
	for _, o := range opts {
		o(&sc)
	}

	dialer := sc.dialer
	if dialer == nil {
		dialer = DialWebSocket(sc.cookies)
	}

	rs, err := NewRetryingStream(ctx, cfg.Clone(), sc.retryConfig, dialer, sc.clock, sc.heartbeatInterval, sc.logger)
	if err != nil {
		return nil, err
	}
	return &Stream{rs}, nil
}
