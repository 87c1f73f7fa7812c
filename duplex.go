package bililive

import (
	"context"
	"time"
)

// DuplexStream is a bidirectional source/sink of decoded packets. Each of
// the component layers (frame adapter, heartbeat layer, session driver,
// retrying stream) wraps one DuplexStream and presents another, so they
// compose: raw transport → frame adapter → heartbeat layer → session
// driver → retrying stream → application.
type DuplexStream interface {
	// Send writes a packet, blocking until the underlying transport accepts
	// it or ctx is done.
	Send(ctx context.Context, pkt *Packet) error
	// Recv reads the next decoded packet, blocking until one is available,
	// an error occurs, or ctx is done.
	Recv(ctx context.Context) (*Packet, error)
	// Close releases the underlying transport. Safe to call more than once.
	Close() error
}

// RawDuplex is the transport layer beneath the frame adapter: whole
// WebSocket messages in, whole WebSocket messages out. A frame may decode
// into more than one Packet (batch fan-out); RawDuplex itself knows
// nothing about packets.
type RawDuplex interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a RawDuplex to one candidate server URL. The
// retrying stream (C5) calls Dialer once per connection attempt.
type Dialer func(ctx context.Context, url string) (RawDuplex, error)

// Clock abstracts time so the heartbeat layer and retry backoff can be
// driven deterministically in tests instead of sleeping in real time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock is the production Clock, backed by the time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the default Clock used when none is supplied via options.
var RealClock Clock = realClock{}
