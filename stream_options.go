package bililive

import (
	"log/slog"
	"time"
)

// streamConfig accumulates Dial options, following a functional-options
// idiom generalized to the stream's full set of pluggable collaborators
// (dialer, clock, logger, policy).
type streamConfig struct {
	retryConfig       RetryConfig
	heartbeatInterval time.Duration
	logger            *slog.Logger
	clock             Clock
	dialer            Dialer
	cookies           string
}

// StreamOption configures Dial.
type StreamOption func(*streamConfig)

// WithRetryConfig overrides the establishment/reconnection backoff
// policy. Default is DefaultRetryConfig().
func WithRetryConfig(cfg RetryConfig) StreamOption {
	return func(c *streamConfig) { c.retryConfig = cfg }
}

// WithHeartbeatInterval overrides how often the heartbeat layer injects a
// heartbeat packet. Default is DefaultHeartbeatInterval (30s).
func WithHeartbeatInterval(d time.Duration) StreamOption {
	return func(c *streamConfig) { c.heartbeatInterval = d }
}

// WithLogger overrides the logger used for room-enter-ack and reconnect
// observability. Default is slog.Default().
func WithLogger(l *slog.Logger) StreamOption {
	return func(c *streamConfig) { c.logger = l }
}

// WithClock overrides the Clock driving heartbeat cadence and reconnect
// backoff. Default is RealClock; tests substitute a fake.
func WithClock(clock Clock) StreamOption {
	return func(c *streamConfig) { c.clock = clock }
}

// WithDialer overrides how the stream opens a raw connection to a
// candidate server. Default is DialWebSocket with no cookies.
func WithDialer(d Dialer) StreamOption {
	return func(c *streamConfig) { c.dialer = d }
}

// WithCookies sets the Cookie header used by the default WebSocket
// dialer. Has no effect if WithDialer is also given.
func WithCookies(cookies string) StreamOption {
	return func(c *streamConfig) { c.cookies = cookies }
}
