package bililive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig is the backoff policy for establishment and reconnection.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction, e.g. 0.1 for ±10%
	// MaxAttempts caps consecutive failed connection attempts before the
	// stream ends terminally. Zero means unlimited.
	MaxAttempts int
	// Rand supplies jitter randomness; defaults to a package-level source
	// if nil. Tests can inject a seeded *rand.Rand for determinism, or set
	// Jitter to 0 to disable randomness entirely.
	Rand *rand.Rand
}

// DefaultRetryConfig returns sensible defaults: initial 200ms, max 10s,
// multiplier 2.0, jitter 0.1, unlimited attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  0,
	}
}

// delayFor computes delay(attempt) = min(max_delay, initial_delay *
// multiplier^(attempt-1)) * (1 ± jitter). attempt is 1-indexed (the
// first failure uses attempt=1).
func delayFor(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	nominal := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if maxD := float64(cfg.MaxDelay); maxD > 0 && nominal > maxD {
		nominal = maxD
	}

	if cfg.Jitter <= 0 {
		return time.Duration(nominal)
	}

	r := cfg.Rand
	if r == nil {
		r = defaultJitterRand
	}
	// Uniformly distributed in [-jitter, +jitter] of nominal.
	offset := (r.Float64()*2 - 1) * cfg.Jitter * nominal
	return time.Duration(nominal + offset)
}

var defaultJitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// RetryContext is the per-stream mutable state carried across reconnects:
// attempt count, server rotation cursor, and the last failure observed.
// It is written only by the reconnect loop; RetryingStream.RetryContext
// hands it to other goroutines, so access is mutex-guarded.
type RetryContext struct {
	mu      sync.Mutex
	attempt int
	cursor  int
	lastErr error
}

func (c *RetryContext) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *RetryContext) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// nextServer returns servers[cursor % len(servers)] and advances cursor,
// mod len(servers). The cursor advances on every establishment attempt,
// successful or not.
func (c *RetryContext) nextServer(servers []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := servers[c.cursor%len(servers)]
	c.cursor = (c.cursor + 1) % len(servers)
	return s
}

func (c *RetryContext) recordFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	c.lastErr = err
	return c.attempt
}

func (c *RetryContext) resetAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
}

// RetryingStream composes the frame adapter, heartbeat layer, and session
// driver behind establishment/reconnection policy (C5). It is a
// DuplexStream itself: Send/Recv forward to whichever connection is
// currently live, and Recv transparently reconnects on transport failure
// instead of ending the stream.
//
// Chosen error-visibility policy: transport errors are surfaced as a
// *StreamError on Recv and the stream keeps running — the caller is
// expected to call Recv again. Only ErrMaxRetriesExceeded is terminal;
// after that, Recv returns ErrStreamClosed forever.
type RetryingStream struct {
	cfg       *SessionConfig
	retryCfg  RetryConfig
	retryCtx  *RetryContext
	dial      Dialer
	clock     Clock
	logger    *slog.Logger
	heartbeat time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	current          DuplexStream
	closed           bool
	firstRecvPending bool
}

// NewRetryingStream performs the initial connection synchronously (the
// Connecting state) and returns once Connected or once establishment has
// exhausted retryCfg.MaxAttempts.
func NewRetryingStream(parent context.Context, cfg *SessionConfig, retryCfg RetryConfig, dial Dialer, clock Clock, heartbeatInterval time.Duration, logger *slog.Logger) (*RetryingStream, error) {
	if clock == nil {
		clock = RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(parent)
	rs := &RetryingStream{
		cfg:       cfg,
		retryCfg:  retryCfg,
		retryCtx:  &RetryContext{},
		dial:      dial,
		clock:     clock,
		logger:    logger,
		heartbeat: heartbeatInterval,
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := rs.connectLoop(ctx); err != nil {
		cancel()
		return nil, err
	}
	return rs, nil
}

// connectLoop implements the Connecting/Reconnecting state: pick the
// next server by rotation, attempt a connection, and on failure sleep
// the backoff delay before trying the next server. It
// returns nil once Connected, or ErrMaxRetriesExceeded / ctx.Err() when
// retrying is no longer possible.
func (rs *RetryingStream) connectLoop(ctx context.Context) error {
	servers := rs.cfg.Servers()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		server := rs.retryCtx.nextServer(servers)
		attempt := rs.retryCtx.Attempt()
		rs.logger.Debug("connecting", "attempt", attempt, "server", server)

		stream, err := rs.establish(ctx, server)
		if err == nil {
			rs.mu.Lock()
			rs.current = stream
			rs.firstRecvPending = true
			rs.mu.Unlock()
			return nil
		}

		attempt = rs.retryCtx.recordFailure(err)
		if rs.retryCfg.MaxAttempts > 0 && attempt >= rs.retryCfg.MaxAttempts {
			return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
		}

		delay := delayFor(rs.retryCfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rs.clock.After(delay):
		}
	}
}

func (rs *RetryingStream) establish(ctx context.Context, server string) (DuplexStream, error) {
	raw, err := rs.dial(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, server, err)
	}

	pd := newPacketDuplex(raw)
	hb := NewHeartbeatStream(pd, rs.heartbeat, rs.clock)
	sess, err := NewSessionStream(ctx, hb, rs.cfg, rs.logger)
	if err != nil {
		hb.Close()
		return nil, err
	}

	return sess, nil
}

// Recv returns the next decoded packet. On transport failure it triggers
// a reconnect internally (rotating to the next server) and returns a
// transient *StreamError describing the failure — the underlying
// connection stays usable; call Recv again to keep consuming packets.
// Parse/protocol errors are forwarded unchanged without triggering a
// reconnect, since the connection itself is still healthy.
func (rs *RetryingStream) Recv(ctx context.Context) (*Packet, error) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil, ErrStreamClosed
	}
	cur := rs.current
	rs.mu.Unlock()

	pkt, err := cur.Recv(ctx)
	if err == nil {
		rs.mu.Lock()
		if rs.firstRecvPending {
			rs.firstRecvPending = false
			rs.retryCtx.resetAttempts()
		}
		rs.mu.Unlock()
		return pkt, nil
	}

	if isNonFatalParseError(err) {
		return nil, err
	}

	cur.Close()
	rs.mu.Lock()
	rs.current = nil
	rs.mu.Unlock()

	if reErr := rs.connectLoop(rs.ctx); reErr != nil {
		rs.mu.Lock()
		rs.closed = true
		rs.mu.Unlock()
		return nil, reErr
	}

	return nil, &StreamError{Err: err}
}

func isNonFatalParseError(err error) bool {
	return errors.Is(err, ErrUnknownProtocol) ||
		errors.Is(err, ErrMalformedPacket) ||
		errors.Is(err, ErrJSONBody) ||
		errors.Is(err, ErrInt32BEBody) ||
		errors.Is(err, ErrZlib) ||
		errors.Is(err, ErrBrotli)
}

// Send forwards pkt to the currently live connection. If a reconnect is
// in flight (current is nil) it returns a transient *StreamError
// immediately rather than blocking until reconnection completes.
func (rs *RetryingStream) Send(ctx context.Context, pkt *Packet) error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrStreamClosed
	}
	cur := rs.current
	rs.mu.Unlock()

	if cur == nil {
		return &StreamError{Err: fmt.Errorf("%w: reconnect in progress", ErrTransport)}
	}
	return cur.Send(ctx, pkt)
}

// Close cancels any in-flight reconnect sleep, stops new attempts from
// firing, and closes the underlying connection. Safe to call more than
// once.
func (rs *RetryingStream) Close() error {
	rs.cancel()

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	cur := rs.current
	rs.current = nil
	rs.mu.Unlock()

	if cur != nil {
		return cur.Close()
	}
	return nil
}

// RetryContext exposes the stream's rotation/attempt bookkeeping, mainly
// for observability and tests.
func (rs *RetryingStream) RetryContext() *RetryContext { return rs.retryCtx }
