package bililive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForExponentialBackoffNoJitter(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0}
	assert.Equal(t, 100*time.Millisecond, delayFor(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, delayFor(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, delayFor(cfg, 3))
}

func TestDelayForClampsToMaxDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2, Jitter: 0}
	assert.Equal(t, 300*time.Millisecond, delayFor(cfg, 10))
}

func TestDelayForJitterStaysWithinBounds(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 1, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		d := delayFor(cfg, 1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second+100*time.Millisecond)
	}
}

func TestRetryContextNextServerRoundRobin(t *testing.T) {
	c := &RetryContext{}
	servers := []string{"X", "Y", "Z"}
	assert.Equal(t, "X", c.nextServer(servers))
	assert.Equal(t, "Y", c.nextServer(servers))
	assert.Equal(t, "Z", c.nextServer(servers))
	assert.Equal(t, "X", c.nextServer(servers))
}

func TestRetryContextRecordFailureAndReset(t *testing.T) {
	c := &RetryContext{}
	assert.Equal(t, 0, c.Attempt())
	err1 := errors.New("boom")
	assert.Equal(t, 1, c.recordFailure(err1))
	assert.Equal(t, 2, c.recordFailure(errors.New("boom again")))
	assert.Equal(t, 2, c.Attempt())
	require.NotNil(t, c.LastError())

	c.resetAttempts()
	assert.Equal(t, 0, c.Attempt())
}

// scriptedDialer fails the first `fails` calls, then returns a fresh
// fakeRawDuplex on every call after. It records every URL dialed, in
// order, so tests can assert on server rotation.
type scriptedDialer struct {
	mu     sync.Mutex
	fails  int
	calls  int
	dialed []string
	raws   []*fakeRawDuplex
}

func (s *scriptedDialer) dial(ctx context.Context, url string) (RawDuplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.dialed = append(s.dialed, url)
	if s.calls <= s.fails {
		return nil, errors.New("connection refused")
	}
	raw := newFakeRawDuplex()
	s.raws = append(s.raws, raw)
	return raw, nil
}

func TestRetryingStreamRotatesServersThenSucceeds(t *testing.T) {
	// Scenario: servers [X, Y], two failures then success — dial order
	// should be X, Y, X.
	cfg, err := NewSessionConfig(1, 2, "tok", "buv", []string{"X", "Y"})
	require.NoError(t, err)

	sd := &scriptedDialer{fails: 2}
	clock := newFakeClock()
	retryCfg := RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0}

	type result struct {
		rs  *RetryingStream
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rs, err := NewRetryingStream(context.Background(), cfg, retryCfg, sd.dial, clock, time.Hour, nil)
		resCh <- result{rs, err}
	}()

	clock.Advance() // backoff after first failure (server X)
	clock.Advance() // backoff after second failure (server Y)

	var rs *RetryingStream
	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		rs = r.rs
	case <-time.After(time.Second):
		t.Fatal("NewRetryingStream did not complete in time")
	}
	defer rs.Close()

	sd.mu.Lock()
	defer sd.mu.Unlock()
	assert.Equal(t, []string{"X", "Y", "X"}, sd.dialed)
	assert.Equal(t, 2, rs.RetryContext().Attempt(), "two recorded failures before the third attempt succeeded")
}

func TestRetryingStreamReturnsTerminalErrorAtMaxAttempts(t *testing.T) {
	cfg, err := NewSessionConfig(1, 2, "tok", "buv", []string{"X"})
	require.NoError(t, err)

	sd := &scriptedDialer{fails: 1000}
	clock := newFakeClock()
	retryCfg := RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0, MaxAttempts: 2}

	type result struct {
		rs  *RetryingStream
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rs, err := NewRetryingStream(context.Background(), cfg, retryCfg, sd.dial, clock, time.Hour, nil)
		resCh <- result{rs, err}
	}()

	clock.Advance() // backoff after attempt 1

	select {
	case r := <-resCh:
		require.Nil(t, r.rs)
		assert.ErrorIs(t, r.err, ErrMaxRetriesExceeded)
	case <-time.After(time.Second):
		t.Fatal("NewRetryingStream did not complete in time")
	}
}

func TestRetryingStreamConnectLoopRespectsCancellation(t *testing.T) {
	cfg, err := NewSessionConfig(1, 2, "tok", "buv", []string{"X"})
	require.NoError(t, err)

	sd := &scriptedDialer{fails: 1000}
	clock := newFakeClock()
	retryCfg := RetryConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1, Jitter: 0}

	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		rs  *RetryingStream
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rs, err := NewRetryingStream(ctx, cfg, retryCfg, sd.dial, clock, time.Hour, nil)
		resCh <- result{rs, err}
	}()

	cancel()

	select {
	case r := <-resCh:
		require.Nil(t, r.rs)
		assert.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("NewRetryingStream did not observe cancellation")
	}
}

func TestRetryingStreamRecvSurfacesTransientErrorThenReconnects(t *testing.T) {
	cfg, err := NewSessionConfig(1, 2, "tok", "buv", []string{"X"})
	require.NoError(t, err)

	sd := &scriptedDialer{fails: 0}
	clock := newFakeClock()
	retryCfg := RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0}

	rs, err := NewRetryingStream(context.Background(), cfg, retryCfg, sd.dial, clock, time.Hour, nil)
	require.NoError(t, err)
	defer rs.Close()

	// Drain the room-enter send and acknowledge it so the first Recv
	// resets the attempt counter, then drop the connection.
	sd.mu.Lock()
	firstRaw := sd.raws[0]
	sd.mu.Unlock()
	<-firstRaw.outbound
	firstRaw.inbound <- NewPacket(OpRoomEnterAck, ProtocolJSON, []byte(`{}`)).Encode()

	pkt, err := rs.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpRoomEnterAck, pkt.Operation())

	// Now sever the transport: ReadMessage will observe io.EOF via Close.
	firstRaw.Close()

	_, err = rs.Recv(context.Background())
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, se, io.EOF)

	sd.mu.Lock()
	assert.Len(t, sd.dialed, 2, "Recv's failure path reconnects using a fresh dial")
	sd.mu.Unlock()
}

func TestRetryingStreamRecvForwardsNonFatalParseErrorsWithoutReconnecting(t *testing.T) {
	cfg, err := NewSessionConfig(1, 2, "tok", "buv", []string{"X"})
	require.NoError(t, err)

	sd := &scriptedDialer{fails: 0}
	clock := newFakeClock()
	retryCfg := RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0}

	rs, err := NewRetryingStream(context.Background(), cfg, retryCfg, sd.dial, clock, time.Hour, nil)
	require.NoError(t, err)
	defer rs.Close()

	sd.mu.Lock()
	raw := sd.raws[0]
	sd.mu.Unlock()
	<-raw.outbound // room-enter send

	// Unknown protocol tag 99: a hard parse error but not a transport
	// failure, so Recv should forward it unchanged, no reconnect.
	bad := encodeHeader(16, 16, 99, 5, 1)
	raw.inbound <- bad

	_, err = rs.Recv(context.Background())
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	sd.mu.Lock()
	assert.Len(t, sd.dialed, 1, "a non-fatal parse error must not trigger a reconnect")
	sd.mu.Unlock()
}
