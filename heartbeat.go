package bililive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultHeartbeatInterval is how often HeartbeatStream injects a
// heartbeat packet into the outbound direction.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatStream wraps a DuplexStream and periodically injects an
// empty-body Heartbeat packet into the outbound direction, on its own
// timer — independent of whatever the caller sends.
//
// A poll-based implementation of this same idea needs a reference-counted
// waker proxy so a wake on the send side never wakes the receive side.
// Go's goroutines and channels give that property for free: the send
// goroutine below owns the one place outbound packets are serialized, and
// the receive path never touches it, so "a wake on Tx never wakes Rx" is
// true by construction rather than by explicit waker bookkeeping.
type HeartbeatStream struct {
	inner    DuplexStream
	interval time.Duration
	clock    Clock

	sendCh    chan sendRequest
	hbPending chan struct{}
	hbSeen    atomic.Bool // true once the first heartbeat tick has fired

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

type sendRequest struct {
	pkt    *Packet
	result chan error
}

// NewHeartbeatStream starts the heartbeat timer immediately: the first
// heartbeat fires `interval` after construction, not after the first
// received packet.
func NewHeartbeatStream(inner DuplexStream, interval time.Duration, clock Clock) *HeartbeatStream {
	if clock == nil {
		clock = RealClock
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	h := &HeartbeatStream{
		inner:     inner,
		interval:  interval,
		clock:     clock,
		sendCh:    make(chan sendRequest),
		hbPending: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	go h.tick()
	go h.writeLoop()

	return h
}

func (h *HeartbeatStream) tick() {
	for {
		select {
		case <-h.closeCh:
			return
		case <-h.clock.After(h.interval):
			h.hbSeen.Store(true)
			select {
			case h.hbPending <- struct{}{}:
			default:
				// A heartbeat send opportunity was already pending; this
				// tick coalesces into it rather than queuing a second one.
			}
		}
	}
}

func (h *HeartbeatStream) writeLoop() {
	defer close(h.done)
	for {
		// A plain select between sendCh and hbPending would let the
		// runtime break a tie between two simultaneously-ready cases
		// arbitrarily, so a heartbeat tick that lands while a user Send
		// is already waiting could go out first. Probe sendCh alone,
		// non-blocking, before falling back to the full select: any Send
		// that arrived while this goroutine was busy is drained first.
		select {
		case <-h.closeCh:
			return
		case req := <-h.sendCh:
			req.result <- h.inner.Send(context.Background(), req.pkt)
			continue
		default:
		}

		select {
		case <-h.closeCh:
			return
		case req := <-h.sendCh:
			req.result <- h.inner.Send(context.Background(), req.pkt)
		case <-h.hbPending:
			// Best effort: if the underlying sink errors, the failure
			// surfaces on the next Recv via the retrying stream's
			// reconnect policy, not here.
			_ = h.inner.Send(context.Background(), heartbeatPacket())
		}
	}
}

func heartbeatPacket() *Packet {
	return NewPacket(OpHeartbeat, ProtocolHeartbeat, nil)
}

// Send queues pkt for the single writer goroutine, which also services
// heartbeat ticks, so user sends and heartbeats share one path into the
// underlying transport: writeLoop always drains a pending Send before a
// pending heartbeat tick, so a heartbeat never jumps ahead of a send that
// arrived first.
func (h *HeartbeatStream) Send(ctx context.Context, pkt *Packet) error {
	req := sendRequest{pkt: pkt, result: make(chan error, 1)}
	select {
	case h.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return ErrStreamClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv passes packets through unmodified, including HeartbeatAck: this
// layer does not track liveness and does not special-case acks. No layer
// of this package sets a read timeout; a dead connection is noticed only
// when the underlying read returns an error or ctx is done.
func (h *HeartbeatStream) Recv(ctx context.Context) (*Packet, error) {
	return h.inner.Recv(ctx)
}

// Close stops the timer and the writer goroutine, then closes inner.
func (h *HeartbeatStream) Close() error {
	h.closeOnce.Do(func() { close(h.closeCh) })
	<-h.done
	return h.inner.Close()
}
