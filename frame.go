package bililive

import (
	"context"
	"encoding/binary"
	"fmt"
)

// DecodePackets decodes every packet contained in one WebSocket frame.
//
// This is C2's batch fan-out: a frame whose top-level packet is compressed
// (Zlib/Brotli) has its decompressed body expanded into every packet it
// contains, in wire order; a frame may also concatenate several top-level
// packets back to back. Both cases are handled by the same loop, which
// recurses into itself on a compressed body rather than calling Parse
// directly, since Parse only ever yields the first packet of a batch.
func DecodePackets(frame []byte) ([]*Packet, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: frame is %d bytes, shorter than header", ErrMalformedPacket, len(frame))
	}

	var out []*Packet
	data := frame
	for len(data) >= HeaderSize {
		totalLength := binary.BigEndian.Uint32(data[0:4])
		if totalLength < HeaderSize || uint32(len(data)) < totalLength {
			return out, fmt.Errorf("%w: invalid packet length %d (remaining %d)", ErrMalformedPacket, totalLength, len(data))
		}

		protoTag := binary.BigEndian.Uint16(data[6:8])
		proto, err := ParseProtocol(protoTag)
		if err != nil {
			return out, err
		}

		switch proto {
		case ProtocolZlib, ProtocolBrotli:
			headerLength := binary.BigEndian.Uint16(data[4:6])
			body := data[headerLength:totalLength]
			decompressed, err := decompress(proto, body)
			if err != nil {
				return out, err
			}
			nested, err := DecodePackets(decompressed)
			if err != nil {
				return out, fmt.Errorf("batch payload: %w", err)
			}
			out = append(out, nested...)

		default:
			res := Parse(data[:totalLength])
			if res.Outcome != ParseComplete {
				return out, fmt.Errorf("%w: failed to parse self-contained packet", ErrMalformedPacket)
			}
			out = append(out, res.Packet)
		}

		data = data[totalLength:]
	}

	return out, nil
}

// FrameDecoder buffers partial frames across calls, for transports (plain
// TCP, in-memory pipes in tests) that don't already deliver whole
// messages the way gorilla/websocket does. An Incomplete result consumes
// no bytes.
type FrameDecoder struct {
	buf []byte
}

// NewFrameDecoder returns an empty FrameDecoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends data to the internal buffer and decodes as many complete
// top-level packets as are now available, leaving any trailing partial
// packet buffered for the next call.
func (d *FrameDecoder) Feed(data []byte) ([]*Packet, error) {
	d.buf = append(d.buf, data...)

	var out []*Packet
	for {
		res := Parse(d.buf)
		switch res.Outcome {
		case ParseComplete:
			out = append(out, res.Packet)
			d.buf = res.Remaining
		case ParseIncomplete:
			return out, nil
		default:
			return out, res.Err
		}
	}
}

// packetDuplex bridges a RawDuplex (whole WebSocket messages) to a
// DuplexStream of decoded packets. It is the concrete realization of C2:
// one inbound frame may yield several packets, which are queued and
// handed out one at a time; outbound packets are encoded and written
// as-is (the underlying transport serializes concurrent writers).
type packetDuplex struct {
	raw     RawDuplex
	pending []*Packet
}

func newPacketDuplex(raw RawDuplex) *packetDuplex {
	return &packetDuplex{raw: raw}
}

func (d *packetDuplex) Send(ctx context.Context, pkt *Packet) error {
	return d.raw.WriteMessage(ctx, pkt.Encode())
}

func (d *packetDuplex) Recv(ctx context.Context) (*Packet, error) {
	for len(d.pending) == 0 {
		frame, err := d.raw.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		pkts, err := DecodePackets(frame)
		if err != nil {
			// A malformed frame is surfaced once as a non-fatal parse
			// error; the connection itself stays usable for the caller.
			return nil, err
		}
		d.pending = pkts
	}

	pkt := d.pending[0]
	d.pending = d.pending[1:]
	return pkt, nil
}

func (d *packetDuplex) Close() error {
	return d.raw.Close()
}
