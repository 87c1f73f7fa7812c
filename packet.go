package bililive

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// HeaderSize is the fixed length, in bytes, of every packet's header.
const HeaderSize = 16

// Operation is the 32-bit operation tag carried in a packet header.
//
// Operation is a bare uint32 rather than a closed enum: any value is a
// valid Operation, and re-encoding always reproduces the exact value that
// was parsed, including ones this package doesn't name.
type Operation uint32

// Named operations. Any other value is still a well-formed Operation; use
// Known to test membership in this set.
const (
	OpHandshake    Operation = 0
	OpHeartbeat    Operation = 2
	OpHeartbeatAck Operation = 3
	OpNotification Operation = 5
	OpRoomEnter    Operation = 7
	OpRoomEnterAck Operation = 8
)

// Known reports whether op is one of the named operations above.
func (op Operation) Known() bool {
	switch op {
	case OpHandshake, OpHeartbeat, OpHeartbeatAck, OpNotification, OpRoomEnter, OpRoomEnterAck:
		return true
	default:
		return false
	}
}

func (op Operation) String() string {
	switch op {
	case OpHandshake:
		return "Handshake"
	case OpHeartbeat:
		return "Heartbeat"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	case OpNotification:
		return "Notification"
	case OpRoomEnter:
		return "RoomEnter"
	case OpRoomEnterAck:
		return "RoomEnterAck"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(op))
	}
}

// Protocol is the 16-bit protocol tag carried in a packet header.
type Protocol uint16

const (
	ProtocolJSON      Protocol = 0
	ProtocolHeartbeat Protocol = 1
	ProtocolZlib      Protocol = 2
	ProtocolBrotli    Protocol = 3
)

// ParseProtocol validates a raw protocol tag. Unlike Operation, Protocol is
// a closed set: any value outside {0,1,2,3} is rejected.
func ParseProtocol(u uint16) (Protocol, error) {
	switch Protocol(u) {
	case ProtocolJSON, ProtocolHeartbeat, ProtocolZlib, ProtocolBrotli:
		return Protocol(u), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownProtocol, u)
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolJSON:
		return "JSON"
	case ProtocolHeartbeat:
		return "Heartbeat"
	case ProtocolZlib:
		return "Zlib"
	case ProtocolBrotli:
		return "Brotli"
	default:
		return fmt.Sprintf("Protocol(%d)", uint16(p))
	}
}

// Packet is a single wire-level danmaku protocol unit: a 16-byte header
// followed by a body. Construct one with NewPacket; SetBody keeps
// totalLength self-consistent.
type Packet struct {
	totalLength  uint32
	headerLength uint16
	protocol     Protocol
	op           Operation
	seqID        uint32
	body         []byte
}

// NewPacket builds a packet with seq id 1 and header length 16.
func NewPacket(op Operation, protocol Protocol, body []byte) *Packet {
	p := &Packet{
		headerLength: HeaderSize,
		protocol:     protocol,
		op:           op,
		seqID:        1,
	}
	p.SetBody(body)
	return p
}

// SetBody replaces the body and recomputes totalLength. It does not touch
// headerLength, which is always HeaderSize for packets this package builds.
func (p *Packet) SetBody(body []byte) {
	p.body = body
	p.totalLength = uint32(p.headerLength) + uint32(len(body))
}

func (p *Packet) SetOperation(op Operation)  { p.op = op }
func (p *Packet) SetProtocol(proto Protocol) { p.protocol = proto }
func (p *Packet) SetSeqID(seqID uint32)      { p.seqID = seqID }

func (p *Packet) TotalLength() uint32  { return p.totalLength }
func (p *Packet) HeaderLength() uint16 { return p.headerLength }
func (p *Packet) Operation() Operation { return p.op }
func (p *Packet) Protocol() Protocol   { return p.protocol }
func (p *Packet) SeqID() uint32        { return p.seqID }
func (p *Packet) Body() []byte         { return p.body }

// JSON best-effort decodes the body as JSON into v.
func (p *Packet) JSON(v any) error {
	if err := json.Unmarshal(p.body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrJSONBody, err)
	}
	return nil
}

// Int32BE best-effort decodes a 4-byte big-endian body, as carried by
// Heartbeat-protocol population-count packets.
func (p *Packet) Int32BE() (int32, error) {
	if len(p.body) != 4 {
		return 0, fmt.Errorf("%w: body is %d bytes, want 4", ErrInt32BEBody, len(p.body))
	}
	return int32(binary.BigEndian.Uint32(p.body)), nil
}

// Encode serializes the packet into its wire form: a 16-byte big-endian
// header followed by the body.
func (p *Packet) Encode() []byte {
	buf := make([]byte, p.totalLength)
	binary.BigEndian.PutUint32(buf[0:4], p.totalLength)
	binary.BigEndian.PutUint16(buf[4:6], p.headerLength)
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.protocol))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.op))
	binary.BigEndian.PutUint32(buf[12:16], p.seqID)
	copy(buf[p.headerLength:], p.body)
	return buf
}

// Compress returns a new packet whose body is the zlib-compressed encoding
// of p, with protocol Zlib, the same operation, and seq id reset to the
// default (1). Used for outbound batched messages; primarily kept for
// symmetry with observed server behavior.
func (p *Packet) Compress() (*Packet, error) {
	raw := p.Encode()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}

	return NewPacket(p.op, ProtocolZlib, buf.Bytes()), nil
}

// ParseOutcome classifies the result of Parse.
type ParseOutcome int

const (
	ParseComplete ParseOutcome = iota
	ParseIncomplete
	ParseErrorOutcome
)

// ParseResult is the incremental result of Parse: exactly one of Complete
// (Remaining + Packet), Incomplete (Needed), or an Err.
type ParseResult struct {
	Outcome   ParseOutcome
	Remaining []byte
	Packet    *Packet
	Needed    int
	Err       error
}

// Parse decodes exactly one packet from the head of input.
//
// If the packet's protocol is compressed (Zlib/Brotli), the body is
// decompressed and re-parsed as a single packet; any sibling packets
// batched into that same decompressed buffer are not returned here —
// that batch fan-out is DecodePackets' job (frame.go).
// Remaining always refers to what is left of the ORIGINAL input after the
// outer packet's total length, never to leftover decompressed bytes.
func Parse(input []byte) ParseResult {
	if len(input) < HeaderSize {
		return ParseResult{Outcome: ParseIncomplete, Needed: HeaderSize - len(input)}
	}

	totalLength := binary.BigEndian.Uint32(input[0:4])
	headerLength := binary.BigEndian.Uint16(input[4:6])

	if totalLength < uint32(headerLength) {
		return ParseResult{Outcome: ParseErrorOutcome, Err: fmt.Errorf("%w: total_length %d < header_length %d", ErrMalformedPacket, totalLength, headerLength)}
	}
	if uint32(len(input)) < totalLength {
		return ParseResult{Outcome: ParseIncomplete, Needed: int(totalLength) - len(input)}
	}

	protoTag := binary.BigEndian.Uint16(input[6:8])
	proto, err := ParseProtocol(protoTag)
	if err != nil {
		return ParseResult{Outcome: ParseErrorOutcome, Err: err}
	}

	op := Operation(binary.BigEndian.Uint32(input[8:12]))
	seqID := binary.BigEndian.Uint32(input[12:16])
	body := input[headerLength:totalLength]
	remaining := input[totalLength:]

	if proto == ProtocolZlib || proto == ProtocolBrotli {
		decompressed, err := decompress(proto, body)
		if err != nil {
			return ParseResult{Outcome: ParseErrorOutcome, Err: err}
		}
		inner := Parse(decompressed)
		switch inner.Outcome {
		case ParseComplete:
			return ParseResult{Outcome: ParseComplete, Remaining: remaining, Packet: inner.Packet}
		case ParseIncomplete:
			return ParseResult{Outcome: ParseErrorOutcome, Err: fmt.Errorf("%w: incomplete batch payload", ErrMalformedPacket)}
		default:
			return inner
		}
	}

	p := &Packet{
		totalLength:  totalLength,
		headerLength: headerLength,
		protocol:     proto,
		op:           op,
		seqID:        seqID,
		body:         body,
	}
	return ParseResult{Outcome: ParseComplete, Remaining: remaining, Packet: p}
}

func decompress(proto Protocol, body []byte) ([]byte, error) {
	switch proto {
	case ProtocolZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrZlib, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrZlib, err)
		}
		return out, nil
	case ProtocolBrotli:
		r := brotli.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrotli, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: protocol %s is not compressed", ErrMalformedPacket, proto)
	}
}
