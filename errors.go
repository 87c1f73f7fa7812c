package bililive

import "errors"

// Parse errors: non-fatal per stream, the offending frame is dropped and
// receive continues.
var (
	ErrUnknownProtocol = errors.New("bililive: unknown protocol tag")
	ErrMalformedPacket = errors.New("bililive: malformed packet")
	ErrJSONBody        = errors.New("bililive: body is not valid JSON")
	ErrInt32BEBody     = errors.New("bililive: body is not a 4-byte big-endian integer")
	ErrZlib            = errors.New("bililive: zlib decompression failed")
	ErrBrotli          = errors.New("bililive: brotli decompression failed")
)

// Transport and retry errors.
var (
	ErrMaxRetriesExceeded = errors.New("bililive: max reconnect attempts exceeded")
	ErrStreamClosed       = errors.New("bililive: stream closed")
	ErrTransport          = errors.New("bililive: transport error")
)

// ErrBuild is surfaced at ConfigBuilder.Build time. Defined here so the
// core package and builder package share a common sentinel a caller can
// errors.Is against.
var ErrBuild = errors.New("bililive: config builder error")

// StreamError wraps a non-terminal error observed on the receive side of a
// RetryingStream: transport failures are surfaced as StreamError items and
// the stream keeps running (the caller should keep calling Recv); only
// ErrMaxRetriesExceeded ends the stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "bililive: transient stream error: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }
