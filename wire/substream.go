package wire

import (
	"context"
	"io"
)

// Substream is the minimal duplex, frame-oriented transport a CBORSubstream
// wraps. A real connection-multiplexing layer (out of scope for this
// module, per spec.md §1) supplies something satisfying this — typically a
// yamux or mplex stream.
type Substream interface {
	io.Reader
	io.Writer
	io.Closer
}

// CBORSubstream adapts a raw Substream into the SubstreamSink contract the
// handler package depends on, framing each RequestMsg/ResponseMsg as a
// length-prefixed CBOR blob (see codec.go).
type CBORSubstream struct {
	s Substream

	requestSizeMaximum  uint64
	responseSizeMaximum uint64
}

// NewCBORSubstream wraps s with the default size ceilings. Use
// WithSizeLimits to override them.
func NewCBORSubstream(s Substream) *CBORSubstream {
	return &CBORSubstream{
		s:                   s,
		requestSizeMaximum:  DefaultRequestSizeMaximum,
		responseSizeMaximum: DefaultResponseSizeMaximum,
	}
}

// WithSizeLimits returns a copy of c with custom frame size ceilings.
func (c *CBORSubstream) WithSizeLimits(requestMax, responseMax uint64) *CBORSubstream {
	cp := *c
	cp.requestSizeMaximum = requestMax
	cp.responseSizeMaximum = responseMax
	return &cp
}

// WriteRequest encodes and writes a request frame. ctx is accepted for
// interface symmetry with the rest of the handler's I/O surface; the
// underlying io.Writer is not itself context-aware.
func (c *CBORSubstream) WriteRequest(_ context.Context, msg RequestMsg) error {
	return writeFrame(c.s, &msg, c.requestSizeMaximum)
}

// WriteResponse encodes and writes a response frame.
func (c *CBORSubstream) WriteResponse(_ context.Context, msg ResponseMsg) error {
	return writeFrame(c.s, &msg, c.responseSizeMaximum)
}

// ReadRequest reads and decodes the next request frame.
func (c *CBORSubstream) ReadRequest(_ context.Context) (RequestMsg, error) {
	var msg RequestMsg
	err := readFrame(c.s, &msg, c.requestSizeMaximum)
	return msg, err
}

// ReadResponse reads and decodes the next response frame.
func (c *CBORSubstream) ReadResponse(_ context.Context) (ResponseMsg, error) {
	var msg ResponseMsg
	err := readFrame(c.s, &msg, c.responseSizeMaximum)
	return msg, err
}

// Close closes the underlying substream.
func (c *CBORSubstream) Close() error {
	return c.s.Close()
}
