package wire

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// Default size ceilings, carried over from the CBOR request/response codec
// this package is grounded on (rust-libp2p's request-response/cbor
// transport): 1 MiB per request, 10 MiB per response. GetValue/PutValue
// responses can legitimately carry a DHT record, hence the larger ceiling.
const (
	DefaultRequestSizeMaximum  = 1 << 20
	DefaultResponseSizeMaximum = 10 << 20
)

// frameHeaderLen is the size, in bytes, of the big-endian length prefix
// that precedes every encoded frame. Unlike the upstream codec (which
// reads a single message per stream direction and relies on stream close
// as the end-of-message marker), our substreams are reused across many
// requests (see InboundExchange's WaitingMessage{first:false} state), so
// messages must be self-delimiting.
const frameHeaderLen = 4

// writeFrame CBOR-encodes v and writes it to w as a length-prefixed frame.
func writeFrame(w io.Writer, v interface{}, maxSize uint64) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return trace.Wrap(err, "encoding frame")
	}
	if uint64(len(data)) > maxSize {
		return trace.BadParameter("frame of %d bytes exceeds maximum of %d", len(data), maxSize)
	}

	var header [frameHeaderLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return trace.Wrap(err, "writing frame header")
	}
	if _, err := w.Write(data); err != nil {
		return trace.Wrap(err, "writing frame body")
	}
	return nil
}

// readFrame reads one length-prefixed CBOR frame from r and decodes it
// into v. io.EOF is returned verbatim (unwrapped) when the stream ends
// cleanly before any header bytes are read, so callers can distinguish a
// graceful close from a truncated frame.
func readFrame(r io.Reader, v interface{}, maxSize uint64) error {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return trace.Wrap(io.ErrUnexpectedEOF, "truncated frame header")
		}
		return err // may be io.EOF; propagate unwrapped
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > maxSize {
		return trace.BadParameter("incoming frame of %d bytes exceeds maximum of %d", size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return trace.Wrap(io.ErrUnexpectedEOF, "truncated frame body")
		}
		return trace.Wrap(err, "reading frame body")
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return trace.Wrap(err, "decoding frame")
	}
	return nil
}
