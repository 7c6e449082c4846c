package kadhandler

import (
	"errors"
	"io"

	"github.com/gravitational/trace"
)

// ErrUnexpectedMessage is surfaced as QueryError when a response does not
// match the shape expected for its request — currently detected only when
// the peer answers with Pong or with a type that has no response form
// (AddProvider, Ping, or an unknown type); mismatches between two valid
// response types pass through uncorrected.
var ErrUnexpectedMessage = errors.New("kadhandler: unexpected response message")

// ErrProtocolNotSupported marks the ProtocolMismatch error kind: the
// remote does not support our protocol(s). The handler itself reports a
// protocol mismatch only as a ProtocolNotSupportedEvent and never returns
// this error; it is exported for callers that want a sentinel for that
// error kind, recognizable via errors.Is.
var ErrProtocolNotSupported = errors.New("kadhandler: remote does not support protocol")

// isUnexpectedEOF reports whether err represents a substream ending before
// a complete frame was read — io.EOF (clean close) or io.ErrUnexpectedEOF
// (truncated frame), wrapped or not.
func isUnexpectedEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// assertf logs a debug-level assertion failure. These are contract
// violations that are unreachable via well-behaved callers but must never
// corrupt handler state or crash the process, so this never panics, even
// in tests.
func (h *Handler) assertf(format string, args ...interface{}) {
	if h.cfg.DebugAssertions {
		h.log.WithField("assertion", true).Debugf(format, args...)
	}
}

// wrapIO is a small helper keeping error wrapping consistent with the
// teacher's trace.Wrap(err, "doing X") idiom.
func wrapIO(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(err, format, args...)
}
