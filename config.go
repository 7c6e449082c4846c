package kadhandler

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// MaxNumSubstreams is the per-connection cap on concurrently live
// substreams (inbound and outbound are counted independently against it).
// This constant must match between the handler and anything that reasons
// about its resource accounting (spec.md §6).
const MaxNumSubstreams = 32

// DefaultIdleTimeout is used when Config.IdleTimeout is left unset.
const DefaultIdleTimeout = 10 * time.Second

// Config configures a Handler for one connection.
type Config struct {
	// RemotePeerID identifies the peer this connection is with. Used only
	// for logging; the handler does not interpret it.
	RemotePeerID string
	// ConnectionID identifies the connection this handler is attached to,
	// for logging.
	ConnectionID string
	// Endpoint records whether we dialled or accepted this connection.
	Endpoint Endpoint

	// Protocols is the set of protocol names this node advertises and
	// will accept inbound substreams for, in Server mode.
	Protocols []string

	// Mode is the initial operating mode. It can be changed later via
	// ReconfigureModeCommand.
	Mode Mode

	// IdleTimeout is how long the connection may sit with no live
	// exchanges before KeepAlive permits closing it. Defaults to
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Clock is overridden in tests; defaults to the real clock.
	Clock clockwork.Clock

	// Logger is the base logger; request-scoped fields are added by the
	// handler. Defaults to a standard logrus logger.
	Logger *log.Entry

	// DebugAssertions enables debug-level logging of internal contract
	// violations (spec.md §4.1, §4.3, §7). Off by default; harmless to
	// leave on in production since it never panics.
	DebugAssertions bool

	// PendingMessagesCapacity bounds the FIFO of outbound requests queued
	// ahead of substream negotiation. Zero means unbounded (the teacher's
	// own queues, e.g. lib/srv/session_control semaphores aside, are
	// typically unbounded at this layer; callers that want back-pressure
	// set this).
	PendingMessagesCapacity int
}

// CheckAndSetDefaults validates c and fills in defaults, following the
// teacher's convention (lib/multiplexer.TLSListenerConfig,
// lib/srv.SessionControllerConfig).
func (c *Config) CheckAndSetDefaults() error {
	if c.RemotePeerID == "" {
		return trace.BadParameter("missing parameter RemotePeerID")
	}
	if c.Mode != ModeClient && c.Mode != ModeServer {
		return trace.BadParameter("invalid Mode %v", c.Mode)
	}
	if c.Mode == ModeServer && len(c.Protocols) == 0 {
		return trace.BadParameter("server mode requires at least one protocol")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.WithFields(log.Fields{
			"component": "kadhandler",
		})
	}
	return nil
}
