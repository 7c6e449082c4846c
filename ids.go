package kadhandler

// UniqueConnecID is an opaque counter, unique within a single Handler,
// stamped on each inbound exchange when it is created.
type UniqueConnecID uint64

// RequestID is the handle the behaviour uses to reply to or cancel an
// inbound exchange. It wraps the UniqueConnecID stamped on that exchange.
type RequestID struct {
	connecUniqueID UniqueConnecID
}

// QueryID is an opaque identifier supplied by the behaviour for outbound
// requests; it is echoed back verbatim on completion events. The handler
// never interprets it.
type QueryID string

// Mode is the handler's operating mode: whether it accepts inbound
// requests from the remote peer.
type Mode int

const (
	// ModeClient refuses inbound substreams; only outbound exchanges are
	// serviced.
	ModeClient Mode = iota
	// ModeServer advertises the configured protocols and accepts inbound
	// substreams.
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// Endpoint records which side of the connection dialled. It is purely
// informational and is echoed in ProtocolConfirmed/ProtocolNotSupported
// events.
type Endpoint int

const (
	EndpointDialer Endpoint = iota
	EndpointListener
)

func (e Endpoint) String() string {
	switch e {
	case EndpointDialer:
		return "dialer"
	case EndpointListener:
		return "listener"
	default:
		return "unknown"
	}
}
