// Package wire defines the Kademlia request/response message set carried
// over a substream, and a concrete CBOR-backed SubstreamSink.
//
// The handler package treats SubstreamSink as an opaque collaborator; this
// package is one possible implementation of it, not a requirement the
// handler depends on directly.
package wire

// MessageType tags the variant carried by a RequestMsg or ResponseMsg.
type MessageType uint8

const (
	MessageFindNode MessageType = iota
	MessageGetProviders
	MessageAddProvider
	MessageGetValue
	MessagePutValue
	MessagePing
	// MessagePong only ever appears on the response side. A peer that
	// replies to one of our requests with Pong is misbehaving; the
	// handler surfaces that as QueryError{UnexpectedMessage}.
	MessagePong
)

func (t MessageType) String() string {
	switch t {
	case MessageFindNode:
		return "find_node"
	case MessageGetProviders:
		return "get_providers"
	case MessageAddProvider:
		return "add_provider"
	case MessageGetValue:
		return "get_value"
	case MessagePutValue:
		return "put_value"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	default:
		return "unknown"
	}
}

// PeerInfo is the wire representation of a peer and its known addresses.
type PeerInfo struct {
	ID    string   `cbor:"id"`
	Addrs []string `cbor:"addrs"`
}

// Record is a DHT record: an opaque key/value pair.
type Record struct {
	Key   []byte `cbor:"key"`
	Value []byte `cbor:"value"`
}

// RequestMsg is the tagged union of requests a peer may send on an
// outbound exchange, or we may send on one of ours.
type RequestMsg struct {
	Type MessageType `cbor:"type"`

	// Key is set for FindNode, GetProviders, GetValue, AddProvider.
	Key []byte `cbor:"key,omitempty"`

	// Provider is set for AddProvider.
	Provider PeerInfo `cbor:"provider,omitempty"`

	// Record is set for PutValue.
	Record *Record `cbor:"record,omitempty"`
}

// ResponseMsg is the tagged union of responses.
type ResponseMsg struct {
	Type MessageType `cbor:"type"`

	// CloserPeers is set for FindNode, GetProviders and GetValue responses.
	CloserPeers []PeerInfo `cbor:"closer_peers,omitempty"`

	// ProviderPeers is set for GetProviders responses.
	ProviderPeers []PeerInfo `cbor:"provider_peers,omitempty"`

	// Record is set for GetValue and PutValue responses.
	Record *Record `cbor:"record,omitempty"`
}
