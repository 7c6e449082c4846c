package kadhandler

import "github.com/kadcore/kadhandler/wire"

// Event is emitted by a Handler to the behaviour (spec.md §6).
type Event interface {
	isEvent()
}

// ProtocolConfirmedEvent reports that the remote peer supports our
// protocol(s). Edge-triggered: emitted at most once per status
// transition.
type ProtocolConfirmedEvent struct {
	Endpoint Endpoint
}

// ProtocolNotSupportedEvent reports that the remote peer does not support
// our protocol(s).
type ProtocolNotSupportedEvent struct {
	Endpoint Endpoint
}

// FindNodeReqEvent is an inbound FindNode request awaiting an answer.
type FindNodeReqEvent struct {
	Key       []byte
	RequestID RequestID
}

// GetProvidersReqEvent is an inbound GetProviders request awaiting an
// answer.
type GetProvidersReqEvent struct {
	Key       []byte
	RequestID RequestID
}

// GetRecordEvent is an inbound GetValue request awaiting an answer.
type GetRecordEvent struct {
	Key       []byte
	RequestID RequestID
}

// PutRecordEvent is an inbound PutValue request awaiting an answer.
type PutRecordEvent struct {
	Record    wire.Record
	RequestID RequestID
}

// AddProviderEvent is an unsolicited inbound notification; no reply is
// expected.
type AddProviderEvent struct {
	Key      []byte
	Provider wire.PeerInfo
}

// FindNodeResEvent answers an outbound FindNode query.
type FindNodeResEvent struct {
	CloserPeers []wire.PeerInfo
	QueryID     QueryID
}

// GetProvidersResEvent answers an outbound GetProviders query.
type GetProvidersResEvent struct {
	CloserPeers   []wire.PeerInfo
	ProviderPeers []wire.PeerInfo
	QueryID       QueryID
}

// GetRecordResEvent answers an outbound GetValue query.
type GetRecordResEvent struct {
	Record      *wire.Record
	CloserPeers []wire.PeerInfo
	QueryID     QueryID
}

// PutRecordResEvent answers an outbound PutValue query.
type PutRecordResEvent struct {
	Record  wire.Record
	QueryID QueryID
}

// QueryErrorEvent reports that an outbound query failed: a transport
// error, an unexpected response message, or end-of-stream before a
// response was read (spec.md §7).
type QueryErrorEvent struct {
	Err     error
	QueryID QueryID
}

func (ProtocolConfirmedEvent) isEvent()    {}
func (ProtocolNotSupportedEvent) isEvent() {}
func (FindNodeReqEvent) isEvent()          {}
func (GetProvidersReqEvent) isEvent()      {}
func (GetRecordEvent) isEvent()            {}
func (PutRecordEvent) isEvent()            {}
func (AddProviderEvent) isEvent()          {}
func (FindNodeResEvent) isEvent()          {}
func (GetProvidersResEvent) isEvent()      {}
func (GetRecordResEvent) isEvent()         {}
func (PutRecordResEvent) isEvent()         {}
func (QueryErrorEvent) isEvent()           {}
