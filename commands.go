package kadhandler

import "github.com/kadcore/kadhandler/wire"

// Command is the contract the behaviour uses to drive a Handler. Every
// command is total: a malformed reference (an unknown RequestID, for
// example) is a no-op, logged at debug, and never corrupts handler state
// (spec.md §6).
type Command interface {
	isCommand()
}

// ResetCommand cancels the inbound exchange identified by RequestID, if it
// is currently waiting on a behaviour answer. No-op otherwise (spec.md
// §4.1).
type ResetCommand struct {
	RequestID RequestID
}

// ReconfigureModeCommand changes the handler's operating mode, effective
// from the next call to ListenProtocol (spec.md §4.1).
type ReconfigureModeCommand struct {
	Mode Mode
}

// FindNodeReqCommand enqueues an outbound FindNode request.
type FindNodeReqCommand struct {
	Key     []byte
	QueryID QueryID
}

// GetProvidersReqCommand enqueues an outbound GetProviders request.
type GetProvidersReqCommand struct {
	Key     []byte
	QueryID QueryID
}

// GetRecordCommand enqueues an outbound GetValue request.
type GetRecordCommand struct {
	Key     []byte
	QueryID QueryID
}

// PutRecordCommand enqueues an outbound PutValue request.
type PutRecordCommand struct {
	Record  wire.Record
	QueryID QueryID
}

// AddProviderCommand enqueues a fire-and-forget outbound AddProvider
// request; it carries no QueryID and completes with no behaviour event.
type AddProviderCommand struct {
	Key      []byte
	Provider wire.PeerInfo
}

// FindNodeResCommand answers a pending inbound FindNode request.
type FindNodeResCommand struct {
	CloserPeers []wire.PeerInfo
	RequestID   RequestID
}

// GetProvidersResCommand answers a pending inbound GetProviders request.
type GetProvidersResCommand struct {
	CloserPeers   []wire.PeerInfo
	ProviderPeers []wire.PeerInfo
	RequestID     RequestID
}

// GetRecordResCommand answers a pending inbound GetValue request.
type GetRecordResCommand struct {
	Record      *wire.Record
	CloserPeers []wire.PeerInfo
	RequestID   RequestID
}

// PutRecordResCommand answers a pending inbound PutValue request.
type PutRecordResCommand struct {
	Record    wire.Record
	RequestID RequestID
}

func (ResetCommand) isCommand()           {}
func (ReconfigureModeCommand) isCommand() {}
func (FindNodeReqCommand) isCommand()     {}
func (GetProvidersReqCommand) isCommand() {}
func (GetRecordCommand) isCommand()       {}
func (PutRecordCommand) isCommand()       {}
func (AddProviderCommand) isCommand()     {}
func (FindNodeResCommand) isCommand()     {}
func (GetProvidersResCommand) isCommand() {}
func (GetRecordResCommand) isCommand()    {}
func (PutRecordResCommand) isCommand()    {}

// answerCommand is implemented by the four *ResCommand types so
// answerPendingRequest (handler.go) can dispatch on a common shape.
type answerCommand interface {
	Command
	requestID() RequestID
	toResponseMsg() wire.ResponseMsg
}

func (c FindNodeResCommand) requestID() RequestID { return c.RequestID }
func (c FindNodeResCommand) toResponseMsg() wire.ResponseMsg {
	return wire.ResponseMsg{Type: wire.MessageFindNode, CloserPeers: c.CloserPeers}
}

func (c GetProvidersResCommand) requestID() RequestID { return c.RequestID }
func (c GetProvidersResCommand) toResponseMsg() wire.ResponseMsg {
	return wire.ResponseMsg{
		Type:          wire.MessageGetProviders,
		CloserPeers:   c.CloserPeers,
		ProviderPeers: c.ProviderPeers,
	}
}

func (c GetRecordResCommand) requestID() RequestID { return c.RequestID }
func (c GetRecordResCommand) toResponseMsg() wire.ResponseMsg {
	return wire.ResponseMsg{Type: wire.MessageGetValue, Record: c.Record, CloserPeers: c.CloserPeers}
}

func (c PutRecordResCommand) requestID() RequestID { return c.RequestID }
func (c PutRecordResCommand) toResponseMsg() wire.ResponseMsg {
	rec := c.Record
	return wire.ResponseMsg{Type: wire.MessagePutValue, Record: &rec}
}
