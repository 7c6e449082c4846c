// Package kadhandler implements the per-connection Kademlia substream
// handler: the state machine that, for one open transport connection to a
// single remote peer, multiplexes outbound request/response exchanges and
// inbound server-side exchanges over short-lived, protocol-negotiated
// substreams.
//
// Routing-table maintenance, iterative query orchestration, record
// storage, connection establishment, stream multiplexing and encryption,
// protocol negotiation, and the concrete wire codec are out of scope here
// and are expected to live in collaborating packages; this package
// consumes them through the SubstreamSink and Behaviour-facing
// command/event contract described in Handler's doc comment.
package kadhandler
