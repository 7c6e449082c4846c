package kadhandler

import (
	"context"

	"github.com/kadcore/kadhandler/wire"
)

// OutboundState names the states of OutboundExchange (spec.md §4.5). Go's
// goroutine-per-exchange model (see SPEC_FULL.md §11) doesn't need the
// Poisoned sentinel the Rust source uses to move an owned substream out of
// a state during a transition — a Go struct field is simply reassigned —
// so it has no counterpart here; every other state is represented for
// observability and to keep the testable surface (spec.md §8) intact.
type OutboundState int

const (
	OutboundPendingSend OutboundState = iota
	OutboundPendingFlush
	OutboundWaitingAnswer
	OutboundReportError
	OutboundClosing
	OutboundDone
)

// outboundResult is what an OutboundExchange reports back to the pool
// once it reaches OutboundDone: at most one Event, matching the
// exactly-once-terminal-event invariant of spec.md §8.
type outboundResult struct {
	event Event // nil for AddProvider (no QueryID, no reply expected)
}

// OutboundExchange drives a single outgoing request->response exchange
// over one substream (spec.md §4.5). It owns its substream exclusively
// until it reaches OutboundDone.
type OutboundExchange struct {
	sink    SubstreamSink
	msg     wire.RequestMsg
	queryID *QueryID // nil for fire-and-forget (AddProvider)

	state        OutboundState
	err          error
	pendingEvent Event
}

// newOutboundExchange builds an exchange in OutboundPendingSend.
func newOutboundExchange(sink SubstreamSink, msg wire.RequestMsg, queryID *QueryID) *OutboundExchange {
	return &OutboundExchange{sink: sink, msg: msg, queryID: queryID, state: OutboundPendingSend}
}

// newOutboundExchangeError builds an exchange that starts directly in
// OutboundReportError, used when a substream negotiation failed but a
// QueryID still needs its single terminal event (spec.md §4.1,
// DialUpgradeError handling).
func newOutboundExchangeError(err error, queryID QueryID) *OutboundExchange {
	return &OutboundExchange{queryID: &queryID, state: OutboundReportError, err: err}
}

// run drives the exchange to completion, performing its blocking I/O
// directly (one goroutine per live exchange — see SPEC_FULL.md §11). It
// returns the single terminal result.
func (o *OutboundExchange) run(ctx context.Context) outboundResult {
	for {
		switch o.state {
		case OutboundPendingSend:
			if err := o.sink.WriteRequest(ctx, o.msg); err != nil {
				o.state = OutboundDone
				return o.errorResult(wrapIO(err, "writing outbound request"))
			}
			o.state = OutboundPendingFlush

		case OutboundPendingFlush:
			// A real SubstreamSink may expose a distinct Flush; our
			// SubstreamSink contract folds flush into WriteRequest, so
			// this state is a pure transition (see SPEC_FULL.md §12).
			if o.queryID != nil {
				o.state = OutboundWaitingAnswer
			} else {
				o.state = OutboundClosing
			}

		case OutboundWaitingAnswer:
			resp, err := o.sink.ReadResponse(ctx)
			if err != nil {
				o.state = OutboundDone
				if isUnexpectedEOF(err) {
					return o.errorResult(wrapIO(err, "outbound exchange closed before response"))
				}
				return o.errorResult(wrapIO(err, "reading outbound response"))
			}
			o.pendingEvent = decodeResponseEvent(resp, *o.queryID)
			o.state = OutboundClosing

		case OutboundReportError:
			o.state = OutboundDone
			return o.errorResult(o.err)

		case OutboundClosing:
			// Drive the close to completion regardless of its own error
			// (spec.md §4.5: Closing always terminates; a close failure
			// does not change the event already decided above, or the
			// absence of one for a fire-and-forget exchange).
			_ = o.sink.Close()
			o.state = OutboundDone
			return outboundResult{event: o.pendingEvent}

		case OutboundDone:
			return outboundResult{}
		}
	}
}

// errorResult closes the substream (best effort) and packages a
// QueryErrorEvent, or no event at all for fire-and-forget exchanges.
func (o *OutboundExchange) errorResult(err error) outboundResult {
	if o.sink != nil {
		_ = o.sink.Close()
	}
	if o.queryID == nil {
		return outboundResult{}
	}
	return outboundResult{event: QueryErrorEvent{Err: err, QueryID: *o.queryID}}
}

// decodeResponseEvent maps a ResponseMsg to the behaviour-facing event it
// produces, keyed by the originating QueryID (spec.md §4.7). The handler
// does not validate that the response type matches the request type;
// only Pong and types with no response form map to ErrUnexpectedMessage.
func decodeResponseEvent(resp wire.ResponseMsg, queryID QueryID) Event {
	switch resp.Type {
	case wire.MessagePong:
		return QueryErrorEvent{Err: ErrUnexpectedMessage, QueryID: queryID}
	case wire.MessageFindNode:
		return FindNodeResEvent{CloserPeers: resp.CloserPeers, QueryID: queryID}
	case wire.MessageGetProviders:
		return GetProvidersResEvent{
			CloserPeers:   resp.CloserPeers,
			ProviderPeers: resp.ProviderPeers,
			QueryID:       queryID,
		}
	case wire.MessageGetValue:
		return GetRecordResEvent{Record: resp.Record, CloserPeers: resp.CloserPeers, QueryID: queryID}
	case wire.MessagePutValue:
		var rec wire.Record
		if resp.Record != nil {
			rec = *resp.Record
		}
		return PutRecordResEvent{Record: rec, QueryID: queryID}
	default:
		return QueryErrorEvent{Err: ErrUnexpectedMessage, QueryID: queryID}
	}
}
