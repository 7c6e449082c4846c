package kadhandler

import (
	"context"
	"sync/atomic"

	"github.com/kadcore/kadhandler/wire"
)

// InboundState names the states of InboundExchange (spec.md §3, §4.6).
type InboundState int

const (
	InboundWaitingMessage InboundState = iota
	InboundWaitingBehaviour
	InboundPendingSend
	InboundPendingFlush
	InboundClosing
	InboundCancelled
)

// inboundNoteKind tags an inboundNote sent from an exchange's own
// goroutine back to the pool/handler loop.
type inboundNoteKind int

const (
	// noteEvent carries a behaviour-facing Event.
	noteEvent inboundNoteKind = iota
	// noteIdle reports that the exchange just entered a blocking read in
	// InboundWaitingMessage with first=false — it is now a candidate for
	// eviction (spec.md §4.2).
	noteIdle
	// noteBusy reports that the exchange left that idle read (the read
	// returned, for any reason) and is no longer evictable.
	noteBusy
	// noteTerminal reports that the exchange's goroutine has exited;
	// the pool should drop its bookkeeping.
	noteTerminal
)

// inboundNote is the single channel type inbound exchanges use to report
// both behaviour events and their own lifecycle to the pool's fanIn
// goroutine, which updates the mutex-guarded pool bookkeeping and forwards
// events to Handler.Run. Exchanges never touch pool or Handler state
// directly, even though each exchange's blocking I/O runs on its own
// goroutine.
type inboundNote struct {
	id    UniqueConnecID
	kind  inboundNoteKind
	event Event
}

// InboundExchange drives a single incoming request->response exchange,
// including awaiting an answer from the behaviour (spec.md §4.6). It owns
// its substream exclusively until it terminates.
type InboundExchange struct {
	id    UniqueConnecID
	sink  SubstreamSink
	first bool

	state InboundState // mutated only by this exchange's own goroutine

	cancelled       atomic.Bool
	answerCh        chan wire.ResponseMsg
	resetCh         chan struct{}
	pendingResponse wire.ResponseMsg
}

// newInboundExchange builds a freshly admitted exchange, stamped with id.
func newInboundExchange(id UniqueConnecID, sink SubstreamSink) *InboundExchange {
	return &InboundExchange{
		id:       id,
		sink:     sink,
		first:    true,
		state:    InboundWaitingMessage,
		answerCh: make(chan wire.ResponseMsg, 1),
		resetCh:  make(chan struct{}, 1),
	}
}

// evict marks the exchange Cancelled and closes its substream so a
// blocked read unblocks with an error (spec.md §4.2: eviction is only
// valid while the exchange is idle in WaitingMessage{first:false}; the
// caller, SubstreamPool.AdmitInbound, is responsible for only evicting
// such exchanges).
func (e *InboundExchange) evict() {
	e.cancelled.Store(true)
	_ = e.sink.Close()
}

// reset signals a behaviour-issued Reset while the exchange is parked in
// WaitingBehaviour (spec.md §4.1). resetCh holds one pending signal, so a
// reset issued after the request event was reported but before the
// exchange started waiting is not lost; a further signal while one is
// already pending is dropped. Handler.Run only calls reset when the pool's
// bookkeeping says the exchange is still awaiting an answer.
func (e *InboundExchange) reset() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// answer delivers the behaviour's reply while the exchange is parked in
// WaitingBehaviour. No-op (message dropped) if nothing is listening.
func (e *InboundExchange) answer(msg wire.ResponseMsg) bool {
	select {
	case e.answerCh <- msg:
		return true
	default:
		return false
	}
}

// requestID returns the RequestID the behaviour uses to address this
// exchange.
func (e *InboundExchange) requestID() RequestID {
	return RequestID{connecUniqueID: e.id}
}

// run drives the exchange until it terminates, reporting every
// behaviour-facing event and lifecycle transition on notes.
func (e *InboundExchange) run(ctx context.Context, notes chan<- inboundNote) {
	for {
		switch e.state {
		case InboundWaitingMessage:
			idle := !e.first
			if idle {
				notes <- inboundNote{id: e.id, kind: noteIdle}
			}
			req, err := e.sink.ReadRequest(ctx)
			if idle {
				notes <- inboundNote{id: e.id, kind: noteBusy}
			}
			if e.cancelled.Load() {
				e.state = InboundCancelled
				continue
			}
			if err != nil {
				// Read error or clean end-of-stream: terminate silently,
				// no behaviour notification (spec.md §4.6, §7).
				notes <- inboundNote{id: e.id, kind: noteTerminal}
				return
			}

			switch req.Type {
			case wire.MessageFindNode, wire.MessageGetProviders, wire.MessageGetValue, wire.MessagePutValue:
				e.state = InboundWaitingBehaviour
				notes <- inboundNote{id: e.id, kind: noteEvent, event: makeRequestEvent(req, e.requestID())}
				select {
				case resp := <-e.answerCh:
					e.pendingResponse = resp
					e.state = InboundPendingSend
				case <-e.resetCh:
					e.state = InboundClosing
				case <-ctx.Done():
					e.state = InboundClosing
				}

			case wire.MessageAddProvider:
				e.first = false
				notes <- inboundNote{
					id:    e.id,
					kind:  noteEvent,
					event: AddProviderEvent{Key: req.Key, Provider: req.Provider},
				}

			case wire.MessagePing:
				e.state = InboundClosing

			default:
				e.state = InboundClosing
			}

		case InboundPendingSend:
			if err := e.sink.WriteResponse(ctx, e.pendingResponse); err != nil {
				notes <- inboundNote{id: e.id, kind: noteTerminal}
				return
			}
			e.state = InboundPendingFlush

		case InboundPendingFlush:
			e.first = false
			e.state = InboundWaitingMessage

		case InboundClosing:
			_ = e.sink.Close()
			notes <- inboundNote{id: e.id, kind: noteTerminal}
			return

		case InboundCancelled:
			notes <- inboundNote{id: e.id, kind: noteTerminal}
			return
		}
	}
}

// makeRequestEvent maps a RequestMsg to the behaviour-facing request
// event that requires an answer (spec.md §4.6). Only reachable for the
// four variants that expect a reply; AddProvider and Ping are handled by
// the caller before this is invoked.
func makeRequestEvent(req wire.RequestMsg, id RequestID) Event {
	switch req.Type {
	case wire.MessageFindNode:
		return FindNodeReqEvent{Key: req.Key, RequestID: id}
	case wire.MessageGetProviders:
		return GetProvidersReqEvent{Key: req.Key, RequestID: id}
	case wire.MessageGetValue:
		return GetRecordEvent{Key: req.Key, RequestID: id}
	case wire.MessagePutValue:
		var rec wire.Record
		if req.Record != nil {
			rec = *req.Record
		}
		return PutRecordEvent{Record: rec, RequestID: id}
	default:
		return nil
	}
}
