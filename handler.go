package kadhandler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/kadcore/kadhandler/wire"
)

// pendingMessage is one entry of the FIFO described in spec.md §3: a
// request message waiting for a negotiated outbound substream, together
// with the QueryID to report completion against (nil for AddProvider).
type pendingMessage struct {
	msg     wire.RequestMsg
	queryID *QueryID
}

// outboundNegotiation is what the connection layer reports back after the
// handler asked for a new outbound substream: either a usable sink, or a
// negotiation failure (spec.md §4.1, FullyNegotiatedOutbound /
// DialUpgradeError).
type outboundNegotiation struct {
	sink SubstreamSink
	err  error
}

// protocolDelta is a RemoteProtocolsChange notification (spec.md §4.1,
// SPEC_FULL.md §12 — modelled as an add/remove delta rather than a full
// replacement).
type protocolDelta struct {
	added   []string
	removed []string
}

// Handler is the per-connection Kademlia substream handler: it accepts
// commands from a behaviour, requests new outbound substreams, routes
// negotiated substreams into its SubstreamPool, and produces events for
// the behaviour to consume (spec.md §2, §4.1).
//
// A Handler is driven by calling Run in its own goroutine; everything
// else — Handle, the Notify* methods, KeepAlive, ListenProtocol — is safe
// to call concurrently from other goroutines (typically the
// connection/muxer layer and the behaviour). Run's own goroutine is the
// single logical owner of pendingMessages, numRequestedOutbound,
// nextConnecUniqueID and remoteProtocols; every other goroutine only ever
// touches the channels below or the mutex-guarded keepAlive/protocolStatus
// pair, preserving the single-threaded-cooperative model of spec.md §5
// without a big lock around the whole handler.
type Handler struct {
	cfg Config
	log *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	pool   *SubstreamPool

	mode atomic.Int32 // holds a Mode value; ReconfigureMode (spec.md §4.1) swaps it

	commands                  chan Command
	outboundNegotiations      chan outboundNegotiation
	inboundNegotiations       chan SubstreamSink
	protocolDeltas            chan protocolDelta
	outboundSubstreamRequests chan struct{}
	events                    chan Event

	// Owned exclusively by Run's goroutine.
	pendingMessages      []pendingMessage
	numRequestedOutbound int
	nextConnecUniqueID   uint64
	remoteProtocols      *protocolSet

	mu             sync.Mutex
	keepAlive      KeepAlive
	protocolStatus *ProtocolStatus
}

// NewHandler builds a Handler for one connection from cfg, bound to ctx:
// cancelling ctx (or calling Stop) unwinds Run and every live exchange.
// The context is fixed at construction, before any other goroutine can
// observe it, so Handle and the Notify* methods are safe to call from a
// second goroutine immediately — they don't need to wait for Run to start.
func NewHandler(ctx context.Context, cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	h := &Handler{
		cfg: cfg,
		log: cfg.Logger.WithFields(log.Fields{
			"peer":       cfg.RemotePeerID,
			"connection": cfg.ConnectionID,
		}),
		remoteProtocols:           newProtocolSet(),
		commands:                  make(chan Command, 64),
		outboundNegotiations:      make(chan outboundNegotiation, MaxNumSubstreams),
		inboundNegotiations:       make(chan SubstreamSink, MaxNumSubstreams),
		protocolDeltas:            make(chan protocolDelta, 16),
		outboundSubstreamRequests: make(chan struct{}, MaxNumSubstreams),
		events:                    make(chan Event, MaxNumSubstreams*4),
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mode.Store(int32(cfg.Mode))
	return h, nil
}

// Run drives the handler until its context is cancelled. It implements the
// single select loop behind spec.md §4.1's poll ordering, translated to a
// channel-driven loop since Go has no poll-a-future primitive (see
// SPEC_FULL.md §11): every input — a behaviour Command, a connection-layer
// notification, or a pool event — is handled, then the outbound-substream
// policy and keep-alive are recomputed, mirroring one "poll" of the
// original state machine. Run must be called exactly once, typically from
// its own goroutine.
func (h *Handler) Run() {
	h.pool = NewSubstreamPool(h.ctx, h.log)
	defer func() {
		h.cancel()
		_ = h.pool.Wait()
		close(h.events)
	}()

	poolEvents := h.pool.Events()
	for {
		select {
		case <-h.ctx.Done():
			return

		case cmd := <-h.commands:
			h.handleCommand(cmd)

		case neg := <-h.outboundNegotiations:
			h.handleOutboundNegotiation(neg)

		case sink := <-h.inboundNegotiations:
			h.handleInboundNegotiation(sink)

		case delta := <-h.protocolDeltas:
			h.handleProtocolDelta(delta)

		case ev, ok := <-poolEvents:
			if ok {
				h.emitEvent(ev)
			}
		}

		h.maybeRequestOutboundSubstream()
		h.recomputeKeepAlive()
	}
}

// Stop cancels the handler's context, unwinding Run and every live
// exchange's goroutine. Safe to call whether or not Run was started; once
// stopped, Handle and the Notify* methods return without delivering.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Handle delivers a behaviour command to the handler (spec.md §4.1, §6).
// Safe to call from any goroutine.
func (h *Handler) Handle(cmd Command) {
	select {
	case h.commands <- cmd:
	case <-h.ctx.Done():
	}
}

// Events returns the stream of behaviour-facing events (spec.md §6).
func (h *Handler) Events() <-chan Event {
	return h.events
}

// OutboundSubstreamRequests yields once per new outbound substream the
// handler wants the connection layer to negotiate (spec.md §4.1's
// "outbound-substream-request policy"). The connection layer is expected
// to negotiate a substream for each value received and report the result
// back via NotifyFullyNegotiatedOutbound or NotifyDialUpgradeError.
func (h *Handler) OutboundSubstreamRequests() <-chan struct{} {
	return h.outboundSubstreamRequests
}

// ListenProtocol reports what protocol upgrade the handler currently
// wants to advertise to the connection layer for inbound substreams
// (spec.md §4.1 "Listen-protocol policy"). In Client mode it returns
// accept=false — a denied upgrade, per SPEC_FULL.md §12 — so inbound work
// is refused outright while outbound requests keep functioning.
func (h *Handler) ListenProtocol() (accept bool, protocols []string) {
	if Mode(h.mode.Load()) == ModeClient {
		return false, nil
	}
	return true, h.cfg.Protocols
}

// NotifyFullyNegotiatedOutbound reports that a substream the handler
// requested was successfully negotiated for the outbound protocol
// (spec.md §4.1).
func (h *Handler) NotifyFullyNegotiatedOutbound(sink SubstreamSink) {
	select {
	case h.outboundNegotiations <- outboundNegotiation{sink: sink}:
	case <-h.ctx.Done():
	}
}

// NotifyDialUpgradeError reports that a requested outbound substream
// failed to negotiate (spec.md §4.1, DialUpgradeError).
func (h *Handler) NotifyDialUpgradeError(err error) {
	select {
	case h.outboundNegotiations <- outboundNegotiation{err: err}:
	case <-h.ctx.Done():
	}
}

// NotifyFullyNegotiatedInbound reports a substream the remote peer opened
// and negotiated against our advertised protocol (spec.md §4.1).
func (h *Handler) NotifyFullyNegotiatedInbound(sink SubstreamSink) {
	select {
	case h.inboundNegotiations <- sink:
	case <-h.ctx.Done():
	}
}

// NotifyRemoteProtocolsChange reports a change in the set of protocols the
// remote peer is known to support (spec.md §4.1, RemoteProtocolsChange).
func (h *Handler) NotifyRemoteProtocolsChange(added, removed []string) {
	select {
	case h.protocolDeltas <- protocolDelta{added: added, removed: removed}:
	case <-h.ctx.Done():
	}
}

// KeepAlive returns the handler's current input to the connection's
// idle-timeout policy (spec.md §5).
func (h *Handler) KeepAlive() KeepAlive {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keepAlive
}

// ProtocolStatus returns the handler's current view of whether the remote
// peer supports our protocol(s) (spec.md §3, §4.4). The zero value
// (Supported=false, Reported=false) means no status has been derived yet.
func (h *Handler) ProtocolStatus() ProtocolStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.protocolStatus == nil {
		return ProtocolStatus{}
	}
	return *h.protocolStatus
}

func (h *Handler) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case ResetCommand:
		h.pool.Reset(c.RequestID)

	case ReconfigureModeCommand:
		h.mode.Store(int32(c.Mode))

	case FindNodeReqCommand:
		qid := c.QueryID
		h.enqueuePending(wire.RequestMsg{Type: wire.MessageFindNode, Key: c.Key}, &qid)

	case GetProvidersReqCommand:
		qid := c.QueryID
		h.enqueuePending(wire.RequestMsg{Type: wire.MessageGetProviders, Key: c.Key}, &qid)

	case GetRecordCommand:
		qid := c.QueryID
		h.enqueuePending(wire.RequestMsg{Type: wire.MessageGetValue, Key: c.Key}, &qid)

	case PutRecordCommand:
		qid := c.QueryID
		rec := c.Record
		h.enqueuePending(wire.RequestMsg{Type: wire.MessagePutValue, Record: &rec}, &qid)

	case AddProviderCommand:
		h.enqueuePending(wire.RequestMsg{
			Type:     wire.MessageAddProvider,
			Key:      c.Key,
			Provider: c.Provider,
		}, nil)

	case answerCommand:
		if !h.pool.AnswerPendingRequest(c.requestID(), c.toResponseMsg()) {
			h.assertf("answerPendingRequest: no inbound exchange waiting for request id %v", c.requestID())
		}

	default:
		h.assertf("unknown command %T", cmd)
	}
}

// enqueuePending appends a pending outbound message to the FIFO, honoring
// Config.PendingMessagesCapacity if set (spec.md §3).
func (h *Handler) enqueuePending(msg wire.RequestMsg, queryID *QueryID) {
	if h.cfg.PendingMessagesCapacity > 0 && len(h.pendingMessages) >= h.cfg.PendingMessagesCapacity {
		h.log.WithField("capacity", h.cfg.PendingMessagesCapacity).Warn("pending outbound message queue full, dropping request")
		if queryID != nil {
			h.emitEvent(QueryErrorEvent{Err: trace.BadParameter("pending outbound queue full"), QueryID: *queryID})
		}
		return
	}
	h.pendingMessages = append(h.pendingMessages, pendingMessage{msg: msg, queryID: queryID})
}

// handleOutboundNegotiation implements the FullyNegotiatedOutbound and
// DialUpgradeError reactions of spec.md §4.1: the front of pendingMessages
// is always the message this negotiation was for, regardless of outcome.
func (h *Handler) handleOutboundNegotiation(neg outboundNegotiation) {
	if len(h.pendingMessages) == 0 {
		h.assertf("outbound substream negotiated with no pending message queued")
		if neg.sink != nil {
			_ = neg.sink.Close()
		}
		return
	}

	pm := h.pendingMessages[0]
	h.pendingMessages = h.pendingMessages[1:]
	if h.numRequestedOutbound > 0 {
		h.numRequestedOutbound--
	}

	if neg.err != nil {
		if pm.queryID != nil {
			h.pool.SpawnOutboundError(trace.Wrap(neg.err, "negotiating outbound substream"), *pm.queryID)
		}
		return
	}

	h.pool.SpawnOutbound(newOutboundExchange(neg.sink, pm.msg, pm.queryID))

	h.mu.Lock()
	unset := h.protocolStatus == nil
	var status ProtocolStatus
	if unset {
		status = deriveProtocolStatus(true, nil)
		h.protocolStatus = &status
	}
	h.mu.Unlock()
	if unset {
		h.reportProtocolStatus(status)
	}
}

// handleInboundNegotiation implements the FullyNegotiatedInbound reaction
// of spec.md §4.1 and the admission policy of §4.2.
func (h *Handler) handleInboundNegotiation(sink SubstreamSink) {
	if Mode(h.mode.Load()) == ModeClient {
		// Unreachable in a well-behaved connection layer: ListenProtocol
		// denies the upgrade in Client mode. Guard anyway per spec §4.1.
		_ = sink.Close()
		return
	}

	h.mu.Lock()
	unset := h.protocolStatus == nil
	var status ProtocolStatus
	if unset {
		status = deriveProtocolStatus(true, nil)
		h.protocolStatus = &status
	}
	h.mu.Unlock()
	if unset {
		h.reportProtocolStatus(status)
	}

	id := UniqueConnecID(h.nextConnecUniqueID)
	if h.pool.AdmitInbound(sink, id) {
		h.nextConnecUniqueID++
		return
	}

	h.log.Warn("inbound substream dropped: at capacity with no evictable exchange")
	_ = sink.Close()
}

// handleProtocolDelta implements RemoteProtocolsChange (spec.md §4.1,
// §4.4).
func (h *Handler) handleProtocolDelta(delta protocolDelta) {
	if !h.remoteProtocols.apply(delta.added, delta.removed) {
		return
	}
	nowSupported := h.remoteProtocols.intersects(h.cfg.Protocols)

	h.mu.Lock()
	status := deriveProtocolStatus(nowSupported, h.protocolStatus)
	h.protocolStatus = &status
	h.mu.Unlock()

	h.reportProtocolStatus(status)
}

// reportProtocolStatus emits ProtocolConfirmed/ProtocolNotSupported if
// status is newly unreported, then marks it reported. Spec §4.4/§9:
// status reporting is edge-triggered and at most one event is emitted per
// derivation, never without a preceding change.
func (h *Handler) reportProtocolStatus(status ProtocolStatus) {
	if status.Reported {
		return
	}

	if status.Supported {
		h.emitEvent(ProtocolConfirmedEvent{Endpoint: h.cfg.Endpoint})
	} else {
		h.emitEvent(ProtocolNotSupportedEvent{Endpoint: h.cfg.Endpoint})
	}

	h.mu.Lock()
	if h.protocolStatus != nil {
		h.protocolStatus.Reported = true
	}
	h.mu.Unlock()
}

// maybeRequestOutboundSubstream implements spec.md §4.1's
// outbound-substream-request policy: request at most one new substream
// per pending message not yet covered by an outstanding request, bounded
// by MaxNumSubstreams.
func (h *Handler) maybeRequestOutboundSubstream() {
	for h.pool.OutboundLive()+h.numRequestedOutbound < MaxNumSubstreams &&
		h.numRequestedOutbound < len(h.pendingMessages) {
		select {
		case h.outboundSubstreamRequests <- struct{}{}:
			h.numRequestedOutbound++
		default:
			// Connection layer hasn't drained a prior request yet; try
			// again next loop iteration rather than blocking Run.
			return
		}
	}
}

// recomputeKeepAlive implements spec.md §5's keep-alive accounting.
func (h *Handler) recomputeKeepAlive() {
	anyLive := h.pool.AnyLive()
	now := h.cfg.Clock.Now()

	h.mu.Lock()
	h.keepAlive = nextKeepAlive(h.keepAlive, anyLive, now, h.cfg.IdleTimeout)
	h.mu.Unlock()
}

// emitEvent delivers ev to the behaviour, unless the handler is shutting
// down.
func (h *Handler) emitEvent(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}
