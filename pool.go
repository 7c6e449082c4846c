package kadhandler

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/kadcore/kadhandler/wire"
	"golang.org/x/sync/errgroup"
)

// SubstreamPool holds all live inbound and outbound exchanges for one
// Handler, enforces MaxNumSubstreams, and fans their independent
// goroutines' progress into a single event stream (spec.md §2, §4.2,
// §9 "cooperative polling of a heterogeneous pool").
//
// Every exported method is safe for concurrent use — the pool's own
// bookkeeping is protected by a mutex — but in practice only Handler.Run
// ever calls them, preserving the single-threaded-cooperative model of
// spec.md §5 one level up: the pool's internal concurrency (one goroutine
// per live exchange, doing blocking I/O) is invisible to the behaviour and
// never touches Handler's own state directly.
type SubstreamPool struct {
	log *log.Entry
	eg  *errgroup.Group
	ctx context.Context

	mu           sync.Mutex
	outboundLive int
	inbound      map[UniqueConnecID]*inboundEntry

	outboundResults chan outboundResult
	inboundNotes    chan inboundNote
	events          chan Event
	done            chan struct{}
}

type inboundEntry struct {
	ex             *InboundExchange
	idle           bool
	awaitingAnswer bool
	evicted        bool
}

// NewSubstreamPool builds an empty pool bound to ctx: cancelling ctx tears
// down every live exchange's goroutine, since each exchange's run loop is
// given this same context and every blocking call on SubstreamSink is
// expected to observe it (spec.md §5 — the pool is where the physical
// threads this Go translation needs actually live; see SPEC_FULL.md §11).
func NewSubstreamPool(ctx context.Context, logger *log.Entry) *SubstreamPool {
	eg, egCtx := errgroup.WithContext(ctx)
	p := &SubstreamPool{
		log:             logger,
		eg:              eg,
		ctx:             egCtx,
		inbound:         make(map[UniqueConnecID]*inboundEntry),
		outboundResults: make(chan outboundResult, MaxNumSubstreams),
		inboundNotes:    make(chan inboundNote, MaxNumSubstreams*4),
		events:          make(chan Event, MaxNumSubstreams*4),
		done:            make(chan struct{}),
	}
	go p.fanIn()
	return p
}

// Events is the merged stream of behaviour-facing events produced by
// every live exchange. Handler.Run selects on it alongside commands and
// connection-layer notifications.
func (p *SubstreamPool) Events() <-chan Event {
	return p.events
}

// Wait blocks until every spawned exchange goroutine has returned. Call
// after cancelling the pool's context to join cleanly (mirrors
// errgroup.Group.Wait in the teacher's own shutdown paths).
func (p *SubstreamPool) Wait() error {
	err := p.eg.Wait()
	close(p.done)
	return err
}

// OutboundLive returns the number of outbound exchanges currently running
// (spec.md §3 invariant: outbound_live + num_requested_outbound_streams <=
// MaxNumSubstreams).
func (p *SubstreamPool) OutboundLive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outboundLive
}

// InboundLive returns the number of inbound exchanges currently tracked.
func (p *SubstreamPool) InboundLive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbound)
}

// AnyLive reports whether any exchange, inbound or outbound, is currently
// live — the sole input to KeepAlive (spec.md §5).
func (p *SubstreamPool) AnyLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outboundLive > 0 || len(p.inbound) > 0
}

// SpawnOutbound launches a new outbound exchange and tracks it as live
// until it completes.
func (p *SubstreamPool) SpawnOutbound(ex *OutboundExchange) {
	p.mu.Lock()
	p.outboundLive++
	p.mu.Unlock()

	p.eg.Go(func() error {
		res := ex.run(p.ctx)
		select {
		case p.outboundResults <- res:
		case <-p.ctx.Done():
		}
		return nil
	})
}

// SpawnOutboundError launches an exchange that immediately reports err
// against queryID — used when substream negotiation failed outright
// (spec.md §4.1, DialUpgradeError).
func (p *SubstreamPool) SpawnOutboundError(err error, queryID QueryID) {
	p.SpawnOutbound(newOutboundExchangeError(err, queryID))
}

// AdmitInbound implements the admission/eviction policy of spec.md §4.2:
// if the pool is at MaxNumSubstreams, it tries to evict an idle
// (WaitingMessage{first:false}) exchange to make room; otherwise the new
// substream is admitted directly. admitted is false when the pool was
// full and no evictable candidate existed — the caller must drop sink
// itself in that case.
func (p *SubstreamPool) AdmitInbound(sink SubstreamSink, nextID UniqueConnecID) (admitted bool) {
	p.mu.Lock()
	if len(p.inbound) >= MaxNumSubstreams {
		var victim *inboundEntry
		for _, e := range p.inbound {
			if e.idle && !e.evicted {
				victim = e
				break
			}
		}
		if victim == nil {
			p.mu.Unlock()
			return false
		}
		victim.evicted = true
		delete(p.inbound, victim.ex.id)
		victim.ex.evict()
	}

	ex := newInboundExchange(nextID, sink)
	p.inbound[nextID] = &inboundEntry{ex: ex}
	p.mu.Unlock()

	p.eg.Go(func() error {
		ex.run(p.ctx, p.inboundNotes)
		return nil
	})
	return true
}

// Reset cancels the inbound exchange identified by id, if it is currently
// awaiting a behaviour answer (spec.md §4.1). No-op otherwise.
func (p *SubstreamPool) Reset(id RequestID) {
	p.mu.Lock()
	e, ok := p.inbound[id.connecUniqueID]
	awaiting := ok && e.awaitingAnswer
	p.mu.Unlock()
	if awaiting {
		e.ex.reset()
	}
}

// AnswerPendingRequest matches a behaviour reply to the inbound exchange
// stamped with id.connecUniqueID, if it is currently awaiting an answer
// (spec.md §4.3). Returns false — and leaves the message for the caller
// to drop — if no exchange accepted it.
func (p *SubstreamPool) AnswerPendingRequest(id RequestID, msg wire.ResponseMsg) bool {
	p.mu.Lock()
	e, ok := p.inbound[id.connecUniqueID]
	awaiting := ok && e.awaitingAnswer
	p.mu.Unlock()
	if !awaiting {
		return false
	}
	return e.ex.answer(msg)
}

// fanIn merges inbound-exchange notes and outbound-exchange results into
// the single Events() stream, updating pool bookkeeping as it goes. This
// is the only goroutine, besides the exchanges themselves, that the pool
// runs; it never touches Handler state directly.
func (p *SubstreamPool) fanIn() {
	for {
		select {
		case <-p.ctx.Done():
			return

		case res := <-p.outboundResults:
			p.mu.Lock()
			p.outboundLive--
			p.mu.Unlock()
			if res.event != nil {
				p.emit(res.event)
			}

		case note := <-p.inboundNotes:
			p.handleInboundNote(note)
		}
	}
}

func (p *SubstreamPool) handleInboundNote(note inboundNote) {
	switch note.kind {
	case noteIdle:
		p.mu.Lock()
		if e, ok := p.inbound[note.id]; ok {
			e.idle = true
			// Re-entering the idle read means any previous request this
			// exchange served has already been answered, reset, or the
			// substream reused past it — it is no longer awaiting a
			// particular answer.
			e.awaitingAnswer = false
		}
		p.mu.Unlock()

	case noteBusy:
		p.mu.Lock()
		if e, ok := p.inbound[note.id]; ok {
			e.idle = false
		}
		p.mu.Unlock()

	case noteEvent:
		p.mu.Lock()
		if e, ok := p.inbound[note.id]; ok {
			switch note.event.(type) {
			case FindNodeReqEvent, GetProvidersReqEvent, GetRecordEvent, PutRecordEvent:
				e.awaitingAnswer = true
			}
		}
		p.mu.Unlock()
		p.emit(note.event)

	case noteTerminal:
		p.mu.Lock()
		delete(p.inbound, note.id)
		p.mu.Unlock()
	}
}

func (p *SubstreamPool) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}
