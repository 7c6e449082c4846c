package kadhandler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/kadhandler/internal/memsubstream"
	"github.com/kadcore/kadhandler/wire"
)

func newTestHandler(t *testing.T, mode Mode) (*Handler, func()) {
	t.Helper()
	cfg := Config{
		RemotePeerID: "peer-under-test",
		ConnectionID: "conn-1",
		Endpoint:     EndpointDialer,
		Protocols:    []string{"/kad/1.0.0"},
		Mode:         mode,
		Clock:        clockwork.NewFakeClock(),
		Logger:       log.NewEntry(log.New()),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := NewHandler(ctx, cfg)
	require.NoError(t, err)

	go h.Run()
	return h, cancel
}

func nextEvent(t *testing.T, h *Handler) Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextOutboundRequest(t *testing.T, h *Handler) {
	t.Helper()
	select {
	case <-h.OutboundSubstreamRequests():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound substream request")
	}
}

// S1: outbound find-node success.
func TestHandlerOutboundFindNodeSuccess(t *testing.T) {
	h, cancel := newTestHandler(t, ModeServer)
	defer cancel()

	h.Handle(FindNodeReqCommand{Key: []byte{0x01}, QueryID: "Q1"})
	nextOutboundRequest(t, h)

	local, remote := memsubstream.Pipe()
	defer local.Close()
	defer remote.Close()
	h.NotifyFullyNegotiatedOutbound(wire.NewCBORSubstream(local))

	peer := wire.NewCBORSubstream(remote)
	req, err := peer.ReadRequest(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.MessageFindNode, req.Type)
	require.Equal(t, []byte{0x01}, req.Key)

	require.NoError(t, peer.WriteResponse(context.Background(), wire.ResponseMsg{
		Type:        wire.MessageFindNode,
		CloserPeers: []wire.PeerInfo{{ID: "p1"}},
	}))

	confirmed, ok := nextEvent(t, h).(ProtocolConfirmedEvent)
	require.True(t, ok)
	require.Equal(t, EndpointDialer, confirmed.Endpoint)

	res, ok := nextEvent(t, h).(FindNodeResEvent)
	require.True(t, ok)
	require.Equal(t, QueryID("Q1"), res.QueryID)
	require.Equal(t, []wire.PeerInfo{{ID: "p1"}}, res.CloserPeers)
}

// S2: outbound I/O error mid-flight.
func TestHandlerOutboundIOErrorMidFlight(t *testing.T) {
	h, cancel := newTestHandler(t, ModeServer)
	defer cancel()

	h.Handle(FindNodeReqCommand{Key: []byte{0x01}, QueryID: "Q1"})
	nextOutboundRequest(t, h)

	local, remote := memsubstream.Pipe()
	defer local.Close()
	h.NotifyFullyNegotiatedOutbound(wire.NewCBORSubstream(local))

	peer := wire.NewCBORSubstream(remote)
	_, err := peer.ReadRequest(context.Background())
	require.NoError(t, err)
	require.NoError(t, remote.Close()) // peer closes without replying

	_, ok := nextEvent(t, h).(ProtocolConfirmedEvent)
	require.True(t, ok)

	ev, ok := nextEvent(t, h).(QueryErrorEvent)
	require.True(t, ok)
	require.Equal(t, QueryID("Q1"), ev.QueryID)
}

// S3: inbound answer routing, then reuse of the same substream.
func TestHandlerInboundAnswerRouting(t *testing.T) {
	h, cancel := newTestHandler(t, ModeServer)
	defer cancel()

	local, remote := memsubstream.Pipe()
	defer local.Close()
	defer remote.Close()
	h.NotifyFullyNegotiatedInbound(wire.NewCBORSubstream(local))

	peer := wire.NewCBORSubstream(remote)
	require.NoError(t, peer.WriteRequest(context.Background(), wire.RequestMsg{Type: wire.MessageGetValue, Key: []byte("K")}))

	_, ok := nextEvent(t, h).(ProtocolConfirmedEvent)
	require.True(t, ok)

	reqEv, ok := nextEvent(t, h).(GetRecordEvent)
	require.True(t, ok)
	require.Equal(t, []byte("K"), reqEv.Key)

	rec := wire.Record{Key: []byte("K"), Value: []byte("r")}
	h.Handle(GetRecordResCommand{Record: &rec, CloserPeers: nil, RequestID: reqEv.RequestID})

	resp, err := peer.ReadResponse(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("r"), resp.Record.Value)

	// The substream is reused: a further request on it is serviced.
	require.NoError(t, peer.WriteRequest(context.Background(), wire.RequestMsg{Type: wire.MessageFindNode, Key: []byte("K2")}))
	reqEv2, ok := nextEvent(t, h).(FindNodeReqEvent)
	require.True(t, ok)
	require.Equal(t, []byte("K2"), reqEv2.Key)
}

// S4: Reset during WaitingBehaviour.
func TestHandlerResetDuringWaitingBehaviour(t *testing.T) {
	h, cancel := newTestHandler(t, ModeServer)
	defer cancel()

	local, remote := memsubstream.Pipe()
	defer local.Close()
	defer remote.Close()
	h.NotifyFullyNegotiatedInbound(wire.NewCBORSubstream(local))

	peer := wire.NewCBORSubstream(remote)
	require.NoError(t, peer.WriteRequest(context.Background(), wire.RequestMsg{Type: wire.MessageGetValue, Key: []byte("K")}))

	_, ok := nextEvent(t, h).(ProtocolConfirmedEvent)
	require.True(t, ok)
	reqEv, ok := nextEvent(t, h).(GetRecordEvent)
	require.True(t, ok)

	h.Handle(ResetCommand{RequestID: reqEv.RequestID})

	// No response frame is ever written; the substream closes instead.
	_, err := peer.ReadResponse(context.Background())
	require.Error(t, err)
}

// S5: mode Client refuses inbound but outbound keeps working.
func TestHandlerClientModeRefusesInbound(t *testing.T) {
	h, cancel := newTestHandler(t, ModeClient)
	defer cancel()

	accept, _ := h.ListenProtocol()
	require.False(t, accept)

	h.Handle(FindNodeReqCommand{Key: []byte{0x01}, QueryID: "Q1"})
	nextOutboundRequest(t, h)

	local, remote := memsubstream.Pipe()
	defer local.Close()
	defer remote.Close()
	h.NotifyFullyNegotiatedOutbound(wire.NewCBORSubstream(local))

	peer := wire.NewCBORSubstream(remote)
	req, err := peer.ReadRequest(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.MessageFindNode, req.Type)

	require.NoError(t, peer.WriteResponse(context.Background(), wire.ResponseMsg{Type: wire.MessageFindNode}))

	_, ok := nextEvent(t, h).(ProtocolConfirmedEvent)
	require.True(t, ok)
	_, ok = nextEvent(t, h).(FindNodeResEvent)
	require.True(t, ok)
}

// Boundary behaviour: 33 outbound requests enqueued; each QueryID gets
// exactly one terminal event and at most MaxNumSubstreams are outstanding
// concurrently.
func TestHandlerBoundaryThirtyThreeOutboundRequests(t *testing.T) {
	h, cancel := newTestHandler(t, ModeServer)
	defer cancel()

	const n = MaxNumSubstreams + 1
	for i := 0; i < n; i++ {
		h.Handle(FindNodeReqCommand{Key: []byte{byte(i)}, QueryID: QueryID(string(rune('a' + i)))})
	}

	seen := map[QueryID]bool{}
	outstanding := 0
	maxOutstanding := 0

	for len(seen) < n {
		select {
		case <-h.OutboundSubstreamRequests():
			outstanding++
			if outstanding > maxOutstanding {
				maxOutstanding = outstanding
			}
			local, remote := memsubstream.Pipe()
			h.NotifyFullyNegotiatedOutbound(wire.NewCBORSubstream(local))
			go func() {
				peer := wire.NewCBORSubstream(remote)
				if _, err := peer.ReadRequest(context.Background()); err == nil {
					_ = peer.WriteResponse(context.Background(), wire.ResponseMsg{Type: wire.MessageFindNode})
				}
				peer.Close()
			}()

		case ev := <-h.Events():
			switch e := ev.(type) {
			case FindNodeResEvent:
				require.False(t, seen[e.QueryID], "duplicate terminal event for %v", e.QueryID)
				seen[e.QueryID] = true
				outstanding--
			case QueryErrorEvent:
				require.False(t, seen[e.QueryID], "duplicate terminal event for %v", e.QueryID)
				seen[e.QueryID] = true
				outstanding--
			case ProtocolConfirmedEvent, ProtocolNotSupportedEvent:
				// edge-triggered status event, not a terminal query event
			}

		case <-time.After(5 * time.Second):
			t.Fatalf("timed out with %d/%d terminal events seen", len(seen), n)
		}
	}

	require.LessOrEqual(t, maxOutstanding, MaxNumSubstreams)
	require.Len(t, seen, n)
}
