package kadhandler

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/kadhandler/internal/memsubstream"
	"github.com/kadcore/kadhandler/wire"
)

func newTestPool(t *testing.T) (*SubstreamPool, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewSubstreamPool(ctx, log.NewEntry(log.New()))
	return pool, func() {
		cancel()
		_ = pool.Wait()
	}
}

// admitFreshInbound admits a brand-new inbound exchange (first:true) and
// returns the simulated peer's end of the substream.
func admitFreshInbound(t *testing.T, pool *SubstreamPool, id UniqueConnecID) *wire.CBORSubstream {
	t.Helper()
	local, remote := memsubstream.Pipe()
	require.True(t, pool.AdmitInbound(wire.NewCBORSubstream(local), id))
	return wire.NewCBORSubstream(remote)
}

// driveToIdle answers one GetValue request on peer's exchange so the
// exchange re-enters WaitingMessage{first:false}, making it an eviction
// candidate (spec.md §4.2).
func driveToIdle(t *testing.T, pool *SubstreamPool, id UniqueConnecID, peer *wire.CBORSubstream) {
	t.Helper()
	require.NoError(t, peer.WriteRequest(context.Background(), wire.RequestMsg{Type: wire.MessageGetValue, Key: []byte("k")}))

	waitForEvent(t, pool, func(ev Event) bool {
		_, ok := ev.(GetRecordEvent)
		return ok
	})

	require.True(t, pool.AnswerPendingRequest(RequestID{connecUniqueID: id}, wire.ResponseMsg{Type: wire.MessageGetValue}))

	_, err := peer.ReadResponse(context.Background())
	require.NoError(t, err)

	waitUntilIdle(t, pool, id)
}

func waitForEvent(t *testing.T, pool *SubstreamPool, match func(Event) bool) Event {
	t.Helper()
	for {
		select {
		case ev := <-pool.Events():
			if match(ev) {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for matching event")
			return nil
		}
	}
}

func waitUntilIdle(t *testing.T, pool *SubstreamPool, id UniqueConnecID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pool.mu.Lock()
		e, ok := pool.inbound[id]
		idle := ok && e.idle
		pool.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("exchange %d never went idle", id)
}

func TestPoolAdmitInboundUpToCapacity(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	for i := 0; i < MaxNumSubstreams; i++ {
		admitFreshInbound(t, pool, UniqueConnecID(i))
	}
	require.Equal(t, MaxNumSubstreams, pool.InboundLive())
}

func TestPoolOverflowWithNoEvictableCandidateIsDropped(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	for i := 0; i < MaxNumSubstreams; i++ {
		admitFreshInbound(t, pool, UniqueConnecID(i))
	}

	local, remote := memsubstream.Pipe()
	defer remote.Close()
	admitted := pool.AdmitInbound(wire.NewCBORSubstream(local), MaxNumSubstreams)
	require.False(t, admitted, "pool is full of first:true exchanges, none evictable")
	require.Equal(t, MaxNumSubstreams, pool.InboundLive())
}

func TestPoolOverflowWithEvictableCandidateAdmitsNew(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	peers := make([]*wire.CBORSubstream, MaxNumSubstreams)
	for i := 0; i < MaxNumSubstreams; i++ {
		peers[i] = admitFreshInbound(t, pool, UniqueConnecID(i))
	}

	// Make exactly two exchanges evictable (first:false / idle).
	driveToIdle(t, pool, 10, peers[10])
	driveToIdle(t, pool, 20, peers[20])

	local, remote := memsubstream.Pipe()
	defer remote.Close()
	admitted := pool.AdmitInbound(wire.NewCBORSubstream(local), MaxNumSubstreams)
	require.True(t, admitted)
	require.Equal(t, MaxNumSubstreams, pool.InboundLive(), "one victim evicted, one new exchange admitted")

	pool.mu.Lock()
	_, stillTenPresent := pool.inbound[10]
	_, stillTwentyPresent := pool.inbound[20]
	_, newPresent := pool.inbound[MaxNumSubstreams]
	pool.mu.Unlock()
	require.True(t, newPresent)
	// Exactly one of the two idle candidates was evicted.
	require.False(t, stillTenPresent && stillTwentyPresent)
	require.True(t, stillTenPresent || stillTwentyPresent)
}

func TestPoolResetTerminatesWaitingBehaviourExchange(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	peer := admitFreshInbound(t, pool, 1)
	require.NoError(t, peer.WriteRequest(context.Background(), wire.RequestMsg{Type: wire.MessageFindNode, Key: []byte("k")}))
	waitForEvent(t, pool, func(ev Event) bool {
		_, ok := ev.(FindNodeReqEvent)
		return ok
	})

	pool.Reset(RequestID{connecUniqueID: 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.InboundLive() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("reset exchange never terminated")
}

func TestPoolAnswerPendingRequestNoMatchReturnsFalse(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	admitFreshInbound(t, pool, 1)
	ok := pool.AnswerPendingRequest(RequestID{connecUniqueID: 99}, wire.ResponseMsg{Type: wire.MessageFindNode})
	require.False(t, ok)
}
