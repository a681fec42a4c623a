package election

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"WP/safekeeper"
	"WP/sharedstate"
	"WP/term"
	"WP/wire"
)

type fakeHost struct {
	redo term.LSN
	err  error
}

func (f fakeHost) RedoStartLsn(ctx context.Context) (term.LSN, error) { return f.redo, f.err }

func votedAcceptor(t *testing.T, idx int, vr wire.VoteResponse) *safekeeper.Acceptor {
	t.Helper()
	a := safekeeper.NewAcceptor(idx, "addr", nil)
	a.VoteResponse = vr
	return a
}

func newStore(t *testing.T) *sharedstate.Block {
	t.Helper()
	b, err := sharedstate.New("")
	require.NoError(t, err)
	return b
}

func TestGreetingAggregationFinalizesTermAtQuorum(t *testing.T) {
	c := New(2, wire.UUID{1}, 16*1024*1024, false, 0)

	_, ready := c.OnGreeting(wire.AcceptorGreeting{Term: 3})
	require.False(t, ready)

	vr, ready := c.OnGreeting(wire.AcceptorGreeting{Term: 5})
	require.True(t, ready)
	require.Equal(t, term.Term(6), vr.Term)
	require.Equal(t, term.Term(6), c.Term())

	// Further greetings after finalization are no-ops.
	_, ready = c.OnGreeting(wire.AcceptorGreeting{Term: 99})
	require.False(t, ready)
	require.Equal(t, term.Term(6), c.Term())
}

func TestVoteCollectionEmptyAcceptorsClampToTruncateLsn(t *testing.T) {
	c := New(2, wire.UUID{1}, 16*1024*1024, false, 0)
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})
	require.Equal(t, term.Term(1), c.Term())

	host := fakeHost{redo: 1000}
	store := newStore(t)

	a0 := votedAcceptor(t, 0, wire.VoteResponse{Term: 1, VoteGiven: true})
	a1 := votedAcceptor(t, 1, wire.VoteResponse{Term: 1, VoteGiven: true})

	out, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.NoError(t, err)
	require.False(t, out.QuorumJustReached)
	require.False(t, out.SendElectedNow)

	out, err = c.OnVoteResponse(context.Background(), a1, a1.VoteResponse, host, store)
	require.NoError(t, err)
	require.True(t, out.QuorumJustReached)

	// Bootstrap clause: both acceptors empty, propEpochStartLsn == 0 so it
	// falls back to redoStartLsn().
	require.Equal(t, term.LSN(1000), c.EpochStartLsn())
	require.Equal(t, term.LSN(1000), c.TruncateLsn())
	require.Equal(t, term.LSN(1000), out.Elected.StartStreamingAt)
	require.Equal(t, term.Term(1), newStoreTermOrPanic(t, store))
}

func newStoreTermOrPanic(t *testing.T, b *sharedstate.Block) term.Term {
	t.Helper()
	return b.MineLastElectedTerm()
}

func TestDonorSelectedByEpochThenFlushLsn(t *testing.T) {
	c := New(3, wire.UUID{1}, 16*1024*1024, false, 0)
	for i := 0; i < 3; i++ {
		_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 1})
	}
	require.Equal(t, term.Term(2), c.Term())

	host := fakeHost{redo: 5000}
	store := newStore(t)

	// a0 has the highest epoch (term 1 in its history), a1 has a lower
	// epoch but higher flushLsn, a2 is empty. The donor must be a0.
	a0 := votedAcceptor(t, 0, wire.VoteResponse{
		Term: 2, VoteGiven: true,
		History:  term.History{{Term: 1, LSN: 100}},
		FlushLsn: 5000, TruncateLsn: 50,
	})
	a1 := votedAcceptor(t, 1, wire.VoteResponse{
		Term: 2, VoteGiven: true,
		FlushLsn: 9000, TruncateLsn: 80,
	})
	a2 := votedAcceptor(t, 2, wire.VoteResponse{Term: 2, VoteGiven: true})

	for _, a := range []*safekeeper.Acceptor{a0, a1, a2} {
		_, err := c.OnVoteResponse(context.Background(), a, a.VoteResponse, host, store)
		require.NoError(t, err)
	}

	require.Equal(t, term.LSN(5000), c.EpochStartLsn())
	require.Equal(t, term.LSN(80), c.TruncateLsn())
	require.Equal(t, term.Term(1), c.TermHistory()[0].Term)
	require.Equal(t, term.Term(2), c.TermHistory()[1].Term)
	require.Equal(t, term.LSN(5000), c.TermHistory()[1].LSN)
}

func TestVoteDeniedBelowQuorumIsFatal(t *testing.T) {
	c := New(2, wire.UUID{1}, 16*1024*1024, false, 0)
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})

	host := fakeHost{redo: 0}
	store := newStore(t)
	a0 := votedAcceptor(t, 0, wire.VoteResponse{Term: 1, VoteGiven: false})

	_, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
}

func TestVoteWithHigherTermIsFatalEvenAtQuorum(t *testing.T) {
	c := New(1, wire.UUID{1}, 16*1024*1024, false, 0)
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})

	host := fakeHost{redo: 0}
	store := newStore(t)
	a0 := votedAcceptor(t, 0, wire.VoteResponse{Term: 99, VoteGiven: false})

	_, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.Error(t, err)
}

func TestCrossCheckFailureIsFatalUnlessSelfRestart(t *testing.T) {
	c := New(1, wire.UUID{1}, 16*1024*1024, false, 0)
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 5})
	require.Equal(t, term.Term(6), c.Term())

	host := fakeHost{redo: 123} // does not match skipHeader(flushLsn)
	store := newStore(t)
	a0 := votedAcceptor(t, 0, wire.VoteResponse{
		Term: 6, VoteGiven: true,
		FlushLsn: 500, // mid-page, skipHeader is a no-op: skipped == 500 != redo(123)
	})

	_, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.Error(t, err)
}

func TestCrossCheckPassesOnSelfRestart(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SetMineLastElectedTerm(context.Background(), term.Term(9)))

	c := New(1, wire.UUID{1}, 16*1024*1024, false, term.Term(9))
	_, ready := c.OnGreeting(wire.AcceptorGreeting{Term: 9})
	require.True(t, ready)

	host := fakeHost{redo: 999} // deliberately mismatched to force the cross-check branch
	a0 := votedAcceptor(t, 0, wire.VoteResponse{
		Term: c.Term(), VoteGiven: true,
		History:  term.History{{Term: 9, LSN: 42}},
		FlushLsn: 500,
	})

	out, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.NoError(t, err)
	require.True(t, out.QuorumJustReached)
}

func TestTimelineStartLsnMismatchIsReported(t *testing.T) {
	c := New(2, wire.UUID{1}, 16*1024*1024, false, 0)
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 0})

	host := fakeHost{redo: 4096}
	store := newStore(t)

	a0 := votedAcceptor(t, 0, wire.VoteResponse{Term: 1, VoteGiven: true, FlushLsn: 4096, TimelineStartLsn: 100})
	a1 := votedAcceptor(t, 1, wire.VoteResponse{Term: 1, VoteGiven: true, FlushLsn: 4096, TimelineStartLsn: 200})

	_, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.NoError(t, err)

	out, err := c.OnVoteResponse(context.Background(), a1, a1.VoteResponse, host, store)
	require.NoError(t, err)
	require.True(t, out.QuorumJustReached)
	require.True(t, out.TimelineStartLsnMismatch)
	require.True(t, c.TimelineMismatch())
}

func TestStartStreamingAtFollowsCommonPrefix(t *testing.T) {
	c := New(1, wire.UUID{1}, 16*1024*1024, false, 0)
	_, _ = c.OnGreeting(wire.AcceptorGreeting{Term: 1})
	require.Equal(t, term.Term(2), c.Term())

	host := fakeHost{redo: 0x500}
	store := newStore(t)

	a0 := votedAcceptor(t, 0, wire.VoteResponse{
		Term: 2, VoteGiven: true,
		History:  term.History{{Term: 1, LSN: 0x100}},
		FlushLsn: 0x500,
	})
	out, err := c.OnVoteResponse(context.Background(), a0, a0.VoteResponse, host, store)
	require.NoError(t, err)
	require.True(t, out.QuorumJustReached)
	// Proposer history is [(1,0x100),(2,0x500)] and the acceptor's is
	// [(1,0x100)]: common prefix index is 0, whose term is not propTerm, so
	// startStreamingAt = min(propTermHistory[1].lsn, acceptor flushLsn).
	require.Equal(t, term.LSN(0x500), out.Elected.StartStreamingAt)
}
