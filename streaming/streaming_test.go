package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"WP/safekeeper"
	"WP/sharedstate"
	"WP/term"
	"WP/wire"
)

type fakeWAL struct {
	available term.LSN
	data      []byte
	confirmed term.LSN
	finished  bool
}

func (f *fakeWAL) AvailableLsn(ctx context.Context) (term.LSN, error) { return f.available, nil }
func (f *fakeWAL) RedoStartLsn(ctx context.Context) (term.LSN, error) { return 0, nil }
func (f *fakeWAL) ReadWAL(ctx context.Context, begin, end term.LSN) ([]byte, error) {
	if int(end) > len(f.data) {
		end = term.LSN(len(f.data))
	}
	return f.data[begin:end], nil
}
func (f *fakeWAL) ConfirmWalStreamed(ctx context.Context, lsn term.LSN) error {
	f.confirmed = lsn
	return nil
}
func (f *fakeWAL) FinishSyncSafekeepers(ctx context.Context, lsn term.LSN) error {
	f.finished = true
	return nil
}
func (f *fakeWAL) Close(ctx context.Context) error { return nil }

func newStore(t *testing.T) *sharedstate.Block {
	t.Helper()
	b, err := sharedstate.New("")
	require.NoError(t, err)
	return b
}

func activeAcceptor(idx int) *safekeeper.Acceptor {
	a := safekeeper.NewAcceptor(idx, "addr", nil)
	a.State = safekeeper.Active
	return a
}

func TestQuorumCommitLsnMasksBelowEpochStart(t *testing.T) {
	e := New(2, 5, 1000, 0, wire.UUID{}, false, &fakeWAL{}, newStore(t))
	accs := []*safekeeper.Acceptor{activeAcceptor(0), activeAcceptor(1), activeAcceptor(2)}
	accs[0].AppendResponse.FlushLsn = 500 // below epochStartLsn, masked to 0
	accs[1].AppendResponse.FlushLsn = 1500
	accs[2].AppendResponse.FlushLsn = 2000

	// sorted: [0, 1500, 2000], N=3, Q=2 -> index 1 -> 1500
	require.Equal(t, term.LSN(1500), e.QuorumCommitLsn(accs))
}

func TestAdvanceTruncateLsnRaisesAndConfirms(t *testing.T) {
	wal := &fakeWAL{}
	e := New(2, 5, 0, 100, wire.UUID{}, false, wal, newStore(t))
	accs := []*safekeeper.Acceptor{activeAcceptor(0), activeAcceptor(1)}
	accs[0].AppendResponse.FlushLsn = 300
	accs[1].AppendResponse.FlushLsn = 400

	advanced, err := e.AdvanceTruncateLsn(context.Background(), accs)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, term.LSN(300), e.TruncateLsn())
	require.Equal(t, term.LSN(300), wal.confirmed)

	advanced, err = e.AdvanceTruncateLsn(context.Background(), accs)
	require.NoError(t, err)
	require.False(t, advanced)
}

func TestOnAppendResponseFatalOnHigherTerm(t *testing.T) {
	e := New(1, 5, 0, 0, wire.UUID{}, false, &fakeWAL{}, newStore(t))
	err := e.OnAppendResponse(wire.AppendResponse{Term: 6})
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
}

func TestSendChunksSendsHeartbeatWhenNothingNew(t *testing.T) {
	wal := &fakeWAL{data: make([]byte, 100)}
	e := New(1, 5, 0, 0, wire.UUID{}, false, wal, newStore(t))
	a := activeAcceptor(0)
	a.Transport = noopTransport{}
	a.StreamingAt = 50

	err := e.SendChunks(context.Background(), a, 50, 0)
	require.NoError(t, err)
	require.Equal(t, term.LSN(50), a.StreamingAt)
}

func TestSendChunksAdvancesToAvailable(t *testing.T) {
	wal := &fakeWAL{data: make([]byte, 1000)}
	e := New(1, 5, 0, 0, wire.UUID{}, false, wal, newStore(t))
	a := activeAcceptor(0)
	a.Transport = noopTransport{}
	a.StreamingAt = 0

	err := e.SendChunks(context.Background(), a, 500, 0)
	require.NoError(t, err)
	require.Equal(t, term.LSN(500), a.StreamingAt)
}

func TestMaybeFinishSyncSafekeepersRequiresQuorum(t *testing.T) {
	wal := &fakeWAL{}
	e := New(2, 5, 1000, 0, wire.UUID{}, true, wal, newStore(t))
	accs := []*safekeeper.Acceptor{activeAcceptor(0), activeAcceptor(1), activeAcceptor(2)}
	accs[0].AppendResponse.CommitLsn = 1000
	accs[1].AppendResponse.CommitLsn = 500 // not caught up
	accs[2].AppendResponse.CommitLsn = 1000

	sent := 0
	done, err := e.MaybeFinishSyncSafekeepers(context.Background(), accs, func(*safekeeper.Acceptor) error {
		sent++
		return nil
	})
	require.NoError(t, err)
	require.False(t, done)
	require.False(t, wal.finished)
	require.Equal(t, 0, sent)
}

func TestMaybeFinishSyncSafekeepersTerminates(t *testing.T) {
	wal := &fakeWAL{}
	e := New(2, 5, 1000, 0, wire.UUID{}, true, wal, newStore(t))
	accs := []*safekeeper.Acceptor{activeAcceptor(0), activeAcceptor(1), activeAcceptor(2)}
	for _, a := range accs {
		a.AppendResponse.CommitLsn = 1000
	}

	sent := 0
	done, err := e.MaybeFinishSyncSafekeepers(context.Background(), accs, func(*safekeeper.Acceptor) error {
		sent++
		return nil
	})
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, wal.finished)
	require.Equal(t, 3, sent)
}

// noopTransport is a minimal safekeeper.Transport fake so SendChunks can
// exercise the real Acceptor.SendAppend path without a real socket.
type noopTransport struct{}

func (noopTransport) ConnectStart() safekeeper.ConnectResult  { return safekeeper.ConnectBad }
func (noopTransport) ConnectPoll() safekeeper.PollResult      { return safekeeper.PollFailed }
func (noopTransport) SendQuery(q string) error                { return nil }
func (noopTransport) GetQueryResult() safekeeper.QueryResult  { return safekeeper.QueryFailed }
func (noopTransport) AsyncWrite(b []byte) (safekeeper.WriteResult, error) {
	return safekeeper.WriteOk, nil
}
func (noopTransport) Flush() int                      { return 0 }
func (noopTransport) BlockingWrite(b []byte) bool      { return true }
func (noopTransport) AsyncRead() ([]byte, bool, error) { return nil, false, nil }
func (noopTransport) Fd() int                          { return -1 }
func (noopTransport) Close() error                     { return nil }
func (noopTransport) ErrorString() string              { return "" }
