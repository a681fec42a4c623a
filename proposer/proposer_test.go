package proposer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"WP/configs"
	"WP/eventloop"
	"WP/host"
	"WP/metrics"
	"WP/safekeeper"
	"WP/sharedstate"
	"WP/term"
	"WP/wire"
)

type recordingTransport struct {
	writes [][]byte
}

func (t *recordingTransport) ConnectStart() safekeeper.ConnectResult { return safekeeper.ConnectOk }
func (t *recordingTransport) ConnectPoll() safekeeper.PollResult     { return safekeeper.PollOk }
func (t *recordingTransport) SendQuery(q string) error               { return nil }
func (t *recordingTransport) GetQueryResult() safekeeper.QueryResult {
	return safekeeper.QueryCopyBothOk
}
func (t *recordingTransport) AsyncWrite(b []byte) (safekeeper.WriteResult, error) {
	t.writes = append(t.writes, b)
	return safekeeper.WriteOk, nil
}
func (t *recordingTransport) Flush() int                 { return 0 }
func (t *recordingTransport) BlockingWrite(b []byte) bool { t.writes = append(t.writes, b); return true }
func (t *recordingTransport) AsyncRead() ([]byte, bool, error) { return nil, false, nil }
func (t *recordingTransport) Fd() int                          { return 1 }
func (t *recordingTransport) Close() error                     { return nil }
func (t *recordingTransport) ErrorString() string              { return "" }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestProposer(t *testing.T, n int) (*Proposer, []*recordingTransport) {
	t.Helper()
	cfg := configs.Config{
		Tenant:                      "00000000000000000000000000000001",
		Timeline:                    "00000000000000000000000000000002",
		SafekeepersList:             make([]string, n),
		SafekeeperReconnectTimeout:  time.Second,
		SafekeeperConnectionTimeout: time.Minute,
		WalSegmentSize:              16 << 20,
	}
	for i := range cfg.SafekeepersList {
		cfg.SafekeepersList[i] = fmt.Sprintf("acceptor-%d", i)
	}

	store, err := sharedstate.New("")
	require.NoError(t, err)

	wal, err := host.NewWalStoreHost(t.TempDir(), term.LSN(0x100))
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	poll, err := eventloop.NewPoller()
	require.NoError(t, err)

	p, err := New(cfg, wal, &fakeClock{now: time.Now()}, fixedRand{}, store, reg, poll)
	require.NoError(t, err)

	transports := make([]*recordingTransport, n)
	for i := range p.acceptors {
		tr := &recordingTransport{}
		transports[i] = tr
		p.acceptors[i] = safekeeper.NewAcceptor(i, fmt.Sprintf("acceptor-%d", i), tr)
		p.acceptors[i].State = safekeeper.Voting
	}
	return p, transports
}

type fixedRand struct{}

func (fixedRand) ProposerID() [16]byte { return [16]byte{1, 2, 3} }

func TestNewRejectsDuplicateSafekeeperAddresses(t *testing.T) {
	cfg := configs.Config{
		Tenant:          "00000000000000000000000000000001",
		Timeline:        "00000000000000000000000000000002",
		SafekeepersList: []string{"dup:5000", "dup:5000"},
		WalSegmentSize:  16 << 20,
	}
	store, err := sharedstate.New("")
	require.NoError(t, err)
	wal, err := host.NewWalStoreHost(t.TempDir(), term.LSN(0))
	require.NoError(t, err)
	poll, err := eventloop.NewPoller()
	require.NoError(t, err)

	_, err = New(cfg, wal, &fakeClock{now: time.Now()}, fixedRand{}, store, metrics.NewRegistry(), poll)
	require.Error(t, err)
}

func TestReportFatalIncrementsFatalAbortsOnlyForFatalError(t *testing.T) {
	p, _ := newTestProposer(t, 1)

	require.Equal(t, float64(0), testutil.ToFloat64(p.metr.FatalAborts))

	err := p.reportFatal(fmt.Errorf("some transient error"))
	require.Error(t, err)
	require.Equal(t, float64(0), testutil.ToFloat64(p.metr.FatalAborts))

	err = p.reportFatal(&FatalError{Reason: "concurrent proposer detected"})
	require.Error(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(p.metr.FatalAborts))
}

func TestElectionFlowReachesQuorumAndSendsElected(t *testing.T) {
	p, transports := newTestProposer(t, 3)

	require.NoError(t, p.onGreeting(p.acceptors[0], wire.AcceptorGreeting{Term: 0}))
	require.NoError(t, p.onGreeting(p.acceptors[1], wire.AcceptorGreeting{Term: 0}))
	require.NotNil(t, p.coord)
	require.Equal(t, term.Term(1), p.coord.Term())

	// VoteRequest should have been sent (as a blocking write) to every
	// acceptor still in Voting, i.e. all three.
	for _, tr := range transports {
		require.Len(t, tr.writes, 1)
	}

	for _, a := range p.acceptors {
		a.State = safekeeper.WaitVerdict
	}

	vr := wire.VoteResponse{Term: 1, VoteGiven: true, FlushLsn: 0, TruncateLsn: 0}
	p.acceptors[0].State = safekeeper.Idle
	require.NoError(t, p.onVoteResponse(context.Background(), p.acceptors[0], vr))
	p.acceptors[1].State = safekeeper.Idle
	require.NoError(t, p.onVoteResponse(context.Background(), p.acceptors[1], vr))
	p.acceptors[2].State = safekeeper.Idle
	require.NoError(t, p.onVoteResponse(context.Background(), p.acceptors[2], vr))

	require.NotNil(t, p.stream)
	// Each acceptor's transport should now have a ProposerElected write
	// queued (the blocking VoteRequest write plus one async write).
	for _, tr := range transports {
		require.GreaterOrEqual(t, len(tr.writes), 2)
	}
}
