package safekeeper

import (
	"fmt"
	"time"

	"WP/term"
	"WP/wire"
)

// EventKind reports to the caller (proposer.Proposer's main loop) what
// Advance observed, so the orchestration that spans multiple acceptors
// (election tallying, quorum commit) can live outside this package and
// avoid an import cycle between safekeeper and election/streaming.
type EventKind int

const (
	NoEvent EventKind = iota
	ReadyForGreeting
	GreetingReceived
	VoteResponseReceived
	AppendResponseReceived
	ConnectionLost
)

// Event is the decoded result of one Advance call.
type Event struct {
	Kind            EventKind
	Greeting        wire.AcceptorGreeting
	VoteResponse    wire.VoteResponse
	AppendResponse  wire.AppendResponse
}

// Acceptor is the per-safekeeper connection record of spec.md §3: state,
// last-message timestamp, cached responses, streaming cursor, and the
// transport handle.
type Acceptor struct {
	Index int
	Addr  string

	Transport Transport
	State     State

	LatestMsgReceivedAt time.Time

	Greeting       wire.AcceptorGreeting
	VoteResponse   wire.VoteResponse
	AppendResponse wire.AppendResponse

	StreamingAt      term.LSN
	StartStreamingAt term.LSN
	FlushWrite       bool

	// EventLoopHandle is an opaque slot index, initialised to -1; neither
	// safekeeper nor the eventloop package (which indexes watched conns by
	// their position in the slice passed to Reset) reads it.
	EventLoopHandle int

}

// NewAcceptor constructs an Offline acceptor for addr, using transport as
// its connection (normally safekeeper.NewTCPTransport(addr)).
func NewAcceptor(index int, addr string, transport Transport) *Acceptor {
	return &Acceptor{Index: index, Addr: addr, Transport: transport, State: Offline, EventLoopHandle: -1}
}

// WantsWrite reports whether the event loop should register write-readiness
// interest for this acceptor right now (spec.md §4.3 "Waits on" column plus
// the Active-state streaming condition).
func (a *Acceptor) WantsWrite(availableLsn term.LSN) bool {
	if a.State.WaitsOnWrite() {
		return true
	}
	if a.State == Active {
		return a.StreamingAt < availableLsn || a.FlushWrite
	}
	return false
}

// ResetConnection tears down any existing connection and starts a fresh
// nonblocking connect, per spec.md §4.6. The caller is responsible for
// removing/re-adding this acceptor's slot in the event set afterward (the
// event set is always rebuilt wholesale, per spec.md §4.3's "removing an
// acceptor" note).
func (a *Acceptor) ResetConnection(newTransport Transport) {
	if a.State != Offline {
		a.ShutdownConnection()
	}
	a.Transport = newTransport
	a.VoteResponse = wire.VoteResponse{}
	a.FlushWrite = false

	switch a.Transport.ConnectStart() {
	case ConnectBad:
		a.State = Offline
	case ConnectOk, ConnectInProgress:
		a.State = ConnectingWrite
	}
}

// ShutdownConnection frees per-connection state and returns the acceptor to
// Offline. Safe to call from any state.
func (a *Acceptor) ShutdownConnection() {
	if a.Transport != nil {
		_ = a.Transport.Close()
	}
	a.State = Offline
	a.VoteResponse = wire.VoteResponse{}
	a.FlushWrite = false
	a.StreamingAt = 0
}

// Advance drives the state machine forward given socket readiness. It
// returns an Event describing what (if anything) completed, for the caller
// to feed to the election coordinator or streaming engine.
func (a *Acceptor) Advance(readable, writable bool) (Event, error) {
	switch a.State {
	case Offline:
		return Event{}, nil

	case ConnectingWrite, ConnectingRead:
		return a.advanceConnecting()

	case WaitExecResult:
		if !readable {
			return Event{}, nil
		}
		return a.advanceExecResult()

	case HandshakeRecv:
		if !readable {
			return Event{}, nil
		}
		return a.advanceHandshake()

	case Voting:
		if readable {
			// Any read activity while waiting for the election to resolve
			// can only be the peer closing the connection early.
			frame, ok, err := a.Transport.AsyncRead()
			if err != nil {
				a.ShutdownConnection()
				return Event{Kind: ConnectionLost}, nil
			}
			if ok && len(frame) == 0 {
				a.ShutdownConnection()
				return Event{Kind: ConnectionLost}, nil
			}
		}
		return Event{}, nil

	case WaitVerdict:
		if !readable {
			return Event{}, nil
		}
		return a.advanceVerdict()

	case SendElectedFlush:
		if !writable {
			return Event{}, nil
		}
		if a.Transport.Flush() == 0 {
			a.State = Active
		}
		return Event{}, nil

	case Idle:
		if readable {
			frame, ok, err := a.Transport.AsyncRead()
			if err != nil {
				a.ShutdownConnection()
				return Event{Kind: ConnectionLost}, nil
			}
			if ok && len(frame) == 0 {
				a.ShutdownConnection()
				return Event{Kind: ConnectionLost}, nil
			}
		}
		return Event{}, nil

	case Active:
		if readable {
			return a.advanceActiveRead()
		}
		return Event{}, nil

	default:
		return Event{}, fmt.Errorf("safekeeper: unknown state %v", a.State)
	}
}

func (a *Acceptor) advanceConnecting() (Event, error) {
	switch a.Transport.ConnectPoll() {
	case PollOk:
		if err := a.Transport.SendQuery("START_WAL_PUSH"); err != nil {
			a.ShutdownConnection()
			return Event{Kind: ConnectionLost}, nil
		}
		a.State = WaitExecResult
	case PollNeedRead:
		a.State = ConnectingRead
	case PollNeedWrite:
		a.State = ConnectingWrite
	case PollFailed:
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	return Event{}, nil
}

func (a *Acceptor) advanceExecResult() (Event, error) {
	switch a.Transport.GetQueryResult() {
	case QueryCopyBothOk:
		a.State = HandshakeRecv
		return Event{Kind: ReadyForGreeting}, nil
	case QueryNeedInput:
		// stay in WaitExecResult
	case QueryUnexpectedOk, QueryFailed:
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	return Event{}, nil
}

func (a *Acceptor) advanceHandshake() (Event, error) {
	frame, ok, err := a.Transport.AsyncRead()
	if err != nil {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	if !ok {
		return Event{}, nil
	}
	if len(frame) == 0 {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	greeting, err := wire.DecodeAcceptorGreeting(frame)
	if err != nil {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	a.Greeting = greeting
	a.LatestMsgReceivedAt = time.Now()
	a.State = Voting
	return Event{Kind: GreetingReceived, Greeting: greeting}, nil
}

func (a *Acceptor) advanceVerdict() (Event, error) {
	frame, ok, err := a.Transport.AsyncRead()
	if err != nil {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	if !ok {
		return Event{}, nil
	}
	if len(frame) == 0 {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	vr, err := wire.DecodeVoteResponse(frame)
	if err != nil {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	a.VoteResponse = vr
	a.LatestMsgReceivedAt = time.Now()
	// Caller (election coordinator) decides the next state: Idle pending
	// quorum, or straight to SendElectedFlush/Active if quorum already hit.
	a.State = Idle
	return Event{Kind: VoteResponseReceived, VoteResponse: vr}, nil
}

func (a *Acceptor) advanceActiveRead() (Event, error) {
	frame, ok, err := a.Transport.AsyncRead()
	if err != nil {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	if !ok {
		return Event{}, nil
	}
	if len(frame) == 0 {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	ar, err := wire.DecodeAppendResponse(frame)
	if err != nil {
		a.ShutdownConnection()
		return Event{Kind: ConnectionLost}, nil
	}
	a.AppendResponse = ar
	a.LatestMsgReceivedAt = time.Now()
	return Event{Kind: AppendResponseReceived, AppendResponse: ar}, nil
}

// SendGreeting performs the short blocking write of a ProposerGreeting
// (spec.md §5: "short blocking writes for greetings and vote requests").
func (a *Acceptor) SendGreeting(g wire.ProposerGreeting) bool {
	return a.Transport.BlockingWrite(g.Encode())
}

// SendVoteRequest performs the short blocking write of a VoteRequest and
// transitions to WaitVerdict.
func (a *Acceptor) SendVoteRequest(v wire.VoteRequest) bool {
	if !a.Transport.BlockingWrite(v.Encode()) {
		return false
	}
	a.State = WaitVerdict
	return true
}

// SendProposerElected writes the election announcement; if the write
// completes immediately the acceptor moves straight to Active, otherwise it
// parks in SendElectedFlush pending a write-ready wakeup.
func (a *Acceptor) SendProposerElected(e wire.ProposerElected) error {
	a.StreamingAt = e.StartStreamingAt
	res, err := a.Transport.AsyncWrite(e.Encode())
	if err != nil {
		a.ShutdownConnection()
		return err
	}
	switch res {
	case WriteOk:
		a.State = Active
	case WriteTryFlush:
		a.State = SendElectedFlush
	case WriteFailed:
		a.ShutdownConnection()
	}
	return nil
}

// SendAppend writes one AppendRequest chunk; see streaming.Engine for the
// chunking/backpressure loop that calls this repeatedly per wakeup.
func (a *Acceptor) SendAppend(req wire.AppendRequest) error {
	res, err := a.Transport.AsyncWrite(req.Encode())
	if err != nil {
		a.ShutdownConnection()
		return err
	}
	a.StreamingAt = req.EndLsn
	switch res {
	case WriteTryFlush:
		a.FlushWrite = true
	case WriteFailed:
		a.ShutdownConnection()
	}
	return nil
}

// TryFlushPending attempts to drain a previously buffered partial write
// while in the Active state (spec.md §4.5: "If flushWrite: flush").
func (a *Acceptor) TryFlushPending() {
	if !a.FlushWrite {
		return
	}
	switch a.Transport.Flush() {
	case 0:
		a.FlushWrite = false
	case -1:
		a.ShutdownConnection()
	}
}

// Inactive reports whether this acceptor has been silent longer than
// timeout, per spec.md §4.1 step 5 / §5 connection_timeout.
func (a *Acceptor) Inactive(now time.Time, timeout time.Duration) bool {
	if a.State == Offline {
		return false
	}
	if a.LatestMsgReceivedAt.IsZero() {
		return false
	}
	return now.Sub(a.LatestMsgReceivedAt) > timeout
}
