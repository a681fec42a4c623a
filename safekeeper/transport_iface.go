package safekeeper

// ConnectResult is the outcome of a connect attempt (spec.md §4.2).
type ConnectResult int

const (
	ConnectOk ConnectResult = iota
	ConnectBad
	ConnectInProgress
)

// PollResult is the outcome of polling an in-progress connect.
type PollResult int

const (
	PollOk PollResult = iota
	PollNeedRead
	PollNeedWrite
	PollFailed
)

// QueryResult is the outcome of polling for the START_WAL_PUSH response.
type QueryResult int

const (
	QueryCopyBothOk QueryResult = iota
	QueryNeedInput
	QueryUnexpectedOk
	QueryFailed
)

// WriteResult is the outcome of a nonblocking write.
type WriteResult int

const (
	WriteOk WriteResult = iota
	WriteTryFlush
	WriteFailed
)

// Transport is the capability contract spec.md §4.2 requires of the
// connection to one acceptor: nonblocking connect, nonblocking framed I/O,
// and a handful of short blocking writes for small handshake messages. It
// exposes the raw nonblocking-socket primitives the single-threaded event
// loop needs, using golang.org/x/sys/unix for EAGAIN-driven partial I/O —
// the same raw-readiness idiom evio/netpoll-style Go event loops use.
type Transport interface {
	ConnectStart() ConnectResult
	ConnectPoll() PollResult

	SendQuery(query string) error
	GetQueryResult() QueryResult

	// AsyncWrite enqueues one length-prefixed frame. It may complete the
	// whole write, or report WriteTryFlush if the kernel buffer filled.
	AsyncWrite(frame []byte) (WriteResult, error)
	// Flush drains any buffered partial write. Returns 0 done, 1 still
	// pending, -1 on error (spec.md §4.2 "flush(sk) → {0,1,−1}").
	Flush() int
	BlockingWrite(frame []byte) bool

	// AsyncRead returns the next complete frame if one is fully buffered,
	// ok=false with no error if more data is needed (TryAgain), or an error
	// on failure. A zero-length frame with ok=true and err=nil signals EOF.
	AsyncRead() (frame []byte, ok bool, err error)

	// Fd is the raw file descriptor the event loop polls.
	Fd() int

	Close() error
	ErrorString() string
}

func frameMessage(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(len(payload) >> 24)
	out[1] = byte(len(payload) >> 16)
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	copy(out[4:], payload)
	return out
}
