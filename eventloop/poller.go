// Package eventloop implements the single event set the proposer's main
// poll cycle waits on (spec.md §4.1, §4.8): one wake latch for "new WAL
// available" plus one socket-readiness slot per non-offline acceptor.
package eventloop

import "time"

// Conn is one socket the poller should watch.
type Conn struct {
	// Fd is the raw file descriptor (safekeeper.Acceptor.Transport.Fd()).
	Fd int
	// WantWrite requests write-readiness interest in addition to the
	// always-on read interest (safekeeper.Acceptor.WantsWrite()).
	WantWrite bool
}

// Result is what Wait observed.
type Result struct {
	// Woken is true if the wake latch fired: the caller should stop polling
	// and feed in newly available WAL (spec.md §4.1 step 2).
	Woken bool
	// FiredIndex is the index into the Conns slice passed to Reset whose
	// socket became ready, or -1 if none did (timeout, or only the latch
	// fired).
	FiredIndex int
	Readable   bool
	Writable   bool
	TimedOut   bool
}

// Poller is the event-set capability: build/reset the set, wait with a
// timeout, report which connection (if any) became ready. Implementations
// live in poller_linux.go (real epoll) and poller_other.go (build stub).
type Poller interface {
	// Reset tears down and rebuilds the whole watched set from conns, a
	// conscious simplification per spec.md §4.3/§9: connection membership
	// changes (reconnects) are rare relative to the streaming hot path, so
	// there is no incremental add/remove API.
	Reset(conns []Conn) error

	// Wait blocks for at most timeout (no timeout if timeout < 0) for the
	// wake latch or any watched socket to become ready.
	Wait(timeout time.Duration) (Result, error)

	// Signal fires the wake latch from any goroutine (normally the host
	// database's WAL-produced callback), waking a blocked Wait.
	Signal() error

	Close() error
}
