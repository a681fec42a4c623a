//go:build !linux

package eventloop

import (
	"fmt"
	"time"
)

// stubPoller keeps the module buildable on non-Linux hosts, mirroring the
// pack's evio_other.go-style fallback. It supports tests that never call
// Wait for real readiness (e.g. unit tests of election/streaming logic that
// drive safekeeper.Acceptor directly) but is not a working event loop.
type stubPoller struct{}

func NewPoller() (Poller, error) {
	return stubPoller{}, nil
}

func (stubPoller) Reset(conns []Conn) error { return nil }

func (stubPoller) Wait(timeout time.Duration) (Result, error) {
	return Result{}, fmt.Errorf("eventloop: no epoll-equivalent poller on this platform")
}

func (stubPoller) Signal() error { return nil }

func (stubPoller) Close() error { return nil }
