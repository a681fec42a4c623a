//go:build linux

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// wakeSlot is the sentinel epoll_event.data.fd value for the wake latch;
// real conn slots are always registered with their (non-negative) index
// into conns, so -1 can never collide with one.
const wakeSlot = -1

// epollPoller is the real event set, generalizing the poller-wrapper pattern
// of epoll/kqueue-style Go event loops (raw readiness bits, one extra fd for
// cross-goroutine wakeup) down to exactly the two primitives spec.md §4.1
// needs: "wait with timeout" and "which connection fired".
type epollPoller struct {
	epfd   int
	wakeFd int
	conns  []Conn
}

// NewPoller constructs a Linux epoll-backed Poller with its own eventfd wake
// latch.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	p := &epollPoller{epfd: epfd, wakeFd: wakeFd}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeSlot}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, fmt.Errorf("eventloop: epoll_ctl add wake fd: %w", err)
	}
	return p, nil
}

func (p *epollPoller) Reset(conns []Conn) error {
	// Rebuild the interest set wholesale (spec.md §4.3's deliberate
	// simplification): close and recreate the epoll instance rather than
	// tracking fine-grained add/remove deltas.
	newEpfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("eventloop: epoll_create1 on reset: %w", err)
	}
	if err := unix.EpollCtl(newEpfd, unix.EPOLL_CTL_ADD, p.wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeSlot}); err != nil {
		_ = unix.Close(newEpfd)
		return fmt.Errorf("eventloop: epoll_ctl re-add wake fd: %w", err)
	}
	for i, c := range conns {
		ev := uint32(unix.EPOLLIN)
		if c.WantWrite {
			ev |= unix.EPOLLOUT
		}
		// The event's Fd field doubles as the index into conns so Wait can
		// report FiredIndex without a reverse map from kernel fd to index.
		if err := unix.EpollCtl(newEpfd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{Events: ev, Fd: int32(i)}); err != nil {
			_ = unix.Close(newEpfd)
			return fmt.Errorf("eventloop: epoll_ctl add conn %d (fd %d): %w", i, c.Fd, err)
		}
	}
	_ = unix.Close(p.epfd)
	p.epfd = newEpfd
	p.conns = conns
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) (Result, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	events := make([]unix.EpollEvent, 1+len(p.conns))
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return Result{FiredIndex: -1}, nil
		}
		return Result{}, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	if n == 0 {
		return Result{TimedOut: true, FiredIndex: -1}, nil
	}
	res := Result{FiredIndex: -1}
	for i := 0; i < n; i++ {
		ev := events[i]
		if ev.Fd == wakeSlot {
			res.Woken = true
			var buf [8]byte
			_, _ = unix.Read(p.wakeFd, buf[:])
			continue
		}
		idx := int(ev.Fd)
		if idx < 0 || idx >= len(p.conns) {
			continue
		}
		res.FiredIndex = idx
		res.Readable = ev.Events&unix.EPOLLIN != 0
		res.Writable = ev.Events&unix.EPOLLOUT != 0
	}
	return res, nil
}

func (p *epollPoller) Signal() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakeFd, buf[:])
	return err
}

func (p *epollPoller) Close() error {
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
