//go:build unix

package safekeeper

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// tcpTransport implements Transport over a length-prefixed (4-byte
// big-endian length + payload) framing on top of a raw nonblocking TCP
// socket, since unlike the Postgres wire protocol's CopyData this transport
// has no other message-boundary marker on the wire.
type tcpTransport struct {
	addr string
	fd   int

	writeBuf []byte
	writeOff int

	readBuf []byte

	lastErr error
}

// NewTCPTransport constructs a Transport for addr ("host:port"); the
// connection is not yet established until ConnectStart is called.
func NewTCPTransport(addr string) Transport {
	return &tcpTransport{addr: addr, fd: -1}
}

func (t *tcpTransport) ConnectStart() ConnectResult {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.lastErr = err
		return ConnectBad
	}
	t.fd = fd

	sa, err := resolveSockaddr(t.addr)
	if err != nil {
		t.lastErr = err
		_ = unix.Close(fd)
		t.fd = -1
		return ConnectBad
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return ConnectOk
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return ConnectInProgress
	}
	t.lastErr = err
	_ = unix.Close(fd)
	t.fd = -1
	return ConnectBad
}

func (t *tcpTransport) ConnectPoll() PollResult {
	errno, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		t.lastErr = err
		return PollFailed
	}
	switch errno {
	case 0:
		return PollOk
	case int(unix.EINPROGRESS), int(unix.EALREADY):
		return PollNeedWrite
	default:
		t.lastErr = unix.Errno(errno)
		return PollFailed
	}
}

func (t *tcpTransport) SendQuery(query string) error {
	return t.blockingWriteRaw([]byte(query))
}

func (t *tcpTransport) GetQueryResult() QueryResult {
	buf := make([]byte, 4096)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return QueryNeedInput
		}
		t.lastErr = err
		return QueryFailed
	}
	if n == 0 {
		t.lastErr = fmt.Errorf("safekeeper: eof while waiting for query result")
		return QueryFailed
	}
	// Any non-empty reply to START_WAL_PUSH is treated as entry into
	// CopyBoth mode; a real acceptor's reply is a fixed short string.
	return QueryCopyBothOk
}

func (t *tcpTransport) AsyncWrite(frame []byte) (WriteResult, error) {
	framed := frameMessage(frame)
	n, err := unix.Write(t.fd, framed)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			t.writeBuf = framed
			t.writeOff = 0
			return WriteTryFlush, nil
		}
		t.lastErr = err
		return WriteFailed, err
	}
	if n < len(framed) {
		t.writeBuf = framed
		t.writeOff = n
		return WriteTryFlush, nil
	}
	return WriteOk, nil
}

func (t *tcpTransport) Flush() int {
	if t.writeBuf == nil || t.writeOff >= len(t.writeBuf) {
		t.writeBuf = nil
		return 0
	}
	n, err := unix.Write(t.fd, t.writeBuf[t.writeOff:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 1
		}
		t.lastErr = err
		return -1
	}
	t.writeOff += n
	if t.writeOff >= len(t.writeBuf) {
		t.writeBuf = nil
		return 0
	}
	return 1
}

func (t *tcpTransport) BlockingWrite(frame []byte) bool {
	return t.blockingWriteRaw(frameMessage(frame)) == nil
}

func (t *tcpTransport) blockingWriteRaw(b []byte) error {
	off := 0
	for off < len(b) {
		n, err := unix.Write(t.fd, b[off:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			t.lastErr = err
			return err
		}
		off += n
	}
	return nil
}

// AsyncRead reads available bytes and extracts complete length-prefixed
// frames from the accumulated buffer; this is where our own framing (not
// required of CopyData-based transports, but required of a raw TCP one) is
// reassembled, even though the proposer core above Transport never sees
// partial messages.
func (t *tcpTransport) AsyncRead() ([]byte, bool, error) {
	buf := make([]byte, 65536)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return t.extractFrame()
		}
		t.lastErr = err
		return nil, false, err
	}
	if n == 0 {
		return nil, true, nil // EOF
	}
	t.readBuf = append(t.readBuf, buf[:n]...)
	return t.extractFrame()
}

func (t *tcpTransport) extractFrame() ([]byte, bool, error) {
	if len(t.readBuf) < 4 {
		return nil, false, nil
	}
	length := int(uint32(t.readBuf[0])<<24 | uint32(t.readBuf[1])<<16 | uint32(t.readBuf[2])<<8 | uint32(t.readBuf[3]))
	if len(t.readBuf) < 4+length {
		return nil, false, nil
	}
	frame := make([]byte, length)
	copy(frame, t.readBuf[4:4+length])
	t.readBuf = t.readBuf[4+length:]
	return frame, true, nil
}

func (t *tcpTransport) Fd() int { return t.fd }

func (t *tcpTransport) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

func (t *tcpTransport) ErrorString() string {
	if t.lastErr == nil {
		return ""
	}
	return t.lastErr.Error()
}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("safekeeper: resolve %s: %w", addr, err)
	}
	var ip [4]byte
	copy(ip[:], tcpAddr.IP.To4())
	return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip}, nil
}
