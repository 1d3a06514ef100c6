package sshengine

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/websoft9/sshbridge/internal/bridge"
)

// readRequest is how many bytes one host read request asks for. It matches
// the writer's chunk ceiling so a full reply fits in a single envelope.
const readRequest = 24 * 1024

// stream is the engine side of one virtual descriptor. The bridge invokes
// the On* callbacks on its message-handling goroutine; the engine goroutine
// consumes the stream through Read/Write/waitOpen. A mutex and condition
// variable mediate between the two, and the callbacks never block.
type stream struct {
	fd     int
	host   bridge.Host
	window int

	mu   sync.Mutex
	cond *sync.Cond

	opened  bool
	openOK  bool
	isTTY   bool
	buf     []byte
	readErr error
	closed  bool
	pending bool
	sent    uint64
	acked   uint64
}

func newStream(fd int, host bridge.Host, window int) *stream {
	s := &stream{fd: fd, host: host, window: window}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// OnOpen implements bridge.Stream.
func (s *stream) OnOpen(success, isTTY bool) {
	s.mu.Lock()
	s.opened = true
	s.openOK = success
	s.isTTY = isTTY
	if !success {
		s.closed = true
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// OnRead implements bridge.Stream.
func (s *stream) OnRead(p []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	s.pending = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// OnReadError implements bridge.Stream. The error fails the read in
// progress; the stream itself stays usable.
func (s *stream) OnReadError(err error) {
	s.mu.Lock()
	s.readErr = err
	s.pending = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// OnWriteAcknowledge implements bridge.Stream.
func (s *stream) OnWriteAcknowledge(count uint64) {
	s.mu.Lock()
	if count > s.acked {
		s.acked = count
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// OnReadReady implements bridge.Stream. Readiness is a wake-up hint; the
// blocked reader re-issues its request.
func (s *stream) OnReadReady(ready bool) {
	if !ready {
		return
	}
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// OnClose implements bridge.Stream.
func (s *stream) OnClose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// waitOpen blocks until the host answers the open request and reports
// whether it succeeded and whether the descriptor is a terminal. A close
// arriving before the answer counts as a failed open.
func (s *stream) waitOpen() (success, isTTY bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.opened && !s.closed {
		s.cond.Wait()
	}
	if !s.opened {
		return false, false
	}
	return s.openOK, s.isTTY
}

// Read returns buffered bytes, requesting more from the host when the
// buffer runs dry. It blocks until data, an error, or close arrives.
func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for {
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.readErr != nil {
			err := s.readErr
			s.readErr = nil
			s.mu.Unlock()
			return 0, err
		}
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if !s.pending {
			s.pending = true
			// The host call posts onto the bridge loop; never issue it
			// while holding the lock the loop's callbacks need.
			s.mu.Unlock()
			s.host.Read(s.fd, readRequest)
			s.mu.Lock()
			continue
		}
		s.cond.Wait()
	}
}

// Write sends p through the bridge, honoring the advisory write window:
// it waits until the host has acknowledged enough earlier bytes that the
// next piece fits within the window. A window of zero disables waiting.
func (s *stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		piece := len(p)
		if s.window > 0 && piece > s.window {
			piece = s.window
		}
		s.mu.Lock()
		for s.window > 0 && !s.closed && s.sent > s.acked && s.sent-s.acked+uint64(piece) > uint64(s.window) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return total, io.ErrClosedPipe
		}
		s.sent += uint64(piece)
		s.mu.Unlock()
		s.host.Write(s.fd, p[:piece])
		total += piece
		p = p[piece:]
	}
	return total, nil
}

// Close asks the host to close the descriptor and unblocks any waiters.
func (s *stream) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	if !already {
		s.host.Close(s.fd)
	}
	return nil
}

var _ bridge.Stream = (*stream)(nil)

// virtualAddr labels the two ends of a virtual socket connection.
type virtualAddr string

func (a virtualAddr) Network() string { return "sshbridge" }
func (a virtualAddr) String() string  { return string(a) }

// streamConn adapts a virtual socket stream to net.Conn so the SSH client
// can run its handshake over it. Deadlines are not supported; the bridge
// layer has no timeouts and relies on host cooperation.
type streamConn struct {
	*stream
	remote string
}

func (c *streamConn) LocalAddr() net.Addr                { return virtualAddr("virtual") }
func (c *streamConn) RemoteAddr() net.Addr               { return virtualAddr(c.remote) }
func (c *streamConn) SetDeadline(t time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*streamConn)(nil)
