package sshengine

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/sshbridge/internal/bridge"
)

// stubHost implements bridge.Host with overridable function fields, for
// driving a single stream without a bridge loop.
type stubHost struct {
	openFile   func(fd int, path string, mode int, s bridge.Stream) error
	openSocket func(fd int, host string, port int, s bridge.Stream) error
	write      func(fd int, p []byte)
	read       func(fd int, size int)
	closeFn    func(fd int)
	window     int
	logFn      func(msg string)
}

func (h *stubHost) OpenFile(fd int, path string, mode int, s bridge.Stream) error {
	if h.openFile == nil {
		return nil
	}
	return h.openFile(fd, path, mode, s)
}

func (h *stubHost) OpenSocket(fd int, host string, port int, s bridge.Stream) error {
	if h.openSocket == nil {
		return nil
	}
	return h.openSocket(fd, host, port, s)
}

func (h *stubHost) Write(fd int, p []byte) {
	if h.write != nil {
		h.write(fd, p)
	}
}

func (h *stubHost) Read(fd int, size int) {
	if h.read != nil {
		h.read(fd, size)
	}
}

func (h *stubHost) Close(fd int) {
	if h.closeFn != nil {
		h.closeFn(fd)
	}
}

func (h *stubHost) WriteWindow() int { return h.window }

func (h *stubHost) Log(msg string) {
	if h.logFn != nil {
		h.logFn(msg)
	}
}

func TestParseArgv(t *testing.T) {
	cases := []struct {
		argv    []string
		want    target
		wantErr bool
	}{
		{
			argv: []string{"ssh", "-A", "-p2222", "u@h"},
			want: target{user: "u", host: "h", port: 2222},
		},
		{
			argv: []string{"ssh", "alice@bastion.example"},
			want: target{user: "alice", host: "bastion.example", port: 22},
		},
		{
			argv: []string{"ssh", "-v", "host-only"},
			want: target{host: "host-only", port: 22, verbose: true},
		},
		{
			argv: []string{"ssh", "u@part@h"},
			want: target{user: "u@part", host: "h", port: 22},
		},
		{argv: []string{"ssh", "-pbad", "u@h"}, wantErr: true},
		{argv: []string{"ssh", "-p0", "u@h"}, wantErr: true},
		{argv: []string{"ssh", "-C"}, wantErr: true},
		{argv: []string{}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseArgv(tc.argv)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%v: expected error", tc.argv)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v: unexpected error: %v", tc.argv, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%v: got %+v, want %+v", tc.argv, got, tc.want)
		}
	}
}

func TestStreamReadRequestsOnDemand(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	var s *stream
	host := &stubHost{
		read: func(fd int, size int) {
			mu.Lock()
			requests++
			mu.Unlock()
			// Answer from another goroutine the way the bridge loop would.
			go s.OnRead([]byte("abc"))
		},
	}
	s = newStream(5, host, 0)

	buf := make([]byte, 2)
	n, err := s.Read(buf)
	if err != nil || n != 2 || string(buf[:n]) != "ab" {
		t.Fatalf("first read: n=%d err=%v buf=%q", n, err, buf[:n])
	}
	// The second read drains the buffer without a new host request.
	n, err = s.Read(buf)
	if err != nil || n != 1 || buf[0] != 'c' {
		t.Fatalf("second read: n=%d err=%v", n, err)
	}
	mu.Lock()
	got := requests
	mu.Unlock()
	if got != 1 {
		t.Fatalf("host read requests: got %d, want 1", got)
	}
}

func TestStreamReadEOFOnClose(t *testing.T) {
	var s *stream
	host := &stubHost{
		read: func(fd int, size int) { go s.OnClose() },
	}
	s = newStream(5, host, 0)

	_, err := s.Read(make([]byte, 4))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamWaitOpenUnblocksOnClose(t *testing.T) {
	s := newStream(5, &stubHost{}, 0)

	result := make(chan bool, 1)
	go func() {
		ok, _ := s.waitOpen()
		result <- ok
	}()

	// A close before the host answers, as on bridge shutdown, must count
	// as a failed open rather than wait forever.
	s.OnClose()
	select {
	case ok := <-result:
		if ok {
			t.Fatal("closed-before-answer open reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitOpen still blocked after close")
	}
}

func TestStreamReadErrorIsRecoverable(t *testing.T) {
	var s *stream
	fail := true
	host := &stubHost{
		read: func(fd int, size int) {
			if fail {
				fail = false
				go s.OnReadError(errors.New("bad payload"))
			} else {
				go s.OnRead([]byte("ok"))
			}
		},
	}
	s = newStream(5, host, 0)

	if _, err := s.Read(make([]byte, 4)); err == nil {
		t.Fatal("expected a read error")
	}
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "ok" {
		t.Fatalf("stream did not recover: n=%d err=%v", n, err)
	}
}

func TestStreamWriteWindowBackpressure(t *testing.T) {
	var mu sync.Mutex
	var written []byte
	var s *stream
	host := &stubHost{
		write: func(fd int, p []byte) {
			mu.Lock()
			written = append(written, p...)
			mu.Unlock()
		},
		window: 10,
	}
	s = newStream(4, host, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Write(make([]byte, 25)); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	// Only one window's worth may be in flight before any acknowledgement.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	inFlight := len(written)
	mu.Unlock()
	if inFlight != 10 {
		t.Fatalf("bytes in flight before ack: got %d, want 10", inFlight)
	}
	select {
	case <-done:
		t.Fatal("write completed without acknowledgements")
	default:
	}

	s.OnWriteAcknowledge(10)
	s.OnWriteAcknowledge(20)
	s.OnWriteAcknowledge(25)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete after acknowledgements")
	}
	mu.Lock()
	total := len(written)
	mu.Unlock()
	if total != 25 {
		t.Fatalf("bytes written: got %d, want 25", total)
	}
}

func TestReadLine(t *testing.T) {
	var s *stream
	host := &stubHost{}
	s = newStream(0, host, 0)
	s.OnRead([]byte("password\r\nnext"))

	line, err := readLine(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "password" {
		t.Fatalf("line: got %q, want password", line)
	}
}

// slowWindowChanger records each applied geometry and lingers on it, so
// rapid resizes pile up behind an application in flight.
type slowWindowChanger struct {
	mu    sync.Mutex
	calls [][2]int
}

func (w *slowWindowChanger) WindowChange(rows, cols int) error {
	w.mu.Lock()
	w.calls = append(w.calls, [2]int{rows, cols})
	w.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return nil
}

func TestResizeBurstCoalesces(t *testing.T) {
	engine := New(newFakeHost(nil), zerolog.Nop())
	w := &slowWindowChanger{}
	engine.setSession(w)

	for i := 0; i < 20; i++ {
		engine.SetTerminalSize(100+i, 40+i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		busy := engine.resizing
		engine.mu.Unlock()
		if !busy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		t.Fatal("no window change applied")
	}
	if len(w.calls) >= 20 {
		t.Fatalf("resize burst not coalesced: %d applications for 20 events", len(w.calls))
	}
	// Whatever got skipped, the final geometry must win.
	if last := w.calls[len(w.calls)-1]; last != [2]int{59, 119} {
		t.Fatalf("final geometry: got %dx%d, want 119x59", last[1], last[0])
	}
}

func TestExitCodeMapping(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Fatalf("nil: got %d, want 0", got)
	}
	if got := exitCode(errors.New("connection lost")); got != 255 {
		t.Fatalf("plain error: got %d, want 255", got)
	}
}

// fakeHost serves the host side of the bridge protocol in-process: files
// are memory buffers, sockets are real TCP dials. Callbacks fire from
// dedicated goroutines, as they would from the bridge loop.
type fakeHost struct {
	window int

	mu      sync.Mutex
	streams map[int]bridge.Stream
	conns   map[int]net.Conn
	acked   map[int]uint64
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	stdin   []byte
	logs    []string
}

func newFakeHost(stdin []byte) *fakeHost {
	return &fakeHost{
		window:  bridge.DefaultWriteWindow,
		streams: make(map[int]bridge.Stream),
		conns:   make(map[int]net.Conn),
		acked:   make(map[int]uint64),
		stdin:   stdin,
	}
}

func (h *fakeHost) OpenFile(fd int, path string, mode int, s bridge.Stream) error {
	h.mu.Lock()
	h.streams[fd] = s
	h.mu.Unlock()
	s.OnOpen(true, false)
	return nil
}

func (h *fakeHost) OpenSocket(fd int, hostname string, port int, s bridge.Stream) error {
	h.mu.Lock()
	h.streams[fd] = s
	h.mu.Unlock()
	conn, err := net.Dial("tcp", net.JoinHostPort(hostname, strconv.Itoa(port)))
	if err != nil {
		s.OnOpen(false, false)
		return nil
	}
	h.mu.Lock()
	h.conns[fd] = conn
	h.mu.Unlock()
	s.OnOpen(true, false)
	return nil
}

func (h *fakeHost) Write(fd int, p []byte) {
	h.mu.Lock()
	conn := h.conns[fd]
	stream := h.streams[fd]
	switch fd {
	case fdStdout:
		h.stdout.Write(p)
	case fdStderr:
		h.stderr.Write(p)
	}
	h.acked[fd] += uint64(len(p))
	count := h.acked[fd]
	h.mu.Unlock()

	if conn != nil {
		_, _ = conn.Write(p)
	}
	go stream.OnWriteAcknowledge(count)
}

func (h *fakeHost) Read(fd int, size int) {
	h.mu.Lock()
	conn := h.conns[fd]
	stream := h.streams[fd]
	var data []byte
	if fd == fdStdin && len(h.stdin) > 0 {
		n := size
		if n > len(h.stdin) {
			n = len(h.stdin)
		}
		data = h.stdin[:n]
		h.stdin = h.stdin[n:]
	}
	h.mu.Unlock()

	if data != nil {
		go stream.OnRead(data)
		return
	}
	if conn == nil {
		// Nothing to serve; leave the request pending like a quiet tty.
		return
	}
	go func() {
		buf := make([]byte, size)
		n, err := conn.Read(buf)
		if n > 0 {
			stream.OnRead(buf[:n])
		}
		if err != nil {
			stream.OnClose()
		}
	}()
}

func (h *fakeHost) Close(fd int) {
	h.mu.Lock()
	conn := h.conns[fd]
	delete(h.conns, fd)
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (h *fakeHost) WriteWindow() int { return h.window }

func (h *fakeHost) Log(msg string) {
	h.mu.Lock()
	h.logs = append(h.logs, msg)
	h.mu.Unlock()
}

func (h *fakeHost) stdoutString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout.String()
}

// testServerConfig describes the behavior of the in-process SSH server.
type testServerConfig struct {
	password   string // accepted via password auth when non-empty
	kbdAnswer  string // accepted via keyboard-interactive when non-empty
	banner     string // written to the session channel once it starts
	exitStatus uint32
	wantSubsys string // when non-empty, only this subsystem request starts the session
}

// startSSHServer runs a single-connection SSH server on a loopback
// listener and returns its address.
func startSSHServer(t *testing.T, cfg testServerConfig) string {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := cryptossh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	serverCfg := &cryptossh.ServerConfig{}
	if cfg.password != "" {
		serverCfg.PasswordCallback = func(meta cryptossh.ConnMetadata, pass []byte) (*cryptossh.Permissions, error) {
			if string(pass) == cfg.password {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if cfg.kbdAnswer != "" {
		serverCfg.KeyboardInteractiveCallback = func(meta cryptossh.ConnMetadata, challenge cryptossh.KeyboardInteractiveChallenge) (*cryptossh.Permissions, error) {
			answers, err := challenge("", "", []string{"Verification code: "}, []bool{true})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && answers[0] == cfg.kbdAnswer {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong answer")
		}
	}
	serverCfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serverConn, chans, reqs, err := cryptossh.NewServerConn(conn, serverCfg)
		if err != nil {
			conn.Close()
			return
		}
		defer serverConn.Close()
		go cryptossh.DiscardRequests(reqs)

		for newChannel := range chans {
			if newChannel.ChannelType() != "session" {
				newChannel.Reject(cryptossh.UnknownChannelType, "unsupported")
				continue
			}
			channel, requests, err := newChannel.Accept()
			if err != nil {
				return
			}
			go func() {
				started := false
				for req := range requests {
					switch req.Type {
					case "pty-req", "env":
						req.Reply(true, nil)
					case "shell":
						req.Reply(cfg.wantSubsys == "", nil)
						started = cfg.wantSubsys == ""
					case "subsystem":
						var payload struct{ Name string }
						ok := cryptossh.Unmarshal(req.Payload, &payload) == nil &&
							payload.Name == cfg.wantSubsys
						req.Reply(ok, nil)
						started = ok
					default:
						req.Reply(false, nil)
					}
					if started {
						break
					}
				}
				if !started {
					channel.Close()
					return
				}
				if cfg.banner != "" {
					io.WriteString(channel, cfg.banner)
				}
				status := struct{ Status uint32 }{cfg.exitStatus}
				channel.SendRequest("exit-status", false, cryptossh.Marshal(&status))
				channel.Close()
			}()
		}
	}()

	return listener.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	hostname, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return hostname, port
}

func TestEngineRunPasswordShell(t *testing.T) {
	addr := startSSHServer(t, testServerConfig{
		password:   "secret",
		banner:     "welcome to the test server\r\n",
		exitStatus: 7,
	})
	hostname, port := splitHostPort(t, addr)
	t.Setenv(passwordEnv, "secret")

	host := newFakeHost(nil)
	engine := New(host, zerolog.Nop())
	argv := []string{"ssh", fmt.Sprintf("-p%d", port), "alice@" + hostname}

	code := engine.Run(argv, "")
	if code != 7 {
		t.Fatalf("exit code: got %d, want 7 (logs: %v)", code, host.logs)
	}
	if got := host.stdoutString(); got != "welcome to the test server\r\n" {
		t.Fatalf("stdout: got %q", got)
	}
}

func TestEngineRunKeyboardInteractive(t *testing.T) {
	addr := startSSHServer(t, testServerConfig{
		kbdAnswer:  "424242",
		exitStatus: 0,
	})
	hostname, port := splitHostPort(t, addr)
	t.Setenv(passwordEnv, "")

	host := newFakeHost([]byte("424242\n"))
	engine := New(host, zerolog.Nop())
	argv := []string{"ssh", fmt.Sprintf("-p%d", port), "bob@" + hostname}

	code := engine.Run(argv, "")
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0 (logs: %v)", code, host.logs)
	}
}

func TestEngineRunSubsystem(t *testing.T) {
	addr := startSSHServer(t, testServerConfig{
		password:   "secret",
		exitStatus: 0,
		wantSubsys: "sftp",
	})
	hostname, port := splitHostPort(t, addr)
	t.Setenv(passwordEnv, "secret")

	host := newFakeHost(nil)
	engine := New(host, zerolog.Nop())
	argv := []string{"ssh", fmt.Sprintf("-p%d", port), "carol@" + hostname}

	code := engine.Run(argv, "sftp")
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0 (logs: %v)", code, host.logs)
	}
}

func TestEngineRunConnectionRefused(t *testing.T) {
	host := newFakeHost(nil)
	engine := New(host, zerolog.Nop())

	// Port 1 on loopback is essentially always closed.
	code := engine.Run([]string{"ssh", "-p1", "nobody@127.0.0.1"}, "")
	if code != 255 {
		t.Fatalf("exit code: got %d, want 255", code)
	}
}

func TestEngineRunBadArgv(t *testing.T) {
	host := newFakeHost(nil)
	engine := New(host, zerolog.Nop())

	if code := engine.Run([]string{"ssh"}, ""); code != 255 {
		t.Fatalf("exit code: got %d, want 255", code)
	}
	if len(host.logs) == 0 {
		t.Fatal("expected a diagnostic for the missing destination")
	}
}
