// Package sshengine is the native remote-login engine. It speaks SSH via
// golang.org/x/crypto/ssh, but performs no real I/O of its own: the TCP
// connection, the terminal, and the standard streams are all virtual
// descriptors served by the host through the bridge.
//
// The engine doubles as the bridge's descriptor-namespace collaborator: it
// receives terminal geometry, socket flavor selection, and the host's exit
// acknowledgement.
package sshengine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/sshbridge/internal/bridge"
)

// Standard virtual descriptor numbers. The socket takes the first number
// after the std triple, as the host side expects.
const (
	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2
	fdSocket = 3
)

const (
	defaultPort = 22
	defaultCols = 80
	defaultRows = 24
)

// passwordEnv names the environment variable consulted for password
// authentication. Session configs inject it through the environment field;
// keyboard-interactive prompting over the virtual terminal is the fallback.
const passwordEnv = "SSH_PASSWORD"

// Engine runs one SSH session per Run invocation over a bridge.Host.
type Engine struct {
	host bridge.Host
	log  zerolog.Logger

	mu            sync.Mutex
	cols, rows    int
	useJSSocket   bool
	session       windowChanger
	resizing      bool
	resizePending bool

	ackOnce sync.Once
	acked   chan struct{}
}

// New creates an Engine bound to host.
func New(host bridge.Host, logger zerolog.Logger) *Engine {
	return &Engine{
		host:  host,
		log:   logger,
		cols:  defaultCols,
		rows:  defaultRows,
		acked: make(chan struct{}),
	}
}

// SetTerminalSize implements bridge.FileSystem. Called on the bridge's
// message-handling goroutine; the window-change request is applied from a
// helper goroutine because it writes to the virtual socket, which may wait
// on the write window. At most one such goroutine exists at a time, and a
// resize arriving while one is in flight coalesces into a single follow-up
// carrying the latest geometry.
func (e *Engine) SetTerminalSize(cols, rows int) {
	e.mu.Lock()
	e.cols, e.rows = cols, rows
	sess := e.session
	if e.resizing {
		e.resizePending = true
		e.mu.Unlock()
		return
	}
	if sess == nil {
		e.mu.Unlock()
		return
	}
	e.resizing = true
	e.mu.Unlock()
	go e.applyResize(sess)
}

// windowChanger is the slice of an SSH session the resize path needs.
type windowChanger interface {
	WindowChange(rows, cols int) error
}

// applyResize sends window-change requests until no resize is pending,
// always with the most recent geometry.
func (e *Engine) applyResize(sess windowChanger) {
	for {
		e.mu.Lock()
		cols, rows := e.cols, e.rows
		e.mu.Unlock()
		if err := sess.WindowChange(rows, cols); err != nil {
			e.log.Debug().Err(err).Msg("window change failed")
		}
		e.mu.Lock()
		if !e.resizePending {
			e.resizing = false
			e.mu.Unlock()
			return
		}
		e.resizePending = false
		e.mu.Unlock()
	}
}

// UseJsSocket implements bridge.FileSystem. Every socket this engine opens
// is already host-relayed, so the flag is recorded for visibility only.
func (e *Engine) UseJsSocket(enabled bool) {
	e.mu.Lock()
	e.useJSSocket = enabled
	e.mu.Unlock()
}

// ExitCodeAcked implements bridge.FileSystem.
func (e *Engine) ExitCodeAcked() {
	e.ackOnce.Do(func() { close(e.acked) })
}

// Acked is closed once the host acknowledges the session's exit code.
// Transports use it to drain before tearing the channel down.
func (e *Engine) Acked() <-chan struct{} {
	return e.acked
}

func (e *Engine) setSession(sess windowChanger) {
	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()
}

// target is the destination extracted from the argument vector.
type target struct {
	user    string
	host    string
	port    int
	verbose bool
}

// parseArgv extracts the destination from an argv of the shape the session
// controller builds: program name, flags, then user@host. Unrecognized
// flags are tolerated and ignored.
func parseArgv(argv []string) (target, error) {
	tgt := target{port: defaultPort}
	if len(argv) == 0 {
		return tgt, errors.New("empty argument vector")
	}
	for _, arg := range argv[1:] {
		switch {
		case strings.HasPrefix(arg, "-p") && len(arg) > 2:
			port, err := strconv.Atoi(arg[2:])
			if err != nil || port <= 0 || port > 65535 {
				return tgt, fmt.Errorf("bad port %q", arg[2:])
			}
			tgt.port = port
		case strings.HasPrefix(arg, "-v"):
			tgt.verbose = true
		case strings.HasPrefix(arg, "-"):
			// Options the virtual engine has no use for (-A, -C, ...).
		default:
			if at := strings.LastIndex(arg, "@"); at >= 0 {
				tgt.user = arg[:at]
				tgt.host = arg[at+1:]
			} else {
				tgt.host = arg
			}
		}
	}
	if tgt.host == "" {
		return tgt, errors.New("no destination host")
	}
	return tgt, nil
}

// Run is the bridge.EntryPoint: it opens the standard descriptors and the
// virtual socket, runs the SSH session to completion, and returns its exit
// code. Connection and usage failures return 255, as ssh does.
func (e *Engine) Run(argv []string, subsystem string) int {
	tgt, err := parseArgv(argv)
	if err != nil {
		e.host.Log("ssh: " + err.Error())
		return 255
	}
	window := e.host.WriteWindow()

	stdin := newStream(fdStdin, e.host, 0)
	stdout := newStream(fdStdout, e.host, window)
	stderr := newStream(fdStderr, e.host, window)
	std := []struct {
		fd     int
		path   string
		mode   int
		stream *stream
	}{
		{fdStdin, "/dev/stdin", os.O_RDONLY, stdin},
		{fdStdout, "/dev/stdout", os.O_WRONLY, stdout},
		{fdStderr, "/dev/stderr", os.O_WRONLY, stderr},
	}
	for _, f := range std {
		if err := e.host.OpenFile(f.fd, f.path, f.mode, f.stream); err != nil {
			e.host.Log(fmt.Sprintf("ssh: open %s: %v", f.path, err))
			return 255
		}
	}
	// The host must confirm the standard descriptors before the login flow
	// starts; their open results also tell us whether stdin is a terminal.
	isTTY := false
	for _, f := range std {
		ok, tty := f.stream.waitOpen()
		if !ok {
			e.host.Log(fmt.Sprintf("ssh: open %s refused by host", f.path))
			return 255
		}
		if f.fd == fdStdin {
			isTTY = tty
		}
	}

	sock := newStream(fdSocket, e.host, window)
	if err := e.host.OpenSocket(fdSocket, tgt.host, tgt.port, sock); err != nil {
		e.host.Log(fmt.Sprintf("ssh: socket: %v", err))
		return 255
	}
	if ok, _ := sock.waitOpen(); !ok {
		e.host.Log(fmt.Sprintf("ssh: connect to host %s port %d: refused by host", tgt.host, tgt.port))
		return 255
	}
	addr := net.JoinHostPort(tgt.host, strconv.Itoa(tgt.port))
	conn := &streamConn{stream: sock, remote: addr}
	defer sock.Close()

	clientCfg := &cryptossh.ClientConfig{
		User: tgt.user,
		Auth: e.authMethods(stdin, stderr),
		// Host key verification belongs to the host side of the bridge,
		// which owns the known-hosts store.
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec
	}
	clientConn, chans, reqs, err := cryptossh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		e.host.Log(fmt.Sprintf("ssh: handshake with %s: %v", addr, err))
		return 255
	}
	client := cryptossh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		e.host.Log(fmt.Sprintf("ssh: new session: %v", err))
		return 255
	}
	defer sess.Close()
	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr

	if isTTY {
		e.mu.Lock()
		cols, rows := e.cols, e.rows
		e.mu.Unlock()
		modes := cryptossh.TerminalModes{
			cryptossh.ECHO:          1,
			cryptossh.TTY_OP_ISPEED: 14400,
			cryptossh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
			e.host.Log(fmt.Sprintf("ssh: request pty: %v", err))
			return 255
		}
	}
	e.setSession(sess)
	defer e.setSession(nil)

	if subsystem != "" {
		err = sess.RequestSubsystem(subsystem)
	} else {
		err = sess.Shell()
	}
	if err != nil {
		e.host.Log(fmt.Sprintf("ssh: start: %v", err))
		return 255
	}

	return exitCode(sess.Wait())
}

// authMethods builds the client auth chain: an injected password when the
// session environment provides one, then keyboard-interactive prompting
// over the virtual terminal.
func (e *Engine) authMethods(stdin *stream, stderr *stream) []cryptossh.AuthMethod {
	var methods []cryptossh.AuthMethod
	if password := os.Getenv(passwordEnv); password != "" {
		methods = append(methods, cryptossh.Password(password))
	}
	methods = append(methods, cryptossh.KeyboardInteractive(promptChallenge(stdin, stderr)))
	return methods
}

// promptChallenge relays keyboard-interactive challenges through the
// virtual terminal: questions to stderr, answers line-by-line from stdin.
func promptChallenge(stdin *stream, stderr *stream) cryptossh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if name != "" {
			fmt.Fprintln(stderr, name)
		}
		if instruction != "" {
			fmt.Fprintln(stderr, instruction)
		}
		answers := make([]string, len(questions))
		for i, question := range questions {
			if _, err := stderr.Write([]byte(question)); err != nil {
				return nil, err
			}
			answer, err := readLine(stdin)
			if err != nil {
				return nil, err
			}
			answers[i] = answer
		}
		return answers, nil
	}
}

// readLine reads one newline-terminated answer, tolerating CRLF.
func readLine(r *stream) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		line = append(line, buf[0])
	}
}

// exitCode maps the session wait result to the process exit convention:
// the remote status when there is one, 255 for everything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *cryptossh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return 255
}
