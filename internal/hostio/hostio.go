// Package hostio implements the host side of the bridge protocol against
// local operating-system resources: file descriptors open real files,
// sockets dial real TCP connections, and the standard streams can be
// backed by a PTY pair for interactive use.
package hostio

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/creack/pty"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/codec"
	"github.com/websoft9/sshbridge/internal/envelope"
	"github.com/websoft9/sshbridge/internal/fileutil"
)

// readChunk bounds a single read answered to the bridge.
const readChunk = 24 * 1024

// SessionConfig carries the fields of a startSession request.
type SessionConfig struct {
	Username       string
	Host           string
	Port           int
	TerminalWidth  int
	TerminalHeight int
	UseJsSocket    bool
	Environment    map[string]string
	Arguments      []string
	WriteWindow    int
	AuthAgentAppID string
	Subsystem      string
}

// Options configures a Loopback host.
type Options struct {
	// Send delivers an envelope toward the bridge. Required.
	Send func(envelope.Envelope)
	// Logger receives printLog output and diagnostics.
	Logger zerolog.Logger
	// PTY allocates a pseudo-terminal pair for the standard streams. The
	// controller end is available through Terminal.
	PTY bool
	// FileRoot confines non-standard file opens to a directory. Empty
	// means unconfined.
	FileRoot string
	// OnExit is called once when the bridge reports its exit code.
	OnExit func(code int)
}

// resource is one open descriptor: a file, a socket, or an end of the
// terminal pair.
type resource struct {
	rw    io.ReadWriter
	isTTY bool
	// closer is nil for resources the host does not own, such as the
	// process standard streams.
	closer io.Closer
	acked  uint64
	// reads queues read request sizes for the descriptor's reader
	// goroutine, started on the first request. Closed on descriptor close.
	reads chan int
}

// Loopback answers bridge requests with local I/O.
type Loopback struct {
	log      zerolog.Logger
	onExit   func(code int)
	fileRoot string

	sendMu sync.Mutex
	send   func(envelope.Envelope)

	mu        sync.Mutex
	resources map[int]*resource

	ptmx *os.File // controller end of the terminal pair, nil without PTY
	tty  *os.File
}

// New builds a Loopback host. With Options.PTY set it allocates the
// terminal pair immediately so that Terminal is usable before any
// descriptor opens.
func New(opts Options) (*Loopback, error) {
	l := &Loopback{
		log:       opts.Logger,
		onExit:    opts.OnExit,
		fileRoot:  opts.FileRoot,
		send:      opts.Send,
		resources: make(map[int]*resource),
	}
	if opts.PTY {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("hostio: open pty: %w", err)
		}
		l.ptmx = ptmx
		l.tty = tty
	}
	return l, nil
}

// Terminal returns the controller end of the PTY pair, or nil when the
// host was built without one.
func (l *Loopback) Terminal() *os.File {
	return l.ptmx
}

// StartSession sends the startSession request that boots the bridge.
func (l *Loopback) StartSession(cfg SessionConfig) {
	obj := map[string]any{
		"username":       cfg.Username,
		"host":           cfg.Host,
		"port":           cfg.Port,
		"terminalWidth":  cfg.TerminalWidth,
		"terminalHeight": cfg.TerminalHeight,
		"useJsSocket":    cfg.UseJsSocket,
		"arguments":      toAnySlice(cfg.Arguments),
	}
	if cfg.Environment != nil {
		env := make(map[string]any, len(cfg.Environment))
		for k, v := range cfg.Environment {
			env[k] = v
		}
		obj["environment"] = env
	}
	if cfg.WriteWindow > 0 {
		obj["writeWindow"] = cfg.WriteWindow
	}
	if cfg.AuthAgentAppID != "" {
		obj["authAgentAppID"] = cfg.AuthAgentAppID
	}
	if cfg.Subsystem != "" {
		obj["subsystem"] = cfg.Subsystem
	}
	l.deliver("startSession", obj)
}

// Resize adjusts the PTY size and notifies the bridge.
func (l *Loopback) Resize(cols, rows int) error {
	if l.ptmx != nil {
		if err := pty.Setsize(l.ptmx, &pty.Winsize{
			Rows: uint16(rows),
			Cols: uint16(cols),
		}); err != nil {
			return fmt.Errorf("hostio: resize pty: %w", err)
		}
	}
	l.deliver("onResize", cols, rows)
	return nil
}

// AcknowledgeExit confirms receipt of the exit code to the bridge.
func (l *Loopback) AcknowledgeExit() {
	l.deliver("onExitAcknowledge")
}

// Handle processes one bridge-originated envelope. Unknown names are
// ignored.
func (l *Loopback) Handle(env envelope.Envelope) {
	args := env.Arguments
	switch env.Name {
	case "printLog":
		if msg, ok := argString(args, 0); ok {
			l.log.Info().Str("origin", "bridge").Msg(msg)
		}
	case "openFile":
		l.handleOpenFile(args)
	case "openSocket":
		l.handleOpenSocket(args)
	case "write":
		l.handleWrite(args)
	case "read":
		l.handleRead(args)
	case "close":
		l.handleClose(args)
	case "exit":
		l.handleExit(args)
	}
}

func (l *Loopback) handleOpenFile(args []any) {
	fd, okFd := argInt(args, 0)
	path, okPath := argString(args, 1)
	mode, okMode := argInt(args, 2)
	if !okFd || !okPath || !okMode {
		l.log.Warn().Msg("hostio: openFile: invalid arguments")
		return
	}

	var res *resource
	switch path {
	case "/dev/stdin", "/dev/stdout", "/dev/stderr":
		res = l.standardStream(path)
	default:
		if l.fileRoot != "" {
			confined, err := fileutil.ConfinePath(l.fileRoot, path)
			if err != nil {
				l.log.Warn().Err(err).Str("path", path).Msg("hostio: open rejected")
				l.deliver("onOpenFile", fd, false, false)
				return
			}
			path = confined
		}
		f, err := os.OpenFile(path, mode, 0o644)
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("hostio: open failed")
			l.deliver("onOpenFile", fd, false, false)
			return
		}
		res = &resource{rw: f, closer: f}
	}

	l.mu.Lock()
	l.resources[fd] = res
	l.mu.Unlock()
	l.deliver("onOpenFile", fd, true, res.isTTY)
}

// standardStream maps a standard-stream path onto either the terminal
// pair or the process's own streams.
func (l *Loopback) standardStream(path string) *resource {
	if l.tty != nil {
		return &resource{rw: l.tty, isTTY: true}
	}
	switch path {
	case "/dev/stdin":
		return &resource{rw: os.Stdin, isTTY: isatty.IsTerminal(os.Stdin.Fd())}
	case "/dev/stdout":
		return &resource{rw: os.Stdout}
	default:
		return &resource{rw: os.Stderr}
	}
}

func (l *Loopback) handleOpenSocket(args []any) {
	fd, okFd := argInt(args, 0)
	host, okHost := argString(args, 1)
	port, okPort := argInt(args, 2)
	if !okFd || !okHost || !okPort {
		l.log.Warn().Msg("hostio: openSocket: invalid arguments")
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		l.log.Warn().Err(err).Str("addr", addr).Msg("hostio: dial failed")
		l.deliver("onOpenSocket", fd, false, false)
		return
	}

	l.mu.Lock()
	l.resources[fd] = &resource{rw: conn, closer: conn}
	l.mu.Unlock()
	l.deliver("onOpenSocket", fd, true, false)
}

func (l *Loopback) handleWrite(args []any) {
	fd, okFd := argInt(args, 0)
	data, okData := argString(args, 1)
	if !okFd || !okData {
		l.log.Warn().Msg("hostio: write: invalid arguments")
		return
	}
	p, err := codec.Decode(data)
	if err != nil {
		l.log.Warn().Err(err).Int("fd", fd).Msg("hostio: write: undecodable payload")
		return
	}

	l.mu.Lock()
	res, ok := l.resources[fd]
	l.mu.Unlock()
	if !ok {
		l.log.Warn().Int("fd", fd).Msg("hostio: write: unknown descriptor")
		return
	}

	if _, err := res.rw.Write(p); err != nil {
		l.log.Warn().Err(err).Int("fd", fd).Msg("hostio: write failed")
		l.closeDescriptor(fd)
		return
	}
	l.mu.Lock()
	res.acked += uint64(len(p))
	count := res.acked
	l.mu.Unlock()
	l.deliver("onWriteAcknowledge", fd, count)
}

func (l *Loopback) handleRead(args []any) {
	fd, okFd := argInt(args, 0)
	size, okSize := argInt(args, 1)
	if !okFd || !okSize || size <= 0 {
		l.log.Warn().Msg("hostio: read: invalid arguments")
		return
	}
	if size > readChunk {
		size = readChunk
	}

	l.mu.Lock()
	res, ok := l.resources[fd]
	if !ok {
		l.mu.Unlock()
		l.log.Warn().Int("fd", fd).Msg("hostio: read: unknown descriptor")
		return
	}
	// Reads block, so one goroutine per descriptor serves them off a
	// queue. Overlapping requests for the same fd must deliver their
	// onRead replies in request order.
	if res.reads == nil {
		res.reads = make(chan int, 16)
		go l.serveReads(fd, res)
	}
	select {
	case res.reads <- size:
	default:
		l.log.Warn().Int("fd", fd).Msg("hostio: read: request queue full, dropping")
	}
	l.mu.Unlock()
}

// serveReads is the per-descriptor reader: it answers queued read requests
// one at a time until the queue closes or the underlying read fails.
func (l *Loopback) serveReads(fd int, res *resource) {
	for size := range res.reads {
		buf := make([]byte, size)
		n, err := res.rw.Read(buf)
		if n > 0 {
			l.deliver("onRead", fd, codec.Encode(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				l.log.Warn().Err(err).Int("fd", fd).Msg("hostio: read failed")
			}
			l.closeDescriptor(fd)
			return
		}
	}
}

func (l *Loopback) handleClose(args []any) {
	fd, ok := argInt(args, 0)
	if !ok {
		l.log.Warn().Msg("hostio: close: invalid arguments")
		return
	}
	l.mu.Lock()
	res, found := l.resources[fd]
	delete(l.resources, fd)
	if found {
		l.releaseLocked(res)
	}
	l.mu.Unlock()
	if found && res.closer != nil {
		_ = res.closer.Close()
	}
}

func (l *Loopback) handleExit(args []any) {
	code, ok := argInt(args, 0)
	if !ok {
		l.log.Warn().Msg("hostio: exit: invalid arguments")
		return
	}
	l.AcknowledgeExit()
	if l.onExit != nil {
		l.onExit(code)
	}
}

// closeDescriptor drops a descriptor and tells the bridge about it.
func (l *Loopback) closeDescriptor(fd int) {
	l.mu.Lock()
	res, found := l.resources[fd]
	delete(l.resources, fd)
	if found {
		l.releaseLocked(res)
	}
	l.mu.Unlock()
	if !found {
		return
	}
	if res.closer != nil {
		_ = res.closer.Close()
	}
	l.deliver("onClose", fd)
}

// releaseLocked retires the descriptor's reader goroutine. Callers hold
// l.mu, which is what keeps the close from racing a queued send.
func (l *Loopback) releaseLocked(res *resource) {
	if res.reads != nil {
		close(res.reads)
		res.reads = nil
	}
}

// Close releases every open resource and the terminal pair.
func (l *Loopback) Close() error {
	l.mu.Lock()
	resources := l.resources
	l.resources = make(map[int]*resource)
	for _, res := range resources {
		l.releaseLocked(res)
	}
	l.mu.Unlock()

	for _, res := range resources {
		if res.closer != nil {
			_ = res.closer.Close()
		}
	}
	if l.tty != nil {
		_ = l.tty.Close()
	}
	if l.ptmx != nil {
		return l.ptmx.Close()
	}
	return nil
}

// deliver sends one envelope toward the bridge. Sends can originate from
// read goroutines, so they are serialized here.
func (l *Loopback) deliver(name string, args ...any) {
	if args == nil {
		args = []any{}
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.send(envelope.Envelope{Name: name, Arguments: args})
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func argInt(args []any, i int) (int, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch n := args[i].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}
