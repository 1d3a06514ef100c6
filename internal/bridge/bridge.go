// Package bridge implements the descriptor bridge between the native login
// engine and the host message channel.
//
// The native side has no real file descriptors, sockets, or terminal. Every
// open/read/write/close it performs is translated into a named JSON envelope
// for the host, and every host reply is routed back to the virtual
// descriptor it concerns.
//
// Ownership model: a single message-handling goroutine (Run) owns the
// descriptor table, the flow-controlled writer, the session state, and all
// host-facing sends. Nothing here takes a lock; the login engine runs on its
// own goroutine and reaches shared state only through Post, which defers the
// call onto the owning goroutine.
package bridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/envelope"
)

// Stream is the handle registered for one virtual descriptor. The bridge
// calls these methods on its message-handling goroutine as host envelopes
// arrive; implementations must not block and must not call back into the
// bridge synchronously.
type Stream interface {
	// OnOpen reports the host's answer to an open request. After a failed
	// open the descriptor is unregistered and no further calls arrive.
	OnOpen(success, isTTY bool)
	// OnRead delivers decoded bytes from the host.
	OnRead(p []byte)
	// OnReadError reports an undecodable read payload. The descriptor
	// stays registered; the stream decides how to surface the failure.
	OnReadError(err error)
	// OnWriteAcknowledge reports the cumulative byte count the host has
	// accepted for this descriptor.
	OnWriteAcknowledge(count uint64)
	// OnReadReady reports host-side read readiness.
	OnReadReady(ready bool)
	// OnClose reports that the host closed the descriptor. The descriptor
	// is unregistered immediately after this call.
	OnClose()
}

// FileSystem is the descriptor-namespace collaborator owned by the login
// engine. The bridge forwards terminal geometry, socket flavor selection,
// and exit acknowledgement to it.
type FileSystem interface {
	SetTerminalSize(cols, rows int)
	UseJsSocket(enabled bool)
	ExitCodeAcked()
}

// EntryPoint runs the native login engine to completion and returns its
// exit code. It is invoked on a dedicated goroutine and may block for the
// whole session.
type EntryPoint func(argv []string, subsystem string) int

// Channel delivers envelopes to the host. Delivery is fire-and-forget; the
// bridge never waits for acknowledgement.
type Channel interface {
	Deliver(env envelope.Envelope)
}

// Host is the capability surface handed to the login engine. All methods
// are safe to call from the engine's goroutine; the bridge marshals them
// onto its message-handling goroutine internally.
type Host interface {
	// OpenFile registers stream under fd and asks the host to open path.
	// An empty path registers the descriptor without a host round trip,
	// for streams whose host side already exists.
	OpenFile(fd int, path string, mode int, stream Stream) error
	// OpenSocket registers stream under fd and asks the host to connect.
	OpenSocket(fd int, host string, port int, stream Stream) error
	// Write emits p as ordered, encoded chunks. The write window is
	// advisory: producers consult OnWriteAcknowledge accounting before
	// issuing more data, the bridge itself never blocks a write.
	Write(fd int, p []byte)
	// Read asks the host for up to size bytes on fd.
	Read(fd int, size int)
	// Close asks the host to close fd.
	Close(fd int)
	// WriteWindow is the per-descriptor advisory window for the active
	// session, in bytes.
	WriteWindow() int
	// Log sends a diagnostic line to the host log channel.
	Log(msg string)
}

// Options configures a Bridge.
type Options struct {
	// Channel carries envelopes to the host. Required.
	Channel Channel
	// Logger receives process-side diagnostics. Host-facing diagnostics
	// go through the printLog envelope regardless.
	Logger zerolog.Logger
	// Verbose adds -v to the login engine argument vector.
	Verbose bool
	// WriteWindow overrides the default advisory window applied when a
	// session config does not carry one. Zero means DefaultWriteWindow.
	WriteWindow int
}

// DefaultWriteWindow is the advisory per-descriptor write window applied
// when neither the daemon config nor the session config specifies one.
const DefaultWriteWindow = 64 * 1024

// Bridge routes host envelopes to virtual descriptors and translates native
// I/O into host envelopes. Create with New, bind the login engine with
// Bind, then run the message loop with Run.
type Bridge struct {
	out     Channel
	log     zerolog.Logger
	verbose bool

	fs    FileSystem
	entry EntryPoint

	calls chan func()
	done  chan struct{}

	// Everything below is owned by the Run goroutine.
	handlers      map[string]handlerFunc
	registry      *registry
	writer        *writer
	session       *session
	window        int
	defaultWindow int
}

// New creates a Bridge. The message loop does not start until Run is
// called.
func New(opts Options) *Bridge {
	window := opts.WriteWindow
	if window <= 0 {
		window = DefaultWriteWindow
	}
	b := &Bridge{
		out:           opts.Channel,
		log:           opts.Logger,
		verbose:       opts.Verbose,
		calls:         make(chan func(), 64),
		done:          make(chan struct{}),
		registry:      newRegistry(),
		window:        window,
		defaultWindow: window,
	}
	b.writer = newWriter(b.send, opts.Logger)
	b.handlers = b.handlerTable()
	return b
}

// Bind attaches the login engine. The file system collaborator receives
// terminal size, socket flavor, and exit acknowledgement; the entry point
// is launched by startSession. Bind must be called before Run.
func (b *Bridge) Bind(fs FileSystem, entry EntryPoint) {
	b.fs = fs
	b.entry = entry
}

// Run executes the message loop until ctx is cancelled. All envelope
// dispatch and all deferred calls happen here, one at a time. On exit every
// registered stream is closed so a login engine blocked on virtual I/O runs
// to completion instead of waiting on a host that is gone.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(b.done)
			b.teardown()
			return
		case fn := <-b.calls:
			fn()
		}
	}
}

// teardown releases every registered stream after the loop has stopped.
// done is already closed at this point, so anything the waking streams post
// back is dropped rather than queued against a dead loop.
func (b *Bridge) teardown() {
	for _, stream := range b.registry.all() {
		stream.OnClose()
	}
	b.registry.clear()
	b.writer.reset()
}

// Post schedules fn onto the message-handling goroutine. It is the only way
// other goroutines may touch bridge-owned state. Post returns without
// running fn if the loop has already stopped.
func (b *Bridge) Post(fn func()) {
	select {
	case b.calls <- fn:
	case <-b.done:
	}
}

// call runs fn on the message loop and waits for its result.
func (b *Bridge) call(fn func() error) error {
	result := make(chan error, 1)
	b.Post(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-b.done:
		return ErrClosed
	}
}

// HandleRaw accepts one raw frame from the host transport. Frames that do
// not parse as an envelope are dropped silently per the channel contract.
// Safe to call from any goroutine.
func (b *Bridge) HandleRaw(raw []byte) {
	env, ok := envelope.Parse(raw)
	if !ok {
		return
	}
	b.Post(func() { b.dispatch(env) })
}

// send emits one envelope to the host. Loop-owned.
func (b *Bridge) send(name string, args ...any) {
	if args == nil {
		args = []any{}
	}
	b.out.Deliver(envelope.Envelope{Name: name, Arguments: args})
}

// printLog sends a diagnostic to the host and mirrors it to the process
// logger. Loop-owned.
func (b *Bridge) printLog(msg string) {
	b.log.Debug().Str("message", msg).Msg("bridge diagnostic")
	b.send("printLog", msg)
}

// OpenFile implements Host.
func (b *Bridge) OpenFile(fd int, path string, mode int, stream Stream) error {
	return b.call(func() error {
		if err := b.registry.add(fd, stream); err != nil {
			return err
		}
		if path != "" {
			b.send("openFile", fd, path, mode)
		}
		return nil
	})
}

// OpenSocket implements Host.
func (b *Bridge) OpenSocket(fd int, host string, port int, stream Stream) error {
	return b.call(func() error {
		if err := b.registry.add(fd, stream); err != nil {
			return err
		}
		b.send("openSocket", fd, host, port)
		return nil
	})
}

// Write implements Host. The payload is copied before crossing goroutines,
// so the caller may reuse p immediately.
func (b *Bridge) Write(fd int, p []byte) {
	q := make([]byte, len(p))
	copy(q, p)
	b.Post(func() { b.writer.write(fd, q) })
}

// Read implements Host.
func (b *Bridge) Read(fd int, size int) {
	b.Post(func() { b.writer.read(fd, size) })
}

// Close implements Host.
func (b *Bridge) Close(fd int) {
	b.Post(func() { b.writer.close(fd) })
}

// WriteWindow implements Host. The value is fixed at session start, before
// the engine goroutine exists, so reading it without the loop is safe.
func (b *Bridge) WriteWindow() int {
	return b.window
}

// Log implements Host.
func (b *Bridge) Log(msg string) {
	b.Post(func() { b.printLog(msg) })
}

var _ Host = (*Bridge)(nil)
