package bridge

import (
	"github.com/websoft9/sshbridge/internal/codec"
	"github.com/websoft9/sshbridge/internal/envelope"
)

// handlerFunc processes the argument list of one inbound envelope. Handlers
// validate argument count and types before touching any state; a malformed
// request is reported through printLog and applied not at all.
type handlerFunc func(args []any)

// handlerTable builds the static name-to-handler mapping once at
// construction. Unknown names are ignored without a diagnostic; the host
// may speak a newer protocol revision than this bridge.
func (b *Bridge) handlerTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"startSession":       b.handleStartSession,
		"onOpenFile":         b.handleOpen,
		"onOpenSocket":       b.handleOpen,
		"onRead":             b.handleRead,
		"onWriteAcknowledge": b.handleWriteAcknowledge,
		"onClose":            b.handleClose,
		"onReadReady":        b.handleReadReady,
		"onResize":           b.handleResize,
		"onExitAcknowledge":  b.handleExitAcknowledge,
	}
}

// dispatch routes one parsed envelope. Loop-owned.
func (b *Bridge) dispatch(env envelope.Envelope) {
	handler, ok := b.handlers[env.Name]
	if !ok {
		return
	}
	handler(env.Arguments)
}

// handleOpen resolves a pending open for either flavor of descriptor; file
// and socket opens are answered identically.
func (b *Bridge) handleOpen(args []any) {
	if len(args) != 3 {
		b.printLog("onOpen: invalid arguments")
		return
	}
	fd, okFd := argInt(args[0])
	success, okSuccess := argBool(args[1])
	isTTY, okTTY := argBool(args[2])
	if !okFd || !okSuccess || !okTTY {
		b.printLog("onOpen: invalid arguments")
		return
	}
	stream, ok := b.registry.get(fd)
	if !ok {
		b.printLog("onOpen: for unknown file descriptor")
		return
	}
	stream.OnOpen(success, isTTY)
	if !success {
		// The open failed; nothing further will reference this fd.
		b.registry.remove(fd)
		b.writer.forget(fd)
	}
}

func (b *Bridge) handleRead(args []any) {
	if len(args) != 2 {
		b.printLog("onRead: invalid arguments")
		return
	}
	fd, okFd := argInt(args[0])
	data, okData := argString(args[1])
	if !okFd || !okData {
		b.printLog("onRead: invalid arguments")
		return
	}
	stream, ok := b.registry.get(fd)
	if !ok {
		b.printLog("onRead: for unknown file descriptor")
		return
	}
	p, err := codec.Decode(data)
	if err != nil {
		b.printLog("onRead: undecodable payload")
		stream.OnReadError(err)
		return
	}
	stream.OnRead(p)
}

func (b *Bridge) handleWriteAcknowledge(args []any) {
	if len(args) != 2 {
		b.printLog("onWriteAcknowledge: invalid arguments")
		return
	}
	fd, okFd := argInt(args[0])
	count, okCount := argUint(args[1])
	if !okFd || !okCount {
		b.printLog("onWriteAcknowledge: invalid arguments")
		return
	}
	stream, ok := b.registry.get(fd)
	if !ok {
		b.printLog("onWriteAcknowledge: for unknown file descriptor")
		return
	}
	b.writer.ack(fd, count)
	stream.OnWriteAcknowledge(count)
}

func (b *Bridge) handleClose(args []any) {
	if len(args) != 1 {
		b.printLog("onClose: invalid arguments")
		return
	}
	fd, okFd := argInt(args[0])
	if !okFd {
		b.printLog("onClose: invalid arguments")
		return
	}
	stream, ok := b.registry.get(fd)
	if !ok {
		b.printLog("onClose: for unknown file descriptor")
		return
	}
	stream.OnClose()
	b.registry.remove(fd)
	b.writer.forget(fd)
}

func (b *Bridge) handleReadReady(args []any) {
	if len(args) != 2 {
		b.printLog("onReadReady: invalid arguments")
		return
	}
	fd, okFd := argInt(args[0])
	ready, okReady := argBool(args[1])
	if !okFd || !okReady {
		b.printLog("onReadReady: invalid arguments")
		return
	}
	stream, ok := b.registry.get(fd)
	if !ok {
		b.printLog("onReadReady: for unknown file descriptor")
		return
	}
	stream.OnReadReady(ready)
}

func (b *Bridge) handleResize(args []any) {
	if len(args) != 2 {
		b.printLog("onResize: invalid arguments")
		return
	}
	cols, okCols := argInt(args[0])
	rows, okRows := argInt(args[1])
	if !okCols || !okRows {
		b.printLog("onResize: invalid arguments")
		return
	}
	if b.fs != nil {
		b.fs.SetTerminalSize(cols, rows)
	}
}

func (b *Bridge) handleExitAcknowledge(args []any) {
	if len(args) != 0 {
		b.printLog("onExitAcknowledge: invalid arguments")
		return
	}
	if b.fs != nil {
		b.fs.ExitCodeAcked()
	}
}

// Argument coercion helpers. JSON numbers arrive as float64; integer Go
// values are also accepted so handlers can be driven directly from tests.

func argInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func argUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}

func argBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func argString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func argObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
