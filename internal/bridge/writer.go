package bridge

import (
	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/codec"
)

// ChunkCeiling is the largest raw payload carried by a single write
// envelope. Larger writes are split into ordered chunks of at most this
// size, each encoded and sent separately.
const ChunkCeiling = 24 * 1024

// writer emits the native side's outbound descriptor operations and keeps
// the per-descriptor accounting that backs the advisory write window.
// Owned by the message-handling goroutine.
type writer struct {
	send  func(name string, args ...any)
	log   zerolog.Logger
	sent  map[int]uint64
	acked map[int]uint64
}

func newWriter(send func(name string, args ...any), log zerolog.Logger) *writer {
	return &writer{
		send:  send,
		log:   log,
		sent:  make(map[int]uint64),
		acked: make(map[int]uint64),
	}
}

// write splits p into chunks of at most ChunkCeiling bytes and sends one
// write envelope per chunk, in order. An empty payload sends nothing.
func (w *writer) write(fd int, p []byte) {
	for start := 0; start < len(p); start += ChunkCeiling {
		end := start + ChunkCeiling
		if end > len(p) {
			end = len(p)
		}
		w.send("write", fd, codec.Encode(p[start:end]))
	}
	w.sent[fd] += uint64(len(p))
}

// read requests up to size bytes from the host. Fire-and-forget; no
// backpressure applies to reads.
func (w *writer) read(fd int, size int) {
	w.send("read", fd, size)
}

// close requests that the host close fd.
func (w *writer) close(fd int) {
	w.send("close", fd)
}

// ack records the host's cumulative acknowledged byte count for fd.
// Counts must not decrease and must not exceed what was sent; violations
// are logged and the stored value is left at the nearest valid count.
func (w *writer) ack(fd int, count uint64) {
	if count < w.acked[fd] {
		w.log.Warn().
			Int("fd", fd).
			Uint64("count", count).
			Uint64("acked", w.acked[fd]).
			Msg("write acknowledgement went backwards, ignoring")
		return
	}
	if count > w.sent[fd] {
		w.log.Warn().
			Int("fd", fd).
			Uint64("count", count).
			Uint64("sent", w.sent[fd]).
			Msg("write acknowledgement exceeds bytes sent, clamping")
		count = w.sent[fd]
	}
	w.acked[fd] = count
}

// outstanding reports the unacknowledged bytes in flight for fd.
func (w *writer) outstanding(fd int) uint64 {
	return w.sent[fd] - w.acked[fd]
}

// forget drops the accounting for fd after it is unregistered.
func (w *writer) forget(fd int) {
	delete(w.sent, fd)
	delete(w.acked, fd)
}

// reset drops all accounting. Used on session teardown.
func (w *writer) reset() {
	w.sent = make(map[int]uint64)
	w.acked = make(map[int]uint64)
}
