package bridge

// registry is the descriptor table: virtual fd number to stream handle.
// Owned by the message-handling goroutine; never locked.
type registry struct {
	streams map[int]Stream
}

func newRegistry() *registry {
	return &registry{streams: make(map[int]Stream)}
}

// add registers stream under fd. A descriptor may be registered at most
// once while open; a second registration fails with ErrDuplicateDescriptor
// and leaves the existing entry untouched.
func (r *registry) add(fd int, stream Stream) error {
	if _, exists := r.streams[fd]; exists {
		return ErrDuplicateDescriptor
	}
	r.streams[fd] = stream
	return nil
}

// get returns the stream registered under fd, if any.
func (r *registry) get(fd int) (Stream, bool) {
	s, ok := r.streams[fd]
	return s, ok
}

// remove unregisters fd. Removing an absent fd is a no-op.
func (r *registry) remove(fd int) {
	delete(r.streams, fd)
}

// all returns the registered streams, in no particular order.
func (r *registry) all() []Stream {
	out := make([]Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// clear drops every registered descriptor. Used on session teardown.
func (r *registry) clear() {
	r.streams = make(map[int]Stream)
}

// size reports the number of open descriptors.
func (r *registry) size() int {
	return len(r.streams)
}
