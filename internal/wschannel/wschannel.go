// Package wschannel exposes the bridge over WebSocket. Each connection gets
// its own bridge, login engine, and message loop; envelopes travel as JSON
// text frames in both directions.
package wschannel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/audit"
	"github.com/websoft9/sshbridge/internal/bridge"
	"github.com/websoft9/sshbridge/internal/envelope"
	"github.com/websoft9/sshbridge/internal/sshengine"
)

// closeGrace bounds how long a close handshake may take once the host has
// acknowledged the exit code.
const closeGrace = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	// CheckOrigin allows all origins. Cross-origin policy is enforced by the
	// CORS middleware in front of this handler; the session itself carries no
	// ambient credentials. Review before multi-tenant exposure.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures a Handler.
type Options struct {
	Logger zerolog.Logger
	Audit  *audit.Recorder
	// WriteWindow is the advisory flow-control window handed to each bridge.
	WriteWindow int
	// Verbose adds -v to every session's argument vector.
	Verbose bool
}

// Handler upgrades HTTP requests and runs one bridge session per
// connection.
type Handler struct {
	log         zerolog.Logger
	audit       *audit.Recorder
	writeWindow int
	verbose     bool
}

// NewHandler builds a WebSocket bridge handler. A missing audit recorder
// falls back to one on the handler's own logger.
func NewHandler(opts Options) *Handler {
	recorder := opts.Audit
	if recorder == nil {
		recorder = audit.NewRecorder(opts.Logger)
	}
	return &Handler{
		log:         opts.Logger,
		audit:       recorder,
		writeWindow: opts.WriteWindow,
		verbose:     opts.Verbose,
	}
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote response
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	remoteAddr := conn.RemoteAddr().String()
	logger := h.log.With().Str("session_id", sessionID).Logger()
	startedAt := time.Now().UTC()
	var bytesIn atomic.Uint64

	link := newLink(conn, logger)
	b := bridge.New(bridge.Options{
		Channel:     link,
		Logger:      logger,
		Verbose:     h.verbose,
		WriteWindow: h.writeWindow,
	})
	engine := sshengine.New(b, logger)
	b.Bind(engine, engine.Run)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go b.Run(ctx)

	h.audit.Write(audit.Entry{
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Action:     "session.connect",
		Status:     audit.StatusSuccess,
	})
	defer func() {
		h.audit.Write(audit.Entry{
			SessionID:  sessionID,
			RemoteAddr: remoteAddr,
			Action:     "session.disconnect",
			Status:     audit.StatusSuccess,
			BytesIn:    bytesIn.Load(),
			BytesOut:   link.bytesOut(),
			ExitCode:   link.exitCode(),
			Detail: map[string]any{
				"started_at": startedAt.Format(time.RFC3339),
				"ended_at":   time.Now().UTC().Format(time.RFC3339),
			},
		})
	}()

	// Once the host acknowledges the exit code nothing more will flow;
	// initiate the close handshake instead of waiting for the peer.
	go func() {
		select {
		case <-engine.Acked():
			deadline := time.Now().Add(closeGrace)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage {
			// Envelopes travel as text frames; anything else is not ours.
			continue
		}
		bytesIn.Add(uint64(len(msg)))
		b.HandleRaw(msg)
	}
}

// link adapts a WebSocket connection to the bridge's outbound channel.
// Deliver may be called from the message loop and from session teardown, so
// writes are serialized.
type link struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	out  uint64
	exit *int
}

func newLink(conn *websocket.Conn, logger zerolog.Logger) *link {
	return &link{conn: conn, log: logger}
}

var _ bridge.Channel = (*link)(nil)

// Deliver implements bridge.Channel.
func (l *link) Deliver(env envelope.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		l.log.Warn().Err(err).Str("name", env.Name).Msg("wschannel: drop unencodable envelope")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if env.Name == "exit" && len(env.Arguments) == 1 {
		if code, ok := env.Arguments[0].(int); ok {
			l.exit = &code
		}
	}
	l.out += uint64(len(raw))
	if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		l.log.Debug().Err(err).Msg("wschannel: write failed")
	}
}

func (l *link) bytesOut() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out
}

func (l *link) exitCode() *int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exit
}
