// Package audit provides a unified helper for writing session audit records.
//
// All bridge lifecycle events go through Recorder.Write(); records land in
// the structured log stream so they can be shipped and queried alongside
// operational logs.
package audit

import (
	"github.com/rs/zerolog"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
// Using a named struct avoids the swap-bug risk of consecutive string parameters.
type Entry struct {
	// SessionID is the bridge session identifier (empty before a session starts).
	SessionID string
	// RemoteAddr is the peer address of the host connection.
	RemoteAddr string
	// Action is a dot-namespaced verb, e.g. "session.start", "session.exit".
	Action string
	// Username is the login name requested for the session, when known.
	Username string
	// Host is the destination host requested for the session, when known.
	Host string
	// Port is the destination port requested for the session.
	Port int
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// BytesIn counts payload bytes received from the host side.
	BytesIn uint64
	// BytesOut counts payload bytes sent toward the host side.
	BytesOut uint64
	// ExitCode is the session exit code; nil when the session has not exited.
	ExitCode *int
	// Detail holds optional structured context (error message, close reason, etc.).
	Detail map[string]any
}

// Recorder writes audit records to a structured log stream.
type Recorder struct {
	log zerolog.Logger
}

// NewRecorder builds a Recorder on top of the given logger.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{log: logger.With().Str("component", "audit").Logger()}
}

// Write emits one audit record.
// Invalid records are logged and swallowed — an audit failure must never
// break the calling operation.
func (r *Recorder) Write(entry Entry) {
	if !validStatuses[entry.Status] {
		r.log.Warn().
			Str("action", entry.Action).
			Str("status", entry.Status).
			Msg("audit: invalid status, skipping record")
		return
	}

	event := r.log.Info().
		Str("action", entry.Action).
		Str("status", entry.Status)
	if entry.SessionID != "" {
		event = event.Str("session_id", entry.SessionID)
	}
	if entry.RemoteAddr != "" {
		event = event.Str("remote_addr", entry.RemoteAddr)
	}
	if entry.Username != "" {
		event = event.Str("username", entry.Username)
	}
	if entry.Host != "" {
		event = event.Str("host", entry.Host)
	}
	if entry.Port != 0 {
		event = event.Int("port", entry.Port)
	}
	if entry.BytesIn != 0 || entry.BytesOut != 0 {
		event = event.Uint64("bytes_in", entry.BytesIn).Uint64("bytes_out", entry.BytesOut)
	}
	if entry.ExitCode != nil {
		event = event.Int("exit_code", *entry.ExitCode)
	}
	if entry.Detail != nil {
		event = event.Interface("detail", entry.Detail)
	}
	event.Msg("audit record")
}
