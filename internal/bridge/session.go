package bridge

import (
	"fmt"
	"os"
)

// session tracks the one active run of the login engine. The controller
// moves Idle -> Running -> Exited; Exited collapses back to Idle once the
// exit code has been reported.
type session struct {
	config sessionConfig
}

// sessionConfig is the immutable snapshot captured from a startSession
// request. Optional fields keep their presence bit; the terminal dimensions
// only count when both arrive together.
type sessionConfig struct {
	Username    string
	HasUsername bool
	Host        string
	HasHost     bool

	Port    int
	HasPort bool

	TerminalCols    int
	TerminalRows    int
	HasTerminalSize bool

	UseJSSocket    bool
	HasUseJSSocket bool

	// Environment holds the well-typed string/string pairs; entries with a
	// non-string value are dropped during parsing.
	Environment map[string]string

	// Arguments keeps the raw dynamically-typed list; non-string entries
	// are reported and skipped when the argument vector is built.
	Arguments []any

	WriteWindow int

	AuthAgentAppID    string
	HasAuthAgentAppID bool

	Subsystem    string
	HasSubsystem bool
}

// parseSessionConfig extracts the recognized fields from a startSession
// config object. Unrecognized fields are ignored; recognized fields with
// the wrong type are treated as absent, matching the per-field tolerance of
// the protocol.
func parseSessionConfig(obj map[string]any, defaultWindow int) sessionConfig {
	cfg := sessionConfig{
		Environment: make(map[string]string),
		WriteWindow: defaultWindow,
	}
	if v, ok := argString(obj["username"]); ok {
		cfg.Username, cfg.HasUsername = v, true
	}
	if v, ok := argString(obj["host"]); ok {
		cfg.Host, cfg.HasHost = v, true
	}
	if v, ok := argInt(obj["port"]); ok {
		cfg.Port, cfg.HasPort = v, true
	}
	cols, okCols := argInt(obj["terminalWidth"])
	rows, okRows := argInt(obj["terminalHeight"])
	if okCols && okRows {
		cfg.TerminalCols, cfg.TerminalRows, cfg.HasTerminalSize = cols, rows, true
	}
	if v, ok := argBool(obj["useJsSocket"]); ok {
		cfg.UseJSSocket, cfg.HasUseJSSocket = v, true
	}
	if env, ok := argObject(obj["environment"]); ok {
		for key, raw := range env {
			if value, ok := argString(raw); ok {
				cfg.Environment[key] = value
			}
		}
	}
	if list, ok := obj["arguments"].([]any); ok {
		cfg.Arguments = list
	}
	if v, ok := argInt(obj["writeWindow"]); ok && v > 0 {
		cfg.WriteWindow = v
	}
	if v, ok := argString(obj["authAgentAppID"]); ok {
		cfg.AuthAgentAppID, cfg.HasAuthAgentAppID = v, true
	}
	if v, ok := argString(obj["subsystem"]); ok {
		cfg.Subsystem, cfg.HasSubsystem = v, true
	}
	return cfg
}

// buildArgv assembles the login engine's argument vector: program name,
// optional verbose flag, the session arguments in order, then -p<port> and
// user@host. The subsystem is passed out-of-band, never as an argv token.
func buildArgv(cfg sessionConfig, verbose bool, logSkip func(string)) []string {
	argv := []string{"ssh"}
	if verbose {
		argv = append(argv, "-v")
	}
	for _, raw := range cfg.Arguments {
		arg, ok := raw.(string)
		if !ok {
			logSkip("startSession: invalid argument")
			continue
		}
		argv = append(argv, arg)
	}
	if cfg.HasPort {
		argv = append(argv, fmt.Sprintf("-p%d", cfg.Port))
	}
	if cfg.HasUsername && cfg.HasHost {
		argv = append(argv, cfg.Username+"@"+cfg.Host)
	}
	return argv
}

// handleStartSession begins the one session this bridge instance runs at a
// time. A request while a session is active, or one that is not exactly
// [configObject], is rejected with a diagnostic and no state change.
func (b *Bridge) handleStartSession(args []any) {
	if b.session != nil {
		b.printLog("startSession: session already active")
		return
	}
	if len(args) != 1 {
		b.printLog("startSession: invalid arguments")
		return
	}
	obj, ok := argObject(args[0])
	if !ok {
		b.printLog("startSession: invalid arguments")
		return
	}

	cfg := parseSessionConfig(obj, b.defaultWindow)
	b.window = cfg.WriteWindow

	if b.fs != nil {
		if cfg.HasTerminalSize {
			b.fs.SetTerminalSize(cfg.TerminalCols, cfg.TerminalRows)
		}
		if cfg.HasUseJSSocket {
			b.fs.UseJsSocket(cfg.UseJSSocket)
		}
	}
	for key, value := range cfg.Environment {
		b.log.Debug().Str("key", key).Str("value", value).Msg("session environment")
		os.Setenv(key, value)
	}
	if cfg.HasAuthAgentAppID {
		os.Setenv("SSH_AUTH_SOCK", cfg.AuthAgentAppID)
	}

	argv := buildArgv(cfg, b.verbose, b.printLog)
	subsystem := ""
	if cfg.HasSubsystem {
		subsystem = cfg.Subsystem
	}

	if b.entry == nil {
		// No engine bound: the session cannot start. Reported through the
		// normal exit channel, never as a transport error.
		b.printLog("startSession: no login engine available")
		b.send("exit", -1)
		return
	}

	b.session = &session{config: cfg}
	go b.runSession(argv, subsystem)
}

// runSession executes the engine on its dedicated goroutine. The exit code
// crosses back to the message-handling goroutine via Post; nothing here
// touches bridge-owned state directly.
func (b *Bridge) runSession(argv []string, subsystem string) {
	code := b.invokeEntry(argv, subsystem)
	b.Post(func() { b.finishSession(code) })
}

// invokeEntry isolates the engine call so a panicking engine surfaces as a
// failed session instead of tearing the process down.
func (b *Bridge) invokeEntry(argv []string, subsystem string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Any("panic", r).Msg("login engine panicked")
			code = -1
		}
	}()
	return b.entry(argv, subsystem)
}

// finishSession reports the exit code exactly once and returns the
// controller to Idle. Descriptors left open by the engine are dropped with
// the session; their host side is gone as soon as exit is reported.
func (b *Bridge) finishSession(code int) {
	if b.session == nil {
		return
	}
	b.session = nil
	b.registry.clear()
	b.writer.reset()
	b.window = b.defaultWindow
	b.send("exit", code)
}

// SessionActive reports whether a session is currently running. Loop-owned;
// exposed for transports that refuse to drop a connection mid-session.
func (b *Bridge) SessionActive() bool {
	return b.session != nil
}
