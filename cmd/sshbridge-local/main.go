// Command sshbridge-local runs a whole bridge session inside one process:
// the login engine talks to a loopback host that uses the local terminal
// and real TCP sockets. Useful for trying the bridge without a WebSocket
// frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/bridge"
	"github.com/websoft9/sshbridge/internal/envelope"
	"github.com/websoft9/sshbridge/internal/hostio"
	"github.com/websoft9/sshbridge/internal/sshengine"
)

func main() {
	port := flag.Int("p", 22, "destination port")
	subsystem := flag.String("s", "", "request a subsystem instead of a shell")
	verbose := flag.Bool("v", false, "verbose diagnostics")
	window := flag.Int("window", bridge.DefaultWriteWindow, "advisory write window in bytes")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sshbridge-local [flags] user@host")
		os.Exit(2)
	}
	user, host := splitDestination(flag.Arg(0))
	if host == "" {
		fmt.Fprintln(os.Stderr, "sshbridge-local: destination host required")
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	exitCh := make(chan int, 1)

	var b *bridge.Bridge
	loop, err := hostio.New(hostio.Options{
		Send: func(env envelope.Envelope) {
			raw, err := env.Encode()
			if err != nil {
				logger.Warn().Err(err).Msg("drop unencodable envelope")
				return
			}
			b.HandleRaw(raw)
		},
		Logger: logger,
		OnExit: func(code int) { exitCh <- code },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sshbridge-local: %v\n", err)
		os.Exit(1)
	}
	defer loop.Close()

	b = bridge.New(bridge.Options{
		Channel:     deliverFunc(loop.Handle),
		Logger:      logger,
		Verbose:     *verbose,
		WriteWindow: *window,
	})
	engine := sshengine.New(b, logger)
	b.Bind(engine, engine.Run)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	cols, rows := terminalSize()
	loop.StartSession(hostio.SessionConfig{
		Username:       user,
		Host:           host,
		Port:           *port,
		TerminalWidth:  cols,
		TerminalHeight: rows,
		Environment:    map[string]string{"TERM": os.Getenv("TERM")},
		WriteWindow:    *window,
		Subsystem:      *subsystem,
	})

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	for {
		select {
		case <-winch:
			cols, rows := terminalSize()
			_ = loop.Resize(cols, rows)
		case code := <-exitCh:
			cancel()
			os.Exit(code)
		}
	}
}

// deliverFunc adapts a plain function to the bridge's outbound channel.
type deliverFunc func(envelope.Envelope)

func (f deliverFunc) Deliver(env envelope.Envelope) { f(env) }

func splitDestination(dest string) (user, host string) {
	for i := len(dest) - 1; i >= 0; i-- {
		if dest[i] == '@' {
			return dest[:i], dest[i+1:]
		}
	}
	return "", dest
}

func terminalSize() (cols, rows int) {
	rows, cols, err := pty.Getsize(os.Stdin)
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return cols, rows
}
