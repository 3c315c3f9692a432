//go:build !windows

// Command panelterm-pty runs a shell on a PTY for the panel server.
//
//	panelterm-pty <shell> [args...]
//
// stdin and stdout are relayed to the PTY; fd 3, when open, carries
// "<cols>x<rows>" resize lines.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nebula/panelterm/internal/logging"
	"github.com/nebula/panelterm/internal/ptyhelper"
	"golang.org/x/term"
)

const controlFD = 3

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: panelterm-pty <shell> [args...]")
		os.Exit(2)
	}

	// stderr is shown in the terminal panel, so stay quiet by default
	level := os.Getenv("PANELTERM_PTY_LOG_LEVEL")
	if level == "" {
		level = "error"
	}
	log := logging.Must(logging.Config{Level: level, Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)

	// when run by hand from a terminal, pass keystrokes through untouched
	restore := func() {}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if state, err := term.MakeRaw(fd); err == nil {
			restore = func() { _ = term.Restore(fd, state) }
		}
	}

	cfg := ptyhelper.Config{
		Shell:  os.Args[1],
		Args:   os.Args[2:],
		Env:    os.Environ(),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Logger: log,
	}
	if f := controlFile(); f != nil {
		cfg.Control = f
	}

	code, err := ptyhelper.Run(ctx, cfg)
	restore()
	stop()
	_ = log.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "panelterm-pty: %v\r\n", err)
	}
	os.Exit(code)
}

// controlFile returns fd 3 if the parent passed a stream there.
func controlFile() *os.File {
	var st syscall.Stat_t
	if err := syscall.Fstat(controlFD, &st); err != nil {
		return nil
	}
	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFIFO, syscall.S_IFSOCK, syscall.S_IFREG, syscall.S_IFCHR:
		return os.NewFile(controlFD, "control")
	}
	return nil
}
