//go:build !windows

// Package ptyhelper is the body of the panelterm-pty executable. It runs a
// shell on a fresh PTY and relays bytes between its own stdio and the PTY
// master, while applying window sizes read from a separate control stream.
package ptyhelper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/nebula/panelterm/internal/control"
	"github.com/nebula/panelterm/internal/logging"
	"go.uber.org/zap"
)

// Size used until the first control message arrives.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Config describes one helper run.
type Config struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string

	Stdin  io.Reader
	Stdout io.Writer
	// Control carries "<cols>x<rows>" lines. EOF on it is not fatal.
	Control io.Reader

	Logger *zap.Logger
}

// Run starts the shell and relays until the shell's output ends, Stdin
// reaches EOF or ctx is cancelled. In the latter two cases the shell is hung
// up. Run returns the shell's exit code; death by signal N maps to 128+N.
func Run(ctx context.Context, cfg Config) (int, error) {
	if cfg.Shell == "" {
		return 1, errors.New("no shell given")
	}
	log := logging.OrNop(cfg.Logger).Named("ptyhelper")

	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: DefaultCols, Rows: DefaultRows})
	if err != nil {
		return 1, fmt.Errorf("start %s: %w", cfg.Shell, err)
	}
	var closeOnce sync.Once
	closeMaster := func() {
		closeOnce.Do(func() { ptmx.Close() })
	}
	defer closeMaster()

	if cfg.Control != nil {
		go applySizes(ptmx, cfg.Control, log)
	}

	var inputDone chan struct{}
	if cfg.Stdin != nil {
		inputDone = make(chan struct{})
		go func() {
			defer close(inputDone)
			if _, err := io.Copy(ptmx, cfg.Stdin); err != nil {
				log.Debug("input relay stopped", zap.Error(err))
			}
		}()
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		out := cfg.Stdout
		if out == nil {
			out = io.Discard
		}
		// EIO here just means the slave side is gone
		if _, err := io.Copy(out, ptmx); err != nil && !errors.Is(err, syscall.EIO) {
			log.Debug("output relay stopped", zap.Error(err))
		}
	}()

	select {
	case <-outputDone:
	case <-inputDone:
		log.Debug("input closed, hanging up shell")
		hangup(cmd, closeMaster)
	case <-ctx.Done():
		log.Debug("cancelled, hanging up shell", zap.Error(ctx.Err()))
		hangup(cmd, closeMaster)
	}

	return exitCode(cmd.Wait())
}

func hangup(cmd *exec.Cmd, closeMaster func()) {
	closeMaster()
	if err := cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}
}

func applySizes(ptmx *os.File, r io.Reader, log *zap.Logger) {
	cr := control.NewReader(r)
	for {
		m, err := cr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("control channel closed", zap.Error(err))
			}
			return
		}
		if m.Cols > 0xFFFF || m.Rows > 0xFFFF {
			continue
		}
		ws := &pty.Winsize{Cols: uint16(m.Cols), Rows: uint16(m.Rows)}
		if err := pty.Setsize(ptmx, ws); err != nil {
			log.Debug("setsize failed", zap.Stringer("size", m), zap.Error(err))
		}
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
