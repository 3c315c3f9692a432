package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/nebula/panelterm/internal/process"
	"go.uber.org/zap"
)

const (
	defaultTerm = "xterm-256color"
	loginFlag   = "-l"
)

// ErrSpawn marks every failure to create a session.
var ErrSpawn = errors.New("failed to start terminal")

// SpawnError explains why a helper could not be started.
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSpawn}
	}
	return []error{ErrSpawn, e.Err}
}

// SessionConfig is what a single session is started with. It is read once
// per start; later settings changes apply to the next relaunch.
type SessionConfig struct {
	ShellPath      string
	WorkingDir     string
	StartupCommand string
	AutoStart      bool
	Env            map[string]string
}

// Starter creates sessions. *Launcher is the production implementation.
type Starter interface {
	Start(ctx context.Context, cfg SessionConfig) (*Session, error)
}

// LauncherConfig locates the PTY helper.
type LauncherConfig struct {
	HelperPath string
	// HelperArgs are placed before the shell path, e.g. a subcommand.
	HelperArgs []string
	// Term overrides TERM for the shell; defaults to xterm-256color.
	Term string
}

// Launcher spawns the PTY helper with four pipes: stdin, stdout, stderr and
// the control channel on fd 3.
type Launcher struct {
	mu    sync.RWMutex
	cfg   LauncherConfig
	procs *process.Manager
	log   *zap.Logger
}

// NewLauncher creates a launcher. procs is used to terminate helper trees and
// may be nil, in which case only the helper itself is signalled.
func NewLauncher(cfg LauncherConfig, procs *process.Manager, log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Term == "" {
		cfg.Term = defaultTerm
	}
	return &Launcher{cfg: cfg, procs: procs, log: log.Named("launcher")}
}

// Reconfigure replaces the helper settings used by later Start calls.
func (l *Launcher) Reconfigure(cfg LauncherConfig) {
	if cfg.Term == "" {
		cfg.Term = defaultTerm
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// Config returns the helper settings in effect.
func (l *Launcher) Config() LauncherConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Start spawns a helper running cfg.ShellPath as a login shell in
// cfg.WorkingDir. It does not wire any I/O and does not send an initial size.
func (l *Launcher) Start(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Reason: "cancelled", Err: err}
	}
	if strings.TrimSpace(cfg.ShellPath) == "" {
		return nil, &SpawnError{Reason: "no shell configured"}
	}
	lc := l.Config()
	helper, err := exec.LookPath(lc.HelperPath)
	if err != nil {
		return nil, &SpawnError{Reason: fmt.Sprintf("pty helper %q not found", lc.HelperPath), Err: err}
	}
	if cfg.WorkingDir != "" {
		fi, err := os.Stat(cfg.WorkingDir)
		if err != nil {
			return nil, &SpawnError{Reason: fmt.Sprintf("working directory %q is not accessible", cfg.WorkingDir), Err: err}
		}
		if !fi.IsDir() {
			return nil, &SpawnError{Reason: fmt.Sprintf("working directory %q is not a directory", cfg.WorkingDir)}
		}
	}

	p, err := openPipes()
	if err != nil {
		return nil, &SpawnError{Reason: "could not create helper pipes", Err: err}
	}

	args := append(append([]string{}, lc.HelperArgs...), cfg.ShellPath, loginFlag)
	cmd := exec.Command(helper, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), envOverrides(lc.Term, cfg.Env))
	cmd.Stdin = p.stdinR
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	cmd.ExtraFiles = []*os.File{p.controlR}

	if err := cmd.Start(); err != nil {
		p.closeAll()
		return nil, &SpawnError{Reason: describeStartError(err), Err: err}
	}
	p.closeChildEnds()

	id := uuid.NewString()
	l.log.Info("pty helper started",
		zap.String("session", id),
		zap.String("helper", helper),
		zap.String("shell", cfg.ShellPath),
		zap.String("dir", cfg.WorkingDir),
		zap.Int("pid", cmd.Process.Pid))

	streams := Streams{
		Stdin:   p.stdinW,
		Stdout:  p.stdoutR,
		Stderr:  p.stderrR,
		Control: p.controlW,
	}
	return NewSession(id, cfg, streams, &helperProcess{cmd: cmd, procs: l.procs}, l.log), nil
}

func envOverrides(term string, extra map[string]string) map[string]string {
	env := map[string]string{"TERM": term}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// mergeEnv returns base with overrides applied. Existing keys are replaced in
// place, new keys are appended in sorted order.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[k]; ok {
			if !seen[k] {
				out = append(out, k+"="+v)
				seen[k] = true
			}
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func describeStartError(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return "permission denied starting pty helper"
	case errors.Is(err, os.ErrNotExist):
		return "pty helper or working directory does not exist"
	default:
		return "could not start pty helper"
	}
}

type pipes struct {
	stdinR, stdinW     *os.File
	stdoutR, stdoutW   *os.File
	stderrR, stderrW   *os.File
	controlR, controlW *os.File
}

func openPipes() (*pipes, error) {
	p := &pipes{}
	var err error
	if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if p.controlR, p.controlW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	return p, nil
}

// closeChildEnds releases the descriptors inherited by the helper so our read
// ends see EOF once it exits.
func (p *pipes) closeChildEnds() {
	for _, f := range []*os.File{p.stdinR, p.stdoutW, p.stderrW, p.controlR} {
		if f != nil {
			f.Close()
		}
	}
}

func (p *pipes) closeAll() {
	p.closeChildEnds()
	for _, f := range []*os.File{p.stdinW, p.stdoutR, p.stderrR, p.controlW} {
		if f != nil {
			f.Close()
		}
	}
}

// helperProcess adapts an exec.Cmd to Process.
type helperProcess struct {
	cmd   *exec.Cmd
	procs *process.Manager
}

func (h *helperProcess) Pid() int {
	return h.cmd.Process.Pid
}

func (h *helperProcess) Terminate() error {
	if h.procs != nil {
		if err := h.procs.TerminateTree(int32(h.cmd.Process.Pid)); err == nil {
			return nil
		}
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate helper: %w", err)
	}
	return nil
}

func (h *helperProcess) Wait() (ExitStatus, bool, error) {
	err := h.cmd.Wait()
	state := h.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}, false, err
	}
	st := ExitStatus{Code: state.ExitCode()}
	signaled := false
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		signaled = true
		st.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	return st, signaled, err
}
