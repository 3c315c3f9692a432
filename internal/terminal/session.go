package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/nebula/panelterm/internal/control"
	"go.uber.org/zap"
)

// ErrSessionNotRunning is returned by writes to a session that has exited,
// failed or been terminated.
var ErrSessionNotRunning = errors.New("session is not running")

// Status is the lifecycle state of a single shell session.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusExited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Streams are the four channels of the PTY helper, by role.
type Streams struct {
	Stdin   io.WriteCloser // shell input
	Stdout  io.ReadCloser  // shell output
	Stderr  io.ReadCloser  // helper and shell diagnostics
	Control io.WriteCloser // resize lines
}

// ExitStatus describes how the helper process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Process is the OS process behind a session.
type Process interface {
	Pid() int
	// Terminate asks the process and its descendants to exit.
	Terminate() error
	// Wait blocks until the process is gone. signaled reports whether it
	// was killed by a signal.
	Wait() (st ExitStatus, signaled bool, err error)
}

// Session owns one helper process and its streams.
type Session struct {
	ID         string
	Shell      string
	WorkingDir string
	StartedAt  time.Time

	streams Streams
	proc    Process
	log     *zap.Logger

	inMu  sync.Mutex
	ctlMu sync.Mutex
	ctl   *control.Writer

	mu          sync.RWMutex
	status      Status
	exit        *ExitStatus
	exitErr     error
	terminating bool
	closed      bool
	done        chan struct{}
}

// NewSession wraps an already started process. The session starts in
// StatusStarting; a goroutine records the exit when the process ends.
func NewSession(id string, cfg SessionConfig, streams Streams, proc Process, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		ID:         id,
		Shell:      cfg.ShellPath,
		WorkingDir: cfg.WorkingDir,
		StartedAt:  time.Now(),
		streams:    streams,
		proc:       proc,
		ctl:        control.NewWriter(streams.Control),
		log:        log.With(zap.String("session", id)),
		status:     StatusStarting,
		done:       make(chan struct{}),
	}
	go s.wait()
	return s
}

// Pid returns the helper's process id.
func (s *Session) Pid() int {
	return s.proc.Pid()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Alive reports whether the session still accepts input. A session being
// terminated is no longer alive even before its process is reaped.
func (s *Session) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aliveLocked()
}

func (s *Session) aliveLocked() bool {
	return s.status == StatusRunning && !s.terminating
}

// Exit returns the exit status once the process has ended.
func (s *Session) Exit() (ExitStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exit == nil {
		return ExitStatus{}, false
	}
	return *s.exit, true
}

// Err returns the wait error for failed sessions.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitErr
}

// Done is closed after the process has exited and its status is final.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stdout and Stderr expose the read ends for the output relay.
func (s *Session) Stdout() io.Reader { return s.streams.Stdout }
func (s *Session) Stderr() io.Reader { return s.streams.Stderr }

// markRunning moves a freshly wired session to StatusRunning. It is a no-op
// if the process already exited.
func (s *Session) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStarting {
		s.status = StatusRunning
	}
}

// WriteInput sends keystrokes to the shell. Liveness is checked again with
// the input lock held, so nothing is written once Terminate has started.
func (s *Session) WriteInput(p []byte) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if !s.Alive() {
		return ErrSessionNotRunning
	}
	if _, err := s.streams.Stdin.Write(p); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Resize writes one resize line to the control channel.
func (s *Session) Resize(m control.ResizeMessage) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	if !s.Alive() {
		return ErrSessionNotRunning
	}
	if err := s.ctl.Send(m); err != nil {
		return fmt.Errorf("write control: %w", err)
	}
	return nil
}

// Terminate stops the helper if it is still running and closes every
// stream. A helper that was already reaped is never signalled, since its pid
// may belong to another process by now. It is best-effort and safe to call
// more than once; errors are returned for logging only.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.terminating = true
	reaped := s.exit != nil
	s.mu.Unlock()

	var errs []error
	// stdin first: unblocks a pending write before the input lock is awaited
	if err := closeStream(s.streams.Stdin); err != nil {
		errs = append(errs, err)
	}
	s.inMu.Lock()
	s.inMu.Unlock()

	if !reaped {
		if err := s.proc.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range []io.Closer{s.streams.Control, s.streams.Stdout, s.streams.Stderr} {
		if err := closeStream(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeStream(c io.Closer) error {
	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) wait() {
	st, signaled, err := s.proc.Wait()

	s.mu.Lock()
	s.exit = &st
	switch {
	case err != nil:
		s.status = StatusFailed
		s.exitErr = err
	case signaled && !s.terminating:
		s.status = StatusFailed
	default:
		s.status = StatusExited
	}
	final := s.status
	s.mu.Unlock()

	s.log.Info("shell process exited",
		zap.String("status", final.String()),
		zap.Int("code", st.Code),
		zap.String("signal", st.Signal),
		zap.Error(err))
	close(s.done)
}
