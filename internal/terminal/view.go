package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nebula/panelterm/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrViewClosed is returned by operations on a closed view.
	ErrViewClosed = errors.New("view is closed")
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("view is already open")
)

// State is the lifecycle state of a view.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateExited
	StateFailed
	StateRelaunching
	StateClosed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateStarting:      "starting",
	StateRunning:       "running",
	StateExited:        "exited",
	StateFailed:        "failed",
	StateRelaunching:   "relaunching",
	StateClosed:        "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Delays are the settling timers used around session start.
type Delays struct {
	Mount         time.Duration // first layout pass after mounting the widget
	InitialResize time.Duration // after each session start
	Layout        time.Duration // after a workspace layout change
	Settle        time.Duration // login shell startup before the auto-command
	EchoClear     time.Duration // auto-command echo reaching the widget
}

// DefaultDelays returns the timings used by the panel server.
func DefaultDelays() Delays {
	return Delays{
		Mount:         100 * time.Millisecond,
		InitialResize: 200 * time.Millisecond,
		Layout:        50 * time.Millisecond,
		Settle:        time.Second,
		EchoClear:     50 * time.Millisecond,
	}
}

// StatusEvent is emitted on every view state transition.
type StatusEvent struct {
	PanelID    string      `json:"panel_id"`
	SessionID  string      `json:"session_id,omitempty"`
	State      State       `json:"state"`
	Pid        int         `json:"pid,omitempty"`
	Shell      string      `json:"shell,omitempty"`
	WorkingDir string      `json:"working_dir,omitempty"`
	Exit       *ExitStatus `json:"exit,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}

// SessionEnd reports a session whose helper process is gone, including
// sessions replaced by a relaunch or ended by Close.
type SessionEnd struct {
	PanelID   string
	SessionID string
	Status    Status
	Exit      ExitStatus
	Error     string
	At        time.Time
}

// Options configure a View.
type Options struct {
	Starter Starter
	// Config is consulted on every session start.
	Config          func() SessionConfig
	Delays          Delays
	ScrollbarMargin int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	// OnStatus is called outside the view lock, in transition order per view.
	OnStatus func(StatusEvent)
	// OnSessionEnd is called from the exit watcher of every started session.
	OnSessionEnd func(SessionEnd)
}

// View ties one widget inside one host panel to at most one shell session.
type View struct {
	id   string
	host Host
	opts Options
	log  *zap.Logger

	// emitMu keeps status callbacks in transition order
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	widget      *lockedWidget
	resizer     *Resizer
	session     *Session
	pump        *pump
	sessReg     *Registry
	uiReg       *Registry
	layoutTimer *time.Timer
}

// NewView creates an unopened view.
func NewView(id string, host Host, widget Widget, opts Options) *View {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("terminal").With(zap.String("panel", id))
	if opts.Config == nil {
		opts.Config = func() SessionConfig { return SessionConfig{} }
	}
	if opts.ScrollbarMargin <= 0 {
		opts.ScrollbarMargin = DefaultScrollbarMargin
	}
	if opts.Delays == (Delays{}) {
		opts.Delays = DefaultDelays()
	}

	v := &View{
		id:     id,
		host:   host,
		opts:   opts,
		log:    log,
		widget: newLockedWidget(widget),
		uiReg:  NewRegistry(log),
	}
	v.resizer = &Resizer{
		widget:  v.widget,
		margin:  opts.ScrollbarMargin,
		target:  v.Session,
		log:     log,
		metrics: opts.Metrics,
	}
	return v
}

// ID returns the panel id.
func (v *View) ID() string { return v.id }

// State returns the current lifecycle state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Session returns the current session, or nil.
func (v *View) Session() *Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session
}

// Open mounts the widget, starts watching the container and the workspace
// layout, and starts the first session. A spawn failure leaves the view open
// in StateFailed with the error printed in the widget.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	switch v.state {
	case StateUninitialized:
	case StateClosed:
		v.mu.Unlock()
		return ErrViewClosed
	default:
		v.mu.Unlock()
		return ErrAlreadyOpen
	}
	v.state = StateStarting
	v.observeLocked()
	ev, err := v.startSessionLocked(ctx)
	v.mu.Unlock()

	v.emit(ev)
	return err
}

// Relaunch terminates the current session, clears the widget and starts a
// new session. Container and layout observers are kept.
func (v *View) Relaunch(ctx context.Context) error {
	v.mu.Lock()
	switch v.state {
	case StateClosed:
		v.mu.Unlock()
		return ErrViewClosed
	case StateUninitialized:
		v.mu.Unlock()
		return v.Open(ctx)
	}
	v.state = StateRelaunching
	v.teardownSessionLocked()
	v.widget.Clear()
	v.state = StateStarting
	ev, err := v.startSessionLocked(ctx)
	v.mu.Unlock()

	v.emit(ev)
	return err
}

// Close releases every listener, observer and timer, terminates the session
// and disposes the widget. Individual disposal failures are logged and
// returned joined; they never stop the close. Closing twice is a no-op.
func (v *View) Close() error {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return nil
	}
	v.state = StateClosed

	var errs []error
	if err := v.uiReg.Drain(); err != nil {
		errs = append(errs, err)
	}
	if err := v.teardownSessionLocked(); err != nil {
		errs = append(errs, err)
	}
	v.widget.Dispose()
	ev := v.eventLocked(nil)
	v.mu.Unlock()

	v.log.Info("panel closed")
	v.emit(ev)
	return errors.Join(errs...)
}

// observeLocked registers the view-lifetime observers.
func (v *View) observeLocked() {
	unobserve := v.host.Container().ObserveSize(func(width, height float64) {
		if !(width > 0) || !(height > 0) {
			return
		}
		v.viewportChanged()
	})
	v.uiReg.AddFunc("container size observer", unobserve)

	unsubscribe := v.host.OnLayoutChange(v.layoutChanged)
	v.uiReg.AddFunc("layout change listener", unsubscribe)

	mount := time.AfterFunc(v.opts.Delays.Mount, v.viewportChanged)
	v.uiReg.AddFunc("mount resize timer", func() { mount.Stop() })

	// drained by Close with v.mu held
	v.uiReg.AddFunc("layout resize timer", func() {
		if v.layoutTimer != nil {
			v.layoutTimer.Stop()
		}
	})
}

func (v *View) startSessionLocked(ctx context.Context) (StatusEvent, error) {
	cfg := v.opts.Config()

	sess, err := v.opts.Starter.Start(ctx, cfg)
	if err != nil {
		v.state = StateFailed
		v.opts.Metrics.SpawnFailed()
		v.log.Error("session start failed", zap.String("shell", cfg.ShellPath), zap.Error(err))
		v.widget.Writeln("\r\nError: Failed to start terminal: " + err.Error())
		v.host.Notice("Failed to start terminal: " + err.Error())
		return v.eventLocked(err), err
	}

	reg := NewRegistry(v.log)
	v.session = sess
	v.sessReg = reg
	sess.markRunning()
	v.state = StateRunning
	v.opts.Metrics.SessionStarted()

	v.pump = startPump(sess, v.widget, v.log, v.opts.Metrics)

	initial := time.AfterFunc(v.opts.Delays.InitialResize, func() {
		if _, ok := v.current(sess); ok {
			v.viewportChanged()
		}
	})
	reg.AddFunc("initial resize timer", func() { initial.Stop() })

	if cfg.AutoStart && strings.TrimSpace(cfg.StartupCommand) != "" {
		v.armAutoCommand(sess, reg, cfg.StartupCommand)
	}

	go v.watchExit(sess)

	v.log.Info("session started", zap.String("session", sess.ID), zap.Int("pid", sess.Pid()))
	return v.eventLocked(nil), nil
}

// teardownSessionLocked stops the current session's timers and listeners,
// detaches its relay from the widget and terminates its process. Once it
// returns no output of that session reaches the widget. Termination errors
// are logged, not fatal.
func (v *View) teardownSessionLocked() error {
	var errs []error
	if v.sessReg != nil {
		if err := v.sessReg.Drain(); err != nil {
			errs = append(errs, err)
		}
		v.sessReg = nil
	}
	if v.pump != nil {
		v.pump.stop()
	}
	if v.session != nil {
		if err := v.session.Terminate(); err != nil {
			v.log.Warn("terminate failed", zap.String("session", v.session.ID), zap.Error(err))
		}
	}
	if v.pump != nil {
		if !v.pump.wait(relayDrainTimeout) {
			v.log.Warn("output relay still draining", zap.String("session", v.session.ID))
		}
		v.pump = nil
	}
	v.session = nil
	return errors.Join(errs...)
}

func (v *View) watchExit(sess *Session) {
	<-sess.Done()
	v.opts.Metrics.SessionEnded(sess.Status().String())
	if v.opts.OnSessionEnd != nil {
		end := SessionEnd{PanelID: v.id, SessionID: sess.ID, Status: sess.Status(), At: time.Now()}
		end.Exit, _ = sess.Exit()
		if err := sess.Err(); err != nil {
			end.Error = err.Error()
		}
		v.opts.OnSessionEnd(end)
	}

	v.mu.Lock()
	if v.session != sess || v.state != StateRunning {
		v.mu.Unlock()
		return
	}
	if sess.Status() == StatusFailed {
		v.state = StateFailed
	} else {
		v.state = StateExited
	}
	ev := v.eventLocked(sess.Err())
	v.mu.Unlock()

	v.emit(ev)
}

// current returns the widget if sess is still this view's live session.
func (v *View) current(sess *Session) (*lockedWidget, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed || v.session != sess || !sess.Alive() {
		return nil, false
	}
	return v.widget, true
}

func (v *View) viewportChanged() {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return
	}
	r := v.resizer
	v.mu.Unlock()

	r.OnViewportChange()
}

func (v *View) layoutChanged() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed {
		return
	}
	if v.layoutTimer == nil {
		v.layoutTimer = time.AfterFunc(v.opts.Delays.Layout, v.viewportChanged)
		return
	}
	v.layoutTimer.Reset(v.opts.Delays.Layout)
}

func (v *View) eventLocked(err error) StatusEvent {
	ev := StatusEvent{PanelID: v.id, State: v.state, At: time.Now()}
	if v.session != nil {
		ev.SessionID = v.session.ID
		ev.Pid = v.session.Pid()
		ev.Shell = v.session.Shell
		ev.WorkingDir = v.session.WorkingDir
		if st, ok := v.session.Exit(); ok {
			ev.Exit = &st
		}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (v *View) emit(ev StatusEvent) {
	if v.opts.OnStatus == nil {
		return
	}
	v.emitMu.Lock()
	defer v.emitMu.Unlock()
	v.opts.OnStatus(ev)
}

// Info is a point-in-time description of a view for the API.
type Info struct {
	ID         string      `json:"id"`
	State      State       `json:"state"`
	SessionID  string      `json:"session_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	Pid        int         `json:"pid,omitempty"`
	Shell      string      `json:"shell,omitempty"`
	WorkingDir string      `json:"working_dir,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	Exit       *ExitStatus `json:"exit,omitempty"`
}

// Info describes the view and its current session.
func (v *View) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	info := Info{ID: v.id, State: v.state}
	if s := v.session; s != nil {
		started := s.StartedAt
		info.SessionID = s.ID
		info.Status = s.Status().String()
		info.Pid = s.Pid()
		info.Shell = s.Shell
		info.WorkingDir = s.WorkingDir
		info.StartedAt = &started
		if st, ok := s.Exit(); ok {
			info.Exit = &st
		}
	}
	return info
}
