package terminal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// eventLog records process creations and terminations in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeProcess struct {
	pid    int
	events *eventLog

	mu         sync.Mutex
	terminates int
	status     ExitStatus
	signaled   bool
	exited     chan struct{}
	once       sync.Once
}

func newFakeProcess(pid int, events *eventLog) *fakeProcess {
	return &fakeProcess{pid: pid, events: events, exited: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminates++
	p.mu.Unlock()
	if p.events != nil {
		p.events.add(fmt.Sprintf("terminate %d", p.pid))
	}
	p.exit(ExitStatus{Code: -1, Signal: "terminated"}, true)
	return nil
}

func (p *fakeProcess) exit(st ExitStatus, signaled bool) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = st
		p.signaled = signaled
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakeProcess) Wait() (ExitStatus, bool, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.signaled, nil
}

func (p *fakeProcess) terminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates
}

// capture drains a pipe in the background.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newCapture(r io.Reader) *capture {
	c := &capture{}
	go func() {
		chunk := make([]byte, 1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(chunk[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *capture) lines() []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(c.String()))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

// fakeShell is the far side of a session's four streams.
type fakeShell struct {
	proc    *fakeProcess
	stdin   *capture
	control *capture
	stdout  *io.PipeWriter
	stderr  *io.PipeWriter
	streams Streams
}

func newFakeShell(pid int, events *eventLog) *fakeShell {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	ctlR, ctlW := io.Pipe()
	return &fakeShell{
		proc:    newFakeProcess(pid, events),
		stdin:   newCapture(inR),
		control: newCapture(ctlR),
		stdout:  outW,
		stderr:  errW,
		streams: Streams{Stdin: inW, Stdout: outR, Stderr: errR, Control: ctlW},
	}
}

type fakeStarter struct {
	events *eventLog
	log    *zap.Logger

	mu      sync.Mutex
	err     error
	shells  []*fakeShell
	configs []SessionConfig
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{events: &eventLog{}}
}

func (s *fakeStarter) Start(_ context.Context, cfg SessionConfig) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, cfg)
	if s.err != nil {
		return nil, s.err
	}
	pid := 1000 + len(s.shells)
	sh := newFakeShell(pid, s.events)
	s.shells = append(s.shells, sh)
	s.events.add(fmt.Sprintf("create %d", pid))
	return NewSession(fmt.Sprintf("session-%d", pid), cfg, sh.streams, sh.proc, s.log), nil
}

func (s *fakeStarter) shell(i int) *fakeShell {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.shells) {
		return nil
	}
	return s.shells[i]
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shells)
}

type fakeWidget struct {
	mu          sync.Mutex
	output      bytes.Buffer
	lines       []string
	resizes     [][2]int
	clears      int
	disposes    int
	proposal    Dimensions
	hasProposal bool
	listeners   map[int]func(string)
	next        int
}

func newFakeWidget() *fakeWidget {
	return &fakeWidget{listeners: make(map[int]func(string))}
}

func (w *fakeWidget) Write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.output.Write(p)
}

func (w *fakeWidget) Writeln(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, text)
}

func (w *fakeWidget) OnData(fn func(string)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

func (w *fakeWidget) Resize(cols, rows int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resizes = append(w.resizes, [2]int{cols, rows})
}

func (w *fakeWidget) ProposeDimensions() (Dimensions, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.proposal, w.hasProposal
}

func (w *fakeWidget) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clears++
	w.output.Reset()
}

func (w *fakeWidget) Dispose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disposes++
}

func (w *fakeWidget) propose(cols, rows float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.proposal = Dimensions{Cols: cols, Rows: rows}
	w.hasProposal = true
}

func (w *fakeWidget) typeIn(data string) {
	w.mu.Lock()
	fns := make([]func(string), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (w *fakeWidget) text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.output.String()
}

func (w *fakeWidget) snapshot() (lines []string, resizes [][2]int, clears, disposes, listeners int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...), append([][2]int(nil), w.resizes...), w.clears, w.disposes, len(w.listeners)
}

type fakeHost struct {
	mu        sync.Mutex
	sizeFns   map[int]func(w, h float64)
	layoutFns map[int]func()
	notices   []string
	detached  bool
	next      int
}

func newFakeHost() *fakeHost {
	return &fakeHost{sizeFns: make(map[int]func(w, h float64)), layoutFns: make(map[int]func())}
}

func (h *fakeHost) Container() Container { return h }

func (h *fakeHost) ObserveSize(fn func(w, h float64)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.sizeFns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.sizeFns, id)
	}
}

func (h *fakeHost) OnLayoutChange(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.layoutFns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.layoutFns, id)
	}
}

func (h *fakeHost) Notice(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, msg)
}

func (h *fakeHost) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached = true
}

func (h *fakeHost) resizeContainer(width, height float64) {
	h.mu.Lock()
	fns := make([]func(w, h float64), 0, len(h.sizeFns))
	for _, fn := range h.sizeFns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(width, height)
	}
}

func (h *fakeHost) layout() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.layoutFns))
	for _, fn := range h.layoutFns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *fakeHost) observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sizeFns) + len(h.layoutFns)
}

func (h *fakeHost) noticeList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notices...)
}
