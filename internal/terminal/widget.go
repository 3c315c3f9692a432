package terminal

import (
	"sync"
	"sync/atomic"
)

// Dimensions is a size proposed by the widget for its current container.
// Values are floats because a widget measuring a transient layout may report
// NaN or infinity.
type Dimensions struct {
	Cols float64 `json:"cols"`
	Rows float64 `json:"rows"`
}

// Widget is the text-rendering terminal component a View drives. Escape
// sequence interpretation happens entirely inside the widget. Write must not
// retain p after it returns.
type Widget interface {
	Write(p []byte)
	Writeln(text string)
	// OnData subscribes to keystrokes and pastes; the returned func
	// unsubscribes.
	OnData(fn func(data string)) (unsubscribe func())
	Resize(cols, rows int)
	// ProposeDimensions reports the size that would fit the container
	// without applying it. ok is false when no proposal is available.
	ProposeDimensions() (d Dimensions, ok bool)
	Clear()
	Dispose()
}

// Container is the region the widget is mounted into.
type Container interface {
	// ObserveSize reports content-box size changes of the container.
	ObserveSize(fn func(width, height float64)) (unobserve func())
}

// Host is the panel framework owning the view.
type Host interface {
	Container() Container
	// OnLayoutChange fires whenever the surrounding workspace is re-laid out.
	OnLayoutChange(fn func()) (unsubscribe func())
	// Notice shows a transient message outside the terminal area.
	Notice(msg string)
	// Detach closes the panel.
	Detach()
}

// lockedWidget serialises every call into the widget so output relay,
// resize and the auto-command never touch it concurrently.
type lockedWidget struct {
	mu       sync.Mutex
	w        Widget
	disposed bool
}

func newLockedWidget(w Widget) *lockedWidget {
	return &lockedWidget{w: w}
}

func (l *lockedWidget) Write(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.w.Write(p)
}

// writeUnless writes p only while stop is unset. The flag is read under the
// widget lock, so a Clear issued after stop is set is never followed by p.
func (l *lockedWidget) writeUnless(stop *atomic.Bool, p []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed || stop.Load() {
		return false
	}
	l.w.Write(p)
	return true
}

func (l *lockedWidget) Writeln(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.w.Writeln(text)
}

func (l *lockedWidget) OnData(fn func(string)) func() {
	return l.w.OnData(fn)
}

func (l *lockedWidget) Resize(cols, rows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.w.Resize(cols, rows)
}

func (l *lockedWidget) ProposeDimensions() (Dimensions, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return Dimensions{}, false
	}
	return l.w.ProposeDimensions()
}

func (l *lockedWidget) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.w.Clear()
}

// Dispose releases the widget once; later calls and writes are dropped.
func (l *lockedWidget) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.disposed = true
	l.w.Dispose()
}
