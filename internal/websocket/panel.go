package websocket

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nebula/panelterm/internal/terminal"
	"go.uber.org/zap"
)

// ErrPanelClosed is returned when writing to a disconnected panel.
var ErrPanelClosed = errors.New("panel connection closed")

// Frame types sent by the browser panel.
const (
	FrameInput     = "input"
	FramePropose   = "propose"
	FrameContainer = "container"
	FrameLayout    = "layout"
	FrameRelaunch  = "relaunch"
)

// Frame types sent to the browser panel. Terminal output goes as binary
// messages without a JSON envelope.
const (
	FrameWriteln = "writeln"
	FrameResize  = "resize"
	FrameClear   = "clear"
	FrameDispose = "dispose"
	FrameNotice  = "notice"
	FrameStatus  = "status"
)

// ClientFrame is a JSON message from the browser panel. A propose frame with
// null dimensions means the widget has no proposal.
type ClientFrame struct {
	Type   string   `json:"type"`
	Data   string   `json:"data,omitempty"`
	Cols   *float64 `json:"cols,omitempty"`
	Rows   *float64 `json:"rows,omitempty"`
	Width  float64  `json:"width,omitempty"`
	Height float64  `json:"height,omitempty"`
}

// ServerFrame is a JSON message to the browser panel.
type ServerFrame struct {
	Type    string                `json:"type"`
	Data    string                `json:"data,omitempty"`
	Cols    int                   `json:"cols,omitempty"`
	Rows    int                   `json:"rows,omitempty"`
	Message string                `json:"message,omitempty"`
	Status  *terminal.StatusEvent `json:"status,omitempty"`
}

// PanelHooks receive panel-level requests from the browser.
type PanelHooks struct {
	OnRelaunch func()
	// OnClose runs once after the connection is gone.
	OnClose func(p *PanelConn)
}

type outbound struct {
	kind int
	data []byte
}

// PanelConn bridges one browser terminal panel. It is the widget, the
// container and the host panel of a terminal.View.
type PanelConn struct {
	id    string
	conn  *websocket.Conn
	hooks PanelHooks
	log   *zap.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	proposal    terminal.Dimensions
	hasProposal bool
	nextID      int
	dataFns     map[int]func(string)
	sizeFns     map[int]func(w, h float64)
	layoutFns   map[int]func()
}

var (
	_ terminal.Widget    = (*PanelConn)(nil)
	_ terminal.Host      = (*PanelConn)(nil)
	_ terminal.Container = (*PanelConn)(nil)
)

// UpgradePanel upgrades the request and starts the read and write pumps.
func UpgradePanel(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, id string, hooks PanelHooks, log *zap.Logger) (*PanelConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &PanelConn{
		id:        id,
		conn:      conn,
		hooks:     hooks,
		log:       log.Named("panel").With(zap.String("panel", id)),
		send:      make(chan outbound, sendBuffer),
		done:      make(chan struct{}),
		dataFns:   make(map[int]func(string)),
		sizeFns:   make(map[int]func(w, h float64)),
		layoutFns: make(map[int]func()),
	}
	go p.writePump()
	go p.readPump()
	return p, nil
}

// ID returns the panel id.
func (p *PanelConn) ID() string { return p.id }

// Done is closed once the connection is gone.
func (p *PanelConn) Done() <-chan struct{} { return p.done }

// Write sends terminal output. It blocks while the socket is backed up,
// which in turn slows the shell's output relay.
func (p *PanelConn) Write(b []byte) {
	data := append([]byte(nil), b...)
	p.enqueue(outbound{kind: websocket.BinaryMessage, data: data})
}

func (p *PanelConn) Writeln(text string) {
	p.sendFrame(ServerFrame{Type: FrameWriteln, Data: text})
}

func (p *PanelConn) OnData(fn func(string)) func() {
	return p.subscribe(func(id int) { p.dataFns[id] = fn }, func(id int) { delete(p.dataFns, id) })
}

func (p *PanelConn) Resize(cols, rows int) {
	p.sendFrame(ServerFrame{Type: FrameResize, Cols: cols, Rows: rows})
}

// ProposeDimensions returns the last fit proposal reported by the browser.
func (p *PanelConn) ProposeDimensions() (terminal.Dimensions, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proposal, p.hasProposal
}

func (p *PanelConn) Clear() {
	p.sendFrame(ServerFrame{Type: FrameClear})
}

func (p *PanelConn) Dispose() {
	p.sendFrame(ServerFrame{Type: FrameDispose})
}

func (p *PanelConn) Container() terminal.Container { return p }

func (p *PanelConn) ObserveSize(fn func(w, h float64)) func() {
	return p.subscribe(func(id int) { p.sizeFns[id] = fn }, func(id int) { delete(p.sizeFns, id) })
}

func (p *PanelConn) OnLayoutChange(fn func()) func() {
	return p.subscribe(func(id int) { p.layoutFns[id] = fn }, func(id int) { delete(p.layoutFns, id) })
}

func (p *PanelConn) Notice(msg string) {
	p.sendFrame(ServerFrame{Type: FrameNotice, Message: msg})
}

// Status forwards a lifecycle transition to the panel.
func (p *PanelConn) Status(ev terminal.StatusEvent) {
	p.sendFrame(ServerFrame{Type: FrameStatus, Status: &ev})
}

// Detach closes the panel from the server side once the frames queued
// before it have been written.
func (p *PanelConn) Detach() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "panel closed")
	p.enqueue(outbound{kind: websocket.CloseMessage, data: msg})
}

func (p *PanelConn) subscribe(add func(id int), remove func(id int)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	add(id)
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			remove(id)
		})
	}
}

func (p *PanelConn) sendFrame(f ServerFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		p.log.Warn("failed to marshal frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	p.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

func (p *PanelConn) enqueue(o outbound) {
	select {
	case p.send <- o:
	case <-p.done:
	}
}

func (p *PanelConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
		if p.hooks.OnClose != nil {
			go p.hooks.OnClose(p)
		}
	})
}

func (p *PanelConn) readPump() {
	defer p.close()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug("panel connection lost", zap.Error(err))
			}
			return
		}
		if kind == websocket.BinaryMessage {
			p.dispatchInput(string(message))
			continue
		}
		var f ClientFrame
		if err := json.Unmarshal(message, &f); err != nil {
			p.log.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		p.handle(f)
	}
}

func (p *PanelConn) handle(f ClientFrame) {
	switch f.Type {
	case FrameInput:
		p.dispatchInput(f.Data)
	case FramePropose:
		p.mu.Lock()
		if f.Cols == nil && f.Rows == nil {
			p.hasProposal = false
		} else {
			p.proposal = terminal.Dimensions{Cols: orNaN(f.Cols), Rows: orNaN(f.Rows)}
			p.hasProposal = true
		}
		p.mu.Unlock()
	case FrameContainer:
		p.mu.Lock()
		fns := make([]func(w, h float64), 0, len(p.sizeFns))
		for _, fn := range p.sizeFns {
			fns = append(fns, fn)
		}
		p.mu.Unlock()
		for _, fn := range fns {
			fn(f.Width, f.Height)
		}
	case FrameLayout:
		p.mu.Lock()
		fns := make([]func(), 0, len(p.layoutFns))
		for _, fn := range p.layoutFns {
			fns = append(fns, fn)
		}
		p.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	case FrameRelaunch:
		if p.hooks.OnRelaunch != nil {
			p.hooks.OnRelaunch()
		}
	default:
		p.log.Debug("ignoring unknown frame", zap.String("type", f.Type))
	}
}

func (p *PanelConn) dispatchInput(data string) {
	p.mu.Lock()
	fns := make([]func(string), 0, len(p.dataFns))
	for _, fn := range p.dataFns {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func (p *PanelConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			return
		case o := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(o.kind, o.data); err != nil {
				p.log.Debug("panel write failed", zap.Error(err))
				return
			}
			if o.kind == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
