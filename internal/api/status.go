package api

import (
	"sync"

	"github.com/nebula/panelterm/internal/storage"
	"github.com/nebula/panelterm/internal/terminal"
	"github.com/nebula/panelterm/internal/websocket"
	"go.uber.org/zap"
)

// EventStatus is the hub message type for panel state transitions.
const EventStatus = "status"

// StatusRelay fans view status changes out to the event hub, the panel's own
// socket and the session records. Its methods are the terminal.Options
// status callbacks.
type StatusRelay struct {
	hub   *websocket.Hub
	store *storage.Storage
	log   *zap.Logger

	mu     sync.RWMutex
	panels map[string]*websocket.PanelConn

	// serialises read-modify-write of session records
	recMu sync.Mutex
}

// NewStatusRelay creates a relay; hub and store may be nil.
func NewStatusRelay(hub *websocket.Hub, store *storage.Storage, log *zap.Logger) *StatusRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusRelay{
		hub:    hub,
		store:  store,
		log:    log.Named("status"),
		panels: make(map[string]*websocket.PanelConn),
	}
}

func (r *StatusRelay) attach(p *websocket.PanelConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panels[p.ID()] = p
}

// detach forgets p unless the id was already taken over by a newer socket.
func (r *StatusRelay) detach(p *websocket.PanelConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panels[p.ID()] == p {
		delete(r.panels, p.ID())
	}
}

func (r *StatusRelay) panel(id string) *websocket.PanelConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.panels[id]
}

// HandleStatus is the terminal.Options OnStatus callback.
func (r *StatusRelay) HandleStatus(ev terminal.StatusEvent) {
	if r.hub != nil {
		r.hub.BroadcastJSON(EventStatus, ev)
	}
	if p := r.panel(ev.PanelID); p != nil {
		p.Status(ev)
	}
	if ev.State != terminal.StateRunning || ev.SessionID == "" {
		return
	}
	r.record(ev.SessionID, func(rec *storage.TerminalSession) {
		rec.PanelID = ev.PanelID
		rec.Shell = ev.Shell
		rec.WorkingDir = ev.WorkingDir
		rec.Pid = ev.Pid
		rec.StartedAt = ev.At
		if rec.EndedAt == nil {
			rec.Status = terminal.StatusRunning.String()
		}
	})
}

// HandleSessionEnd is the terminal.Options OnSessionEnd callback. It may run
// before the Running event of the same session has been recorded.
func (r *StatusRelay) HandleSessionEnd(end terminal.SessionEnd) {
	r.record(end.SessionID, func(rec *storage.TerminalSession) {
		if rec.PanelID == "" {
			rec.PanelID = end.PanelID
		}
		at := end.At
		code := end.Exit.Code
		rec.EndedAt = &at
		rec.ExitCode = &code
		rec.Signal = end.Exit.Signal
		rec.Status = end.Status.String()
		rec.Error = end.Error
	})
}

func (r *StatusRelay) record(id string, apply func(*storage.TerminalSession)) {
	if r.store == nil {
		return
	}
	r.recMu.Lock()
	defer r.recMu.Unlock()

	rec, _, err := r.store.GetTerminalSession(id)
	if err != nil {
		r.log.Warn("failed to load session record", zap.String("session", id), zap.Error(err))
	}
	rec.ID = id
	apply(&rec)
	if err := r.store.SaveTerminalSession(rec); err != nil {
		r.log.Warn("failed to save session record", zap.String("session", id), zap.Error(err))
	}
}
