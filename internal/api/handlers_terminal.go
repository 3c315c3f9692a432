package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/nebula/panelterm/internal/external"
	"github.com/nebula/panelterm/internal/process"
	"github.com/nebula/panelterm/internal/settings"
	"github.com/nebula/panelterm/internal/storage"
	"github.com/nebula/panelterm/internal/terminal"
	"github.com/nebula/panelterm/internal/websocket"
	"github.com/nebula/panelterm/internal/workspace"
	"go.uber.org/zap"
)

const defaultSessionLimit = 50

// TerminalHandler handles terminal endpoints
type TerminalHandler struct {
	manager   *terminal.Manager
	processes *process.Manager
	settings  *settings.Store
	external  *external.Launcher
	workspace func() (*workspace.Root, error)
	store     *storage.Storage
	upgrader  *gorilla.Upgrader
	relay     *StatusRelay
	log       *zap.Logger
}

// NewTerminalHandler creates a new terminal handler
func NewTerminalHandler(d Deps, log *zap.Logger) *TerminalHandler {
	return &TerminalHandler{
		manager:   d.Terminal,
		processes: d.Processes,
		settings:  d.Settings,
		external:  d.External,
		workspace: d.Workspace,
		store:     d.Storage,
		upgrader:  d.Upgrader,
		relay:     d.Relay,
		log:       log.Named("terminal"),
	}
}

// GetShells godoc
// @Summary Get available shells
// @Description Returns the allowed shells installed on this host
// @Tags terminal
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/terminal/shells [get]
func (h *TerminalHandler) GetShells(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"shells":        h.manager.GetAvailableShells(),
		"default_shell": h.manager.GetDefaultShell(),
	})
}

// GetSessions godoc
// @Summary List session records
// @Description Returns recorded shell sessions, newest first
// @Tags terminal
// @Produce json
// @Param limit query int false "Maximum records"
// @Success 200 {array} storage.TerminalSession
// @Router /api/v1/terminal/sessions [get]
func (h *TerminalHandler) GetSessions(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, []storage.TerminalSession{})
		return
	}
	limit := defaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	sessions, err := h.store.ListTerminalSessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// ListPanels godoc
// @Summary List open panels
// @Tags terminal
// @Produce json
// @Success 200 {array} terminal.Info
// @Router /api/v1/terminal/panels [get]
func (h *TerminalHandler) ListPanels(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List())
}

// GetPanel godoc
// @Summary Describe a panel
// @Tags terminal
// @Produce json
// @Param id path string true "Panel ID"
// @Success 200 {object} terminal.Info
// @Failure 404 {object} map[string]string
// @Router /api/v1/terminal/panels/{id} [get]
func (h *TerminalHandler) GetPanel(c *gin.Context) {
	v, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": terminal.ErrPanelNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, v.Info())
}

// GetPanelProcesses godoc
// @Summary Get a panel's process tree
// @Description Returns the PTY helper of the panel's live session and everything it runs
// @Tags terminal
// @Produce json
// @Param id path string true "Panel ID"
// @Success 200 {object} process.TreeNode
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/terminal/panels/{id}/processes [get]
func (h *TerminalHandler) GetPanelProcesses(c *gin.Context) {
	if h.processes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "process inspection unavailable"})
		return
	}
	v, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": terminal.ErrPanelNotFound.Error()})
		return
	}
	sess := v.Session()
	if sess == nil || !sess.Alive() {
		c.JSON(http.StatusConflict, gin.H{"error": terminal.ErrSessionNotRunning.Error()})
		return
	}
	tree, err := h.processes.Tree(int32(sess.Pid()))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tree)
}

// RelaunchPanel godoc
// @Summary Relaunch a panel's shell
// @Description Terminates the current session, clears the panel and starts a new shell
// @Tags terminal
// @Produce json
// @Param id path string true "Panel ID"
// @Success 200 {object} terminal.Info
// @Failure 404 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /api/v1/terminal/panels/{id}/relaunch [post]
func (h *TerminalHandler) RelaunchPanel(c *gin.Context) {
	id := c.Param("id")
	err := h.manager.Relaunch(context.WithoutCancel(c.Request.Context()), id)
	switch {
	case errors.Is(err, terminal.ErrPanelNotFound), errors.Is(err, terminal.ErrViewClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, terminal.ErrSpawn):
		// the panel stays open in the failed state
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	v, _ := h.manager.Get(id)
	if v == nil {
		c.JSON(http.StatusOK, gin.H{"id": id})
		return
	}
	c.JSON(http.StatusOK, v.Info())
}

// ClosePanel godoc
// @Summary Close a panel
// @Description Terminates the panel's shell and disconnects its socket
// @Tags terminal
// @Param id path string true "Panel ID"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /api/v1/terminal/panels/{id} [delete]
func (h *TerminalHandler) ClosePanel(c *gin.Context) {
	id := c.Param("id")
	err := h.manager.ClosePanel(id)
	if errors.Is(err, terminal.ErrPanelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Warn("panel closed with errors", zap.String("panel", id), zap.Error(err))
	}
	if p := h.relay.panel(id); p != nil {
		p.Detach()
	}
	c.Status(http.StatusNoContent)
}

type externalRequest struct {
	// Dir is relative to the workspace root; empty means the root.
	Dir string `json:"dir"`
}

// OpenExternal godoc
// @Summary Open an external terminal
// @Description Opens the configured external terminal application in the workspace
// @Tags terminal
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /api/v1/terminal/external [post]
func (h *TerminalHandler) OpenExternal(c *gin.Context) {
	var req externalRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if h.external == nil || h.workspace == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "external terminals unavailable"})
		return
	}
	root, err := h.workspace()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	dir, err := root.Within(req.Dir)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.external.Open(c.Request.Context(), h.settings.Get(), dir)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, external.ErrNoTerminal) || errors.Is(err, external.ErrNoCustomCommand) ||
			errors.Is(err, external.ErrUnknownTerminal) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "Failed to open terminal: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// HandleWebSocket attaches a browser panel and opens its view. The panel id
// comes from the "panel" query parameter or is generated.
func (h *TerminalHandler) HandleWebSocket(c *gin.Context) {
	id := c.Query("panel")
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := h.manager.Get(id); exists {
		c.JSON(http.StatusConflict, gin.H{"error": terminal.ErrPanelExists.Error()})
		return
	}

	log := h.log.With(zap.String("panel", id))
	var opened atomic.Bool
	hooks := websocket.PanelHooks{
		OnRelaunch: func() {
			if err := h.manager.Relaunch(context.Background(), id); err != nil {
				log.Warn("relaunch failed", zap.Error(err))
			}
		},
		OnClose: func(p *websocket.PanelConn) {
			h.relay.detach(p)
			if !opened.Load() {
				return
			}
			if err := h.manager.ClosePanel(id); err != nil && !errors.Is(err, terminal.ErrPanelNotFound) {
				log.Warn("panel closed with errors", zap.Error(err))
			}
		},
	}
	conn, err := websocket.UpgradePanel(h.upgrader, c.Writer, c.Request, id, hooks, h.log)
	if err != nil {
		log.Warn("failed to upgrade panel connection", zap.Error(err))
		return
	}
	h.relay.attach(conn)

	v, err := h.manager.OpenPanel(context.WithoutCancel(c.Request.Context()), id, conn, conn)
	if v != nil {
		opened.Store(true)
	}
	switch {
	case errors.Is(err, terminal.ErrPanelExists), errors.Is(err, terminal.ErrTooManyPanels):
		h.relay.detach(conn)
		conn.Notice(err.Error())
		conn.Detach()
		return
	case err != nil:
		// spawn failure, already shown in the panel
		log.Info("panel opened without a session", zap.Error(err))
	}

	select {
	case <-conn.Done():
		// the socket went away while the view was opening
		_ = h.manager.ClosePanel(id)
	default:
	}
}
