package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/nebula/panelterm/internal/config"
	"github.com/nebula/panelterm/internal/external"
	"github.com/nebula/panelterm/internal/metrics"
	"github.com/nebula/panelterm/internal/process"
	"github.com/nebula/panelterm/internal/settings"
	"github.com/nebula/panelterm/internal/storage"
	"github.com/nebula/panelterm/internal/terminal"
	"github.com/nebula/panelterm/internal/websocket"
	"github.com/nebula/panelterm/internal/workspace"
	"go.uber.org/zap"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Config   *config.Manager
	Storage  *storage.Storage
	Terminal *terminal.Manager
	// Processes inspects session process trees; nil disables the endpoint.
	Processes *process.Manager
	Settings  *settings.Store
	External  *external.Launcher
	// Workspace resolves the current workspace root.
	Workspace func() (*workspace.Root, error)
	Upgrader  *gorilla.Upgrader
	Hub       *websocket.Hub
	Relay     *StatusRelay
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Version   string
}

// Router holds all route handlers and dependencies
type Router struct {
	engine          *gin.Engine
	config          *config.Manager
	log             *zap.Logger
	hub             *websocket.Hub
	metrics         *metrics.Metrics
	terminalHandler *TerminalHandler
	settingsHandler *SettingsHandler
	systemHandler   *SystemHandler
}

// NewRouter creates a new router with all dependencies
func NewRouter(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	log := d.Logger.Named("api")
	cfg := d.Config.Get()

	// Set Gin mode based on config
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(cfg.Server.AllowedOrigins) > 0 {
		engine.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	}
	engine.Use(loggerMiddleware(log))

	if d.Upgrader == nil {
		d.Upgrader = websocket.NewUpgrader(CheckOrigin(cfg.Server.AllowedOrigins))
	}
	if d.Relay == nil {
		d.Relay = NewStatusRelay(d.Hub, d.Storage, d.Logger)
	}

	r := &Router{
		engine:          engine,
		config:          d.Config,
		log:             log,
		hub:             d.Hub,
		metrics:         d.Metrics,
		terminalHandler: NewTerminalHandler(d, log),
		settingsHandler: NewSettingsHandler(d.Settings),
		systemHandler:   NewSystemHandler(d.Config, d.Workspace, d.Version),
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	cfg := r.config.Get()

	// API v1 group
	v1 := r.engine.Group("/api/v1")
	if cfg.Auth.Enabled {
		v1.Use(r.authMiddleware())
	}
	if cfg.RateLimit.Enabled {
		v1.Use(rateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	// Terminal routes
	terminalGroup := v1.Group("/terminal")
	{
		terminalGroup.GET("/shells", r.terminalHandler.GetShells)
		terminalGroup.GET("/sessions", r.terminalHandler.GetSessions)
		terminalGroup.GET("/panels", r.terminalHandler.ListPanels)
		terminalGroup.GET("/panels/:id", r.terminalHandler.GetPanel)
		terminalGroup.GET("/panels/:id/processes", r.terminalHandler.GetPanelProcesses)
		terminalGroup.POST("/panels/:id/relaunch", r.terminalHandler.RelaunchPanel)
		terminalGroup.DELETE("/panels/:id", r.terminalHandler.ClosePanel)
		terminalGroup.POST("/external", r.terminalHandler.OpenExternal)
	}

	// Settings routes
	v1.GET("/settings", r.settingsHandler.Get)
	v1.PUT("/settings", r.settingsHandler.Update)

	// System routes
	v1.GET("/system/workspace", r.systemHandler.GetWorkspace)
	v1.GET("/config", r.systemHandler.GetConfig)
	v1.POST("/config/reload", r.systemHandler.ReloadConfig)
	v1.PUT("/config/overrides/:key", r.systemHandler.SetOverride)
	v1.GET("/version", r.systemHandler.GetVersion)

	// WebSocket routes
	ws := r.engine.Group("/ws")
	if cfg.Auth.Enabled {
		ws.Use(r.authMiddleware())
	}
	ws.GET("/terminal", r.terminalHandler.HandleWebSocket)
	ws.GET("/events", r.handleEventsWebSocket)

	// Prometheus
	if r.metrics != nil {
		r.engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	// Swagger
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// handleEventsWebSocket subscribes a client to panel status events
func (r *Router) handleEventsWebSocket(c *gin.Context) {
	if r.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event hub not running"})
		return
	}
	clientID := c.Query("client")
	if clientID == "" {
		clientID = "anonymous"
	}
	r.hub.HandleWebSocket(c.Writer, c.Request, clientID)
}

// Engine returns the Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// CheckOrigin accepts the listed origins. With none listed it returns nil,
// which leaves the upgrader's same-host check in place.
func CheckOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}
