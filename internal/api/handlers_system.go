package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nebula/panelterm/internal/config"
	"github.com/nebula/panelterm/internal/workspace"
)

// SystemHandler handles system endpoints
type SystemHandler struct {
	configManager *config.Manager
	workspace     func() (*workspace.Root, error)
	version       string
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(cfg *config.Manager, ws func() (*workspace.Root, error), version string) *SystemHandler {
	if version == "" {
		version = "dev"
	}
	return &SystemHandler{
		configManager: cfg,
		workspace:     ws,
		version:       version,
	}
}

// GetWorkspace godoc
// @Summary Get the workspace root
// @Description Returns the directory new terminal sessions start in
// @Tags system
// @Produce json
// @Success 200 {object} workspace.Info
// @Failure 500 {object} map[string]string
// @Router /api/v1/system/workspace [get]
func (h *SystemHandler) GetWorkspace(c *gin.Context) {
	if h.workspace == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace not configured"})
		return
	}
	root, err := h.workspace()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	info, err := root.Info()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetConfig godoc
// @Summary Get current configuration
// @Description Returns the current server configuration
// @Tags system
// @Produce json
// @Success 200 {object} config.Config
// @Router /api/v1/config [get]
func (h *SystemHandler) GetConfig(c *gin.Context) {
	cfg := h.configManager.Get()

	// Mask sensitive data
	safeCfg := *cfg
	safeCfg.Auth.Password = "********"

	c.JSON(http.StatusOK, safeCfg)
}

// ReloadConfig godoc
// @Summary Reload configuration
// @Description Reloads the configuration from file
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /api/v1/config/reload [post]
func (h *SystemHandler) ReloadConfig(c *gin.Context) {
	if err := h.configManager.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "configuration reloaded"})
}

type overrideRequest struct {
	Value any `json:"value"`
}

// SetOverride godoc
// @Summary Set a configuration override
// @Description Stores a value that wins over the config file (server.port, auth.enabled, terminal.working_dir)
// @Tags system
// @Accept json
// @Produce json
// @Param key path string true "Configuration key"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /api/v1/config/overrides/{key} [put]
func (h *SystemHandler) SetOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := c.Param("key")
	if err := h.configManager.SetOverride(key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "override saved", "key": key})
}

// GetVersion godoc
// @Summary Get version
// @Description Returns the current version
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/v1/version [get]
func (h *SystemHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": h.version})
}
