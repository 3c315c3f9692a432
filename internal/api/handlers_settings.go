package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nebula/panelterm/internal/settings"
)

// SettingsHandler exposes the panel preferences.
type SettingsHandler struct {
	store *settings.Store
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// Get godoc
// @Summary Get settings
// @Tags settings
// @Produce json
// @Success 200 {object} settings.Settings
// @Router /api/v1/settings [get]
func (h *SettingsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Get())
}

// Update godoc
// @Summary Update settings
// @Description Applies the given fields over the current settings. Changes take effect on the next open or relaunch.
// @Tags settings
// @Accept json
// @Produce json
// @Param settings body settings.Settings true "Fields to change"
// @Success 200 {object} settings.Settings
// @Failure 400 {object} map[string]string
// @Router /api/v1/settings [put]
func (h *SettingsHandler) Update(c *gin.Context) {
	doc, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := h.store.Patch(doc)
	if errors.Is(err, settings.ErrInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, next)
}
