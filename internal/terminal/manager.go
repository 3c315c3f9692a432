package terminal

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
)

var (
	ErrPanelExists   = errors.New("panel already exists")
	ErrPanelNotFound = errors.New("panel not found")
	ErrTooManyPanels = errors.New("maximum panels reached")
)

// ManagerConfig limits what panels may run.
type ManagerConfig struct {
	MaxPanels int
	// AllowedShells are base names or full paths; empty allows any shell.
	AllowedShells []string
	DefaultShell  string
}

// Manager tracks the open panels of the server, one View each.
type Manager struct {
	views         map[string]*View
	mu            sync.RWMutex
	maxPanels     int
	allowedShells []string
	defaultShell  string
	opts          Options
}

// NewManager creates a panel manager. opts is the template for every view.
func NewManager(cfg ManagerConfig, opts Options) *Manager {
	return &Manager{
		views:         make(map[string]*View),
		maxPanels:     cfg.MaxPanels,
		allowedShells: cfg.AllowedShells,
		defaultShell:  cfg.DefaultShell,
		opts:          opts,
	}
}

// Reconfigure replaces the panel limits and the view template. Open panels
// keep the delays they were created with; the shell allow-list applies to the
// next settings change and the next session start.
func (m *Manager) Reconfigure(cfg ManagerConfig, delays Delays, scrollbarMargin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxPanels = cfg.MaxPanels
	m.allowedShells = cfg.AllowedShells
	m.defaultShell = cfg.DefaultShell
	m.opts.Delays = delays
	m.opts.ScrollbarMargin = scrollbarMargin
}

// GetAvailableShells returns the allowed shells found on this system.
func (m *Manager) GetAvailableShells() []string {
	m.mu.RLock()
	allowed := m.allowedShells
	m.mu.RUnlock()

	var shells []string
	for _, shell := range allowed {
		if path, err := exec.LookPath(shell); err == nil {
			shells = append(shells, path)
		}
	}
	return shells
}

// GetDefaultShell returns the default shell (full path)
func (m *Manager) GetDefaultShell() string {
	m.mu.RLock()
	preferred := m.defaultShell
	m.mu.RUnlock()

	if preferred != "" {
		if path, err := exec.LookPath(preferred); err == nil {
			return path
		}
	}

	candidates := []string{"zsh", "bash", "sh"}
	if runtime.GOOS == "windows" {
		candidates = []string{"powershell", "cmd"}
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	return ""
}

// IsShellAllowed checks a shell path or name against the allow-list.
func (m *Manager) IsShellAllowed(shell string) bool {
	m.mu.RLock()
	allowedShells := m.allowedShells
	m.mu.RUnlock()

	if len(allowedShells) == 0 {
		return shell != ""
	}
	base := filepath.Base(shell)
	for _, allowed := range allowedShells {
		if shell == allowed || base == allowed {
			return true
		}
	}
	return false
}

// CreatePanel registers a new, unopened view for the panel.
func (m *Manager) CreatePanel(id string, host Host, w Widget) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.views[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPanelExists, id)
	}
	if m.maxPanels > 0 && len(m.views) >= m.maxPanels {
		return nil, ErrTooManyPanels
	}

	v := NewView(id, host, w, m.opts)
	m.views[id] = v
	m.opts.Metrics.PanelOpened()
	return v, nil
}

// OpenPanel creates and opens a view. A spawn failure still leaves the panel
// registered in StateFailed, ready for Relaunch.
func (m *Manager) OpenPanel(ctx context.Context, id string, host Host, w Widget) (*View, error) {
	v, err := m.CreatePanel(id, host, w)
	if err != nil {
		return nil, err
	}
	return v, v.Open(ctx)
}

// Get returns a panel's view.
func (m *Manager) Get(id string) (*View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[id]
	return v, ok
}

// Relaunch restarts the shell of a panel.
func (m *Manager) Relaunch(ctx context.Context, id string) error {
	v, ok := m.Get(id)
	if !ok {
		return ErrPanelNotFound
	}
	return v.Relaunch(ctx)
}

// ClosePanel closes a panel's view and forgets it.
func (m *Manager) ClosePanel(id string) error {
	m.mu.Lock()
	v, ok := m.views[id]
	if ok {
		delete(m.views, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrPanelNotFound
	}
	m.opts.Metrics.PanelClosed()
	return v.Close()
}

// List describes every open panel, ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	views := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(views))
	for _, v := range views {
		infos = append(infos, v.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close closes all panels.
func (m *Manager) Close() error {
	m.mu.Lock()
	views := m.views
	m.views = make(map[string]*View)
	m.mu.Unlock()

	var errs []error
	for _, v := range views {
		m.opts.Metrics.PanelClosed()
		if err := v.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
