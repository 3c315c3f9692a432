// Package settings holds the user-editable panel preferences and persists
// them in the settings bucket.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nebula/panelterm/internal/storage"
	"github.com/nebula/panelterm/internal/terminal"
	"go.uber.org/zap"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid settings")

// ExternalTerminal selects the application used by "open in external terminal".
type ExternalTerminal string

const (
	ExternalAuto        ExternalTerminal = "auto"
	ExternalWarp        ExternalTerminal = "warp"
	ExternalITerm       ExternalTerminal = "iterm"
	ExternalTerminalApp ExternalTerminal = "terminal"
	ExternalCustom      ExternalTerminal = "custom"
)

// WarpBehavior selects where Warp opens.
type WarpBehavior string

const (
	WarpNewTab    WarpBehavior = "new-tab"
	WarpNewWindow WarpBehavior = "new-window"
)

// Settings are read at every session start, so edits apply on the next
// open or relaunch.
type Settings struct {
	DefaultShell          string           `json:"default_shell"`
	ClaudeCommand         string           `json:"claude_command"`
	AutoStartClaude       bool             `json:"auto_start_claude"`
	ExternalTerminal      ExternalTerminal `json:"external_terminal"`
	CustomTerminalCommand string           `json:"custom_terminal_command"`
	WarpBehavior          WarpBehavior     `json:"warp_behavior"`
}

// Defaults returns the settings used before anything was saved.
func Defaults() Settings {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/zsh"
	}
	return Settings{
		DefaultShell:     shell,
		ClaudeCommand:    "claude",
		AutoStartClaude:  true,
		ExternalTerminal: ExternalAuto,
		WarpBehavior:     WarpNewTab,
	}
}

// Validate checks enumerations and, when shellAllowed is non-nil, the shell.
func (s Settings) Validate(shellAllowed func(string) bool) error {
	var errs []error
	if strings.TrimSpace(s.DefaultShell) == "" {
		errs = append(errs, errors.New("default_shell is required"))
	} else if shellAllowed != nil && !shellAllowed(s.DefaultShell) {
		errs = append(errs, fmt.Errorf("shell not allowed: %s", s.DefaultShell))
	}
	switch s.ExternalTerminal {
	case ExternalAuto, ExternalWarp, ExternalITerm, ExternalTerminalApp, ExternalCustom:
	default:
		errs = append(errs, fmt.Errorf("unknown external_terminal %q", s.ExternalTerminal))
	}
	switch s.WarpBehavior {
	case WarpNewTab, WarpNewWindow:
	default:
		errs = append(errs, fmt.Errorf("unknown warp_behavior %q", s.WarpBehavior))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// SessionConfig derives what a terminal session is started with.
func (s Settings) SessionConfig(workingDir string, env map[string]string) terminal.SessionConfig {
	return terminal.SessionConfig{
		ShellPath:      s.DefaultShell,
		WorkingDir:     workingDir,
		StartupCommand: s.ClaudeCommand,
		AutoStart:      s.AutoStartClaude,
		Env:            env,
	}
}

const storageKey = "current"

// Store keeps the current settings in memory and in bbolt.
type Store struct {
	storage      *storage.Storage
	shellAllowed func(string) bool
	log          *zap.Logger

	mu      sync.RWMutex
	current Settings
}

// NewStore loads saved settings over the defaults. st may be nil, in which
// case settings live in memory only.
func NewStore(st *storage.Storage, shellAllowed func(string) bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		storage:      st,
		shellAllowed: shellAllowed,
		log:          log.Named("settings"),
		current:      Defaults(),
	}
	if st == nil {
		return s, nil
	}

	raw, err := st.Get(storage.BucketSettings, storageKey)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if raw != nil {
		merged := Defaults()
		if err := json.Unmarshal(raw, &merged); err != nil {
			s.log.Warn("ignoring unreadable saved settings", zap.Error(err))
		} else {
			s.current = merged
		}
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates and saves next.
func (s *Store) Update(next Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(next)
}

// Patch applies a partial JSON document over the current settings. The merge
// and the save happen under one lock so concurrent patches never drop fields.
func (s *Store) Patch(doc []byte) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	if err := json.Unmarshal(doc, &next); err != nil {
		return s.current, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return s.saveLocked(next)
}

func (s *Store) saveLocked(next Settings) (Settings, error) {
	if err := next.Validate(s.shellAllowed); err != nil {
		return s.current, err
	}
	if s.storage != nil {
		if err := s.storage.SetJSON(storage.BucketSettings, storageKey, next); err != nil {
			return s.current, fmt.Errorf("save settings: %w", err)
		}
	}
	s.current = next
	s.log.Info("settings updated",
		zap.String("shell", next.DefaultShell),
		zap.Bool("auto_start", next.AutoStartClaude),
		zap.String("external_terminal", string(next.ExternalTerminal)))
	return next, nil
}
