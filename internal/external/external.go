// Package external opens the workspace in a terminal application outside
// the panel server.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"github.com/nebula/panelterm/internal/settings"
	"github.com/pkg/browser"
	"go.uber.org/zap"
)

var (
	ErrNoTerminal      = errors.New("no supported terminal found")
	ErrNoCustomCommand = errors.New("custom terminal command not configured")
	ErrUnknownTerminal = errors.New("unknown terminal")
)

// Runner executes a command and returns its standard output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

type app struct {
	key    settings.ExternalTerminal
	name   string
	bundle string // empty when always present
}

// detection order
var apps = []app{
	{key: settings.ExternalWarp, name: "Warp", bundle: "Warp.app"},
	{key: settings.ExternalITerm, name: "iTerm", bundle: "iTerm.app"},
	{key: settings.ExternalTerminalApp, name: "Terminal.app"},
}

// Launcher opens external terminals.
type Launcher struct {
	run     Runner
	openURL func(string) error
	goos    string
	log     *zap.Logger
}

// New returns a launcher that uses the host's commands and URL handler.
func New(log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{run: execRunner{}, openURL: browser.OpenURL, goos: runtime.GOOS, log: log.Named("external")}
}

// Open starts the configured terminal in cwd and returns a message for the
// user.
func (l *Launcher) Open(ctx context.Context, s settings.Settings, cwd string) (string, error) {
	key := s.ExternalTerminal
	if key == settings.ExternalAuto {
		detected, ok := l.detect(ctx)
		if !ok {
			return "", ErrNoTerminal
		}
		key = detected
	}

	if key == settings.ExternalCustom {
		if strings.TrimSpace(s.CustomTerminalCommand) == "" {
			return "", ErrNoCustomCommand
		}
		command := strings.ReplaceAll(s.CustomTerminalCommand, "{cwd}", cwd)
		l.log.Info("running custom terminal command", zap.String("command", command))
		if _, err := l.run.Output(ctx, "sh", "-c", command); err != nil {
			return "", fmt.Errorf("failed to open terminal: %w", err)
		}
		return "Terminal opened", nil
	}

	a, ok := lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTerminal, key)
	}

	if a.key == settings.ExternalWarp {
		action, where := "new_tab", "tab"
		if s.WarpBehavior == settings.WarpNewWindow {
			action, where = "new_window", "window"
		}
		uri := WarpURI(action, cwd)
		l.log.Info("opening warp", zap.String("uri", uri))
		if err := l.openURL(uri); err != nil {
			return "", fmt.Errorf("failed to open terminal: %w", err)
		}
		return fmt.Sprintf("%s opened in new %s - run '%s' to start", a.name, where, s.ClaudeCommand), nil
	}

	script := appleScript(a.key, cwd, s.ClaudeCommand)
	l.log.Info("opening terminal", zap.String("app", a.name), zap.String("cwd", cwd))
	if _, err := l.run.Output(ctx, "osascript", "-e", script); err != nil {
		return "", fmt.Errorf("failed to open terminal: %w", err)
	}
	return a.name + " opened with Claude", nil
}

func (l *Launcher) detect(ctx context.Context) (settings.ExternalTerminal, bool) {
	if l.goos != "darwin" {
		return "", false
	}
	for _, a := range apps {
		if a.bundle == "" {
			return a.key, true
		}
		query := fmt.Sprintf("kMDItemKind == Application && kMDItemFSName == %s", a.bundle)
		out, err := l.run.Output(ctx, "mdfind", query)
		if err == nil && len(bytes.TrimSpace(out)) > 0 {
			return a.key, true
		}
	}
	return "", false
}

func lookup(key settings.ExternalTerminal) (app, bool) {
	for _, a := range apps {
		if a.key == key {
			return a, true
		}
	}
	return app{}, false
}

// WarpURI builds a Warp launch URI for action (new_tab or new_window).
func WarpURI(action, cwd string) string {
	return "warp://action/" + action + "?path=" + url.PathEscape(cwd)
}

func appleScript(key settings.ExternalTerminal, cwd, command string) string {
	line := quoteAppleScript("cd " + quoteShell(cwd) + " && " + command)
	if key == settings.ExternalITerm {
		return `tell application "iTerm"
	create window with default profile
	tell current session of current window
		write text ` + line + `
	end tell
end tell`
	}
	return `tell application "Terminal"
	do script ` + line + `
	activate
end tell`
}

func quoteShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteAppleScript(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
