// Package workspace resolves the directory terminal sessions start in.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotDirectory = errors.New("not a directory")
	ErrOutsideRoot  = errors.New("path outside workspace root")
)

// Info describes the workspace root.
type Info struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	ModTime     time.Time `json:"mod_time"`
	Permissions string    `json:"permissions"`
}

// Root is a validated workspace directory.
type Root struct {
	path string
}

// New resolves dir, or the user's home directory when dir is empty.
func New(dir string) (*Root, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no workspace directory configured: %w", err)
		}
		dir = home
	}
	p, err := Resolve(dir)
	if err != nil {
		return nil, err
	}
	return &Root{path: p}, nil
}

// Resolve expands "~", makes dir absolute and checks that it is a readable
// directory.
func Resolve(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s: %w", abs, ErrNotDirectory)
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	f.Close()
	return abs, nil
}

// Path returns the absolute root path.
func (r *Root) Path() string {
	return r.path
}

// Within resolves a path relative to the root and rejects anything that
// escapes it. Absolute paths must already lie under the root.
func (r *Root) Within(path string) (string, error) {
	if path == "" {
		return r.path, nil
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(r.path, clean)
	}
	rel, err := filepath.Rel(r.path, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return Resolve(clean)
}

// Info describes the root directory.
func (r *Root) Info() (Info, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat workspace: %w", err)
	}
	return Info{
		Path:        r.path,
		Name:        info.Name(),
		ModTime:     info.ModTime(),
		Permissions: formatPermissions(info.Mode()),
	}, nil
}

// formatPermissions formats file permissions as rwxrwxrwx
func formatPermissions(mode os.FileMode) string {
	const letters = "rwx"
	perm := mode.Perm()
	result := make([]byte, 9)
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			result[i] = letters[i%3]
		} else {
			result[i] = '-'
		}
	}
	return string(result)
}
