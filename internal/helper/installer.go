// Package helper locates and installs the panelterm-pty binary.
package helper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/minio/selfupdate"
	"go.uber.org/zap"
)

// Result reports what Install did.
type Result struct {
	Path     string `json:"path"`
	Changed  bool   `json:"changed"`
	Checksum string `json:"checksum"`
}

// Locate resolves the helper. A name containing a path separator is used as
// is; a bare name is looked up next to the server executable, then in PATH.
func Locate(name string) (string, error) {
	if name == "" {
		return "", errors.New("no helper configured")
	}
	if strings.ContainsRune(name, filepath.Separator) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		if !isExecutable(abs) {
			return "", fmt.Errorf("helper %s is not an executable file", abs)
		}
		return abs, nil
	}
	if exe, err := os.Executable(); err == nil {
		if candidate := filepath.Join(filepath.Dir(exe), name); isExecutable(candidate) {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("helper %s not found: %w", name, err)
	}
	return path, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Install replaces target with the binary at source, a file path or an
// http(s) URL. The swap is atomic and rolled back on failure; nothing is
// written when target already has the same content.
func Install(ctx context.Context, source, target string, log *zap.Logger) (Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	res := Result{Path: target}

	data, err := fetch(ctx, source)
	if err != nil {
		return res, err
	}
	sum := sha256.Sum256(data)
	res.Checksum = hex.EncodeToString(sum[:])

	if current, err := os.ReadFile(target); err == nil && sha256.Sum256(current) == sum {
		return res, nil
	}

	placeholder := false
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return res, fmt.Errorf("create helper directory: %w", err)
		}
		// the swap renames the old file aside, so one has to exist
		if err := os.WriteFile(target, nil, 0o755); err != nil {
			return res, fmt.Errorf("create helper placeholder: %w", err)
		}
		placeholder = true
	}

	err = selfupdate.Apply(bytes.NewReader(data), selfupdate.Options{
		TargetPath: target,
		TargetMode: 0o755,
		Checksum:   sum[:],
	})
	if err != nil {
		if placeholder {
			os.Remove(target)
		}
		if rerr := selfupdate.RollbackError(err); rerr != nil {
			return res, fmt.Errorf("failed to rollback after failed helper install: %w", rerr)
		}
		return res, fmt.Errorf("failed to install helper: %w", err)
	}

	res.Changed = true
	log.Info("pty helper installed", zap.String("path", target), zap.String("source", source), zap.String("sha256", res.Checksum))
	return res, nil
}

func fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download helper: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to download helper: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read helper source: %w", err)
	}
	return data, nil
}
