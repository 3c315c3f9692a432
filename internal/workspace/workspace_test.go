package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	got, err := Resolve(dir + "/./")
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = Resolve(file)
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = Resolve(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.Mkdir(filepath.Join(home, "vault"), 0o755))

	got, err := Resolve("~/vault")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "vault"), got)

	root, err := New("")
	require.NoError(t, err)
	assert.Equal(t, home, root.Path())
}

func TestWithin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	root, err := New(dir)
	require.NoError(t, err)

	got, err := root.Within("sub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub"), got)

	got, err = root.Within("")
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = root.Within("../")
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = root.Within("/etc")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o750))
	root, err := New(dir)
	require.NoError(t, err)

	info, err := root.Info()
	require.NoError(t, err)
	assert.Equal(t, dir, info.Path)
	assert.Equal(t, "rwxr-x---", info.Permissions)
}
