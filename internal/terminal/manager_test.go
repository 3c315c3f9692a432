package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(maxPanels int, allowed ...string) (*Manager, *fakeStarter) {
	starter := newFakeStarter()
	m := NewManager(ManagerConfig{MaxPanels: maxPanels, AllowedShells: allowed}, Options{
		Starter: starter,
		Config:  func() SessionConfig { return SessionConfig{ShellPath: "/bin/sh"} },
		Delays:  quietDelays(),
	})
	return m, starter
}

func TestManagerPanels(t *testing.T) {
	m, starter := newTestManager(2)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	_, err := m.OpenPanel(ctx, "b", newFakeHost(), newFakeWidget())
	require.NoError(t, err)
	_, err = m.OpenPanel(ctx, "a", newFakeHost(), newFakeWidget())
	require.NoError(t, err)

	_, err = m.CreatePanel("a", newFakeHost(), newFakeWidget())
	assert.ErrorIs(t, err, ErrPanelExists)
	_, err = m.CreatePanel("c", newFakeHost(), newFakeWidget())
	assert.ErrorIs(t, err, ErrTooManyPanels)

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.Equal(t, StateRunning, infos[0].State)

	require.NoError(t, m.Relaunch(ctx, "a"))
	assert.Equal(t, 3, starter.count())
	assert.ErrorIs(t, m.Relaunch(ctx, "missing"), ErrPanelNotFound)

	v, ok := m.Get("b")
	require.True(t, ok)
	require.NoError(t, m.ClosePanel("b"))
	assert.Equal(t, StateClosed, v.State())
	assert.ErrorIs(t, m.ClosePanel("b"), ErrPanelNotFound)

	_, err = m.CreatePanel("c", newFakeHost(), newFakeWidget())
	assert.NoError(t, err)
}

func TestManagerCloseClosesAllPanels(t *testing.T) {
	m, starter := newTestManager(0)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.OpenPanel(ctx, id, newFakeHost(), newFakeWidget())
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	assert.Empty(t, m.List())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, starter.shell(i).proc.terminateCount())
	}
}

func TestManagerIsShellAllowed(t *testing.T) {
	m, _ := newTestManager(1, "bash", "/bin/zsh")

	tests := []struct {
		shell string
		want  bool
	}{
		{"bash", true},
		{"/usr/local/bin/bash", true},
		{"/bin/zsh", true},
		{"zsh", false},
		{"/bin/fish", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.IsShellAllowed(tt.shell), tt.shell)
	}

	open, _ := newTestManager(1)
	assert.True(t, open.IsShellAllowed("/opt/anything/fish"))
	assert.False(t, open.IsShellAllowed(""))
}

func TestManagerReconfigure(t *testing.T) {
	m, _ := newTestManager(1)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	first, err := m.OpenPanel(ctx, "a", newFakeHost(), newFakeWidget())
	require.NoError(t, err)
	_, err = m.CreatePanel("b", newFakeHost(), newFakeWidget())
	require.ErrorIs(t, err, ErrTooManyPanels)
	assert.True(t, m.IsShellAllowed("/bin/zsh"))

	delays := quietDelays()
	delays.Settle = 2 * time.Second
	m.Reconfigure(ManagerConfig{MaxPanels: 2, AllowedShells: []string{"bash"}}, delays, 2)

	second, err := m.CreatePanel("b", newFakeHost(), newFakeWidget())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, second.opts.Delays.Settle)
	assert.Equal(t, 2, second.opts.ScrollbarMargin)
	assert.Equal(t, time.Hour, first.opts.Delays.Settle, "open panels keep their delays")

	assert.False(t, m.IsShellAllowed("/bin/zsh"))
	assert.True(t, m.IsShellAllowed("/usr/bin/bash"))
}
