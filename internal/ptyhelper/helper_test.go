//go:build !windows

package ptyhelper

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type result struct {
	code int
	err  error
}

func runAsync(ctx context.Context, cfg Config) <-chan result {
	ch := make(chan result, 1)
	go func() {
		code, err := Run(ctx, cfg)
		ch <- result{code, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("helper did not exit")
		return result{}
	}
}

func TestRunReportsExitCode(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	out := &syncBuffer{}

	r := await(t, runAsync(context.Background(), Config{
		Shell:  "/bin/sh",
		Args:   []string{"-c", "echo hello; exit 7"},
		Stdin:  stdinR,
		Stdout: out,
	}))

	require.NoError(t, r.err)
	assert.Equal(t, 7, r.code)
	assert.Contains(t, out.String(), "hello")
}

func TestRunAppliesControlSizes(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	ctlR, ctlW := io.Pipe()
	t.Cleanup(func() { ctlW.Close() })
	out := &syncBuffer{}

	done := runAsync(context.Background(), Config{
		Shell:   "/bin/sh",
		Args:    []string{"-c", "read go; stty size"},
		Stdin:   stdinR,
		Stdout:  out,
		Control: ctlR,
	})

	_, err := ctlW.Write([]byte("garbage\n0x0\n100x30\n"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = stdinW.Write([]byte("go\n"))
	require.NoError(t, err)

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
	assert.Contains(t, out.String(), "30 100")
}

func TestRunControlEOFIsNotFatal(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	out := &syncBuffer{}

	done := runAsync(context.Background(), Config{
		Shell:   "/bin/sh",
		Args:    []string{"-c", "read line; echo got:$line"},
		Stdin:   stdinR,
		Stdout:  out,
		Control: strings.NewReader(""),
	})

	time.Sleep(50 * time.Millisecond)
	_, err := stdinW.Write([]byte("still-here\n"))
	require.NoError(t, err)

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Contains(t, out.String(), "got:still-here")
}

func TestRunHangsUpOnStdinEOF(t *testing.T) {
	r := await(t, runAsync(context.Background(), Config{
		Shell:  "/bin/sh",
		Args:   []string{"-c", "sleep 30"},
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
	}))

	require.NoError(t, r.err)
	assert.NotZero(t, r.code)
}

func TestRunHangsUpOnCancel(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	ctx, cancel := context.WithCancel(context.Background())

	done := runAsync(ctx, Config{
		Shell:  "/bin/sh",
		Args:   []string{"-c", "sleep 30"},
		Stdin:  stdinR,
		Stdout: io.Discard,
	})
	time.Sleep(50 * time.Millisecond)
	cancel()

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 128+1, r.code)
}

func TestRunRejectsMissingShell(t *testing.T) {
	_, err := Run(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Run(context.Background(), Config{Shell: "/does/not/exist"})
	assert.Error(t, err)
}
