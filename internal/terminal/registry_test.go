package terminal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRegistryDrainRunsEachOnce(t *testing.T) {
	r := NewRegistry(nil)
	var calls []string
	r.AddFunc("a", func() { calls = append(calls, "a") })
	r.AddFunc("b", func() { calls = append(calls, "b") })
	require.Equal(t, 2, r.Len())

	require.NoError(t, r.Drain())
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Zero(t, r.Len())

	require.NoError(t, r.Drain())
	assert.Equal(t, []string{"a", "b"}, calls, "second drain must not rerun anything")
}

func TestRegistryDrainContinuesPastFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry(zap.New(core))

	counts := map[string]int{}
	r.AddFunc("first", func() { counts["first"]++ })
	r.Add("broken", func() error {
		counts["broken"]++
		return errors.New("listener already gone")
	})
	r.AddFunc("panics", func() {
		counts["panics"]++
		panic("boom")
	})
	r.AddFunc("last", func() { counts["last"]++ })

	err := r.Drain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener already gone")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, map[string]int{"first": 1, "broken": 1, "panics": 1, "last": 1}, counts)
	assert.Equal(t, 2, logs.FilterMessage("disposal failed").Len())
}

func TestRegistryAddAfterDrainRunsImmediately(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Drain())

	ran := false
	r.AddFunc("late timer", func() { ran = true })
	assert.True(t, ran)
	assert.Zero(t, r.Len())
}
