package session

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(language string) *Session {
	return New(Target{Language: language, Path: "main.go"}, ModeLaunch)
}

func TestRegistryAddGetRemove(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, logr.Discard())

	s := newTestSession("go")
	require.NoError(t, registry.Add(s))

	got, found := registry.Get(s.ID())
	require.True(t, found)
	assert.Same(t, s, got)

	// Duplicate registration fails.
	assert.ErrorIs(t, registry.Add(s), ErrSessionExists)

	registry.Remove(s.ID())
	_, found = registry.Get(s.ID())
	assert.False(t, found)

	// Removing twice is harmless.
	registry.Remove(s.ID())
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, logr.Discard())

	a := newTestSession("go")
	b := newTestSession("python")
	require.NoError(t, registry.Add(a))
	require.NoError(t, registry.Add(b))

	listed := registry.List()
	assert.Len(t, listed, 2)
}

func TestRegistryAddChild(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, logr.Discard())

	parent := newTestSession("python")
	child := newTestSession("python")
	require.NoError(t, registry.Add(parent))
	require.NoError(t, registry.Add(child))

	require.NoError(t, registry.AddChild(parent.ID(), child.ID()))
	assert.Equal(t, []string{child.ID()}, parent.Children())

	// Linking the same child twice does not duplicate the edge.
	require.NoError(t, registry.AddChild(parent.ID(), child.ID()))
	assert.Len(t, parent.Children(), 1)

	// Both ends must exist.
	assert.ErrorIs(t, registry.AddChild(parent.ID(), "nope"), ErrSessionNotFound)
	assert.ErrorIs(t, registry.AddChild("nope", child.ID()), ErrSessionNotFound)
}

func TestResolveActiveSession(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(MostRecentChildPolicy{}, logr.Discard())

	root := newTestSession("python")
	require.NoError(t, registry.Add(root))

	// No children: the root is active.
	assert.Same(t, root, registry.ResolveActiveSession(root))

	older := newTestSession("python")
	newer := newTestSession("python")
	require.NoError(t, registry.Add(older))
	require.NoError(t, registry.Add(newer))
	require.NoError(t, registry.AddChild(root.ID(), older.ID()))
	require.NoError(t, registry.AddChild(root.ID(), newer.ID()))

	// The most recently registered live child wins.
	assert.Same(t, newer, registry.ResolveActiveSession(root))

	// A terminated child is passed over.
	newer.setStatus(StatusTerminated)
	assert.Same(t, older, registry.ResolveActiveSession(root))

	// All children terminated: back to the root.
	older.setStatus(StatusTerminated)
	assert.Same(t, root, registry.ResolveActiveSession(root))
}

func TestResolveActiveSessionSkipsMissingChildren(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(MostRecentChildPolicy{}, logr.Discard())

	root := newTestSession("python")
	child := newTestSession("python")
	require.NoError(t, registry.Add(root))
	require.NoError(t, registry.Add(child))
	require.NoError(t, registry.AddChild(root.ID(), child.ID()))

	// The child vanished from the registry (destroyed out-of-band); the
	// stale edge must not break resolution.
	registry.Remove(child.ID())
	assert.Same(t, root, registry.ResolveActiveSession(root))
}
