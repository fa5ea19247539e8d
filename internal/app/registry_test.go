package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHandlesAreGenerationChecked(t *testing.T) {
	r := NewRegistry()
	a, b := &Session{}, &Session{}

	ha := r.Insert(a)
	assert.False(t, ha.IsZero())
	got, ok := r.Get(ha)
	require.True(t, ok)
	assert.Same(t, a, got)

	require.True(t, r.Remove(ha))
	assert.False(t, r.Remove(ha))
	_, ok = r.Get(ha)
	assert.False(t, ok)

	hb := r.Insert(b)
	assert.Equal(t, ha.index, hb.index, "slot is reused")
	_, ok = r.Get(ha)
	assert.False(t, ok, "stale handle must not resolve to the new occupant")
	got, ok = r.Get(hb)
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.Get(Handle{})
	assert.False(t, ok)
}

func TestRegistryCallRouting(t *testing.T) {
	r := NewRegistry()
	a := &Session{}
	h := r.Insert(a)

	require.True(t, r.BindCall(h, 7))
	got, ok := r.ByCall(7)
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Remove(h)
	_, ok = r.ByCall(7)
	assert.False(t, ok)
	assert.False(t, r.BindCall(h, 8))
}

func TestRegistryEachAndLen(t *testing.T) {
	r := NewRegistry()
	h1 := r.Insert(&Session{})
	r.Insert(&Session{})
	r.Insert(&Session{})
	r.Remove(h1)

	n := 0
	r.Each(func(Handle, *Session) { n++ })
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryEachAllowsRemoval(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		r.Insert(&Session{})
	}

	var visited []Handle
	r.Each(func(h Handle, _ *Session) {
		visited = append(visited, h)
		assert.True(t, r.Remove(h))
		r.Insert(&Session{})
	})

	assert.Len(t, visited, 3)
	assert.Equal(t, 3, r.Len())
	for _, h := range visited {
		_, ok := r.Get(h)
		assert.False(t, ok)
	}
}
