package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, size int, ttl time.Duration) (*Registry, *int) {
	t.Helper()
	s := loadScript(t)
	created := 0
	r := NewRegistry(size, ttl, func(key, code string) *Controller {
		created++
		return NewController(key, code, Options{Script: s, Client: &fakeClient{}})
	}, nil)
	return r, &created
}

func TestRegistryGetOrCreate(t *testing.T) {
	t.Parallel()

	r, created := newTestRegistry(t, 10, time.Hour)

	a, isNew := r.GetOrCreate("p1:tab1", "2")
	require.True(t, isNew)
	b, isNew := r.GetOrCreate("p1:tab1", "7")
	require.False(t, isNew)
	assert.Same(t, a, b)
	assert.Equal(t, "2", b.Snapshot().ConditionCode, "existing session keeps its condition")

	other, isNew := r.GetOrCreate("p1:tab2", "2")
	require.True(t, isNew)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, *created)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, 10, time.Hour)
	r.GetOrCreate("k", "")
	r.Remove("k")

	_, ok := r.Get("k")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, 2, time.Hour)
	r.GetOrCreate("a", "")
	r.GetOrCreate("b", "")
	r.GetOrCreate("a", "")
	r.GetOrCreate("c", "")

	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("b")
	assert.False(t, ok)
	_, ok = r.Get("a")
	assert.True(t, ok)
	_, ok = r.Get("c")
	assert.True(t, ok)
}

func TestRegistryExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, 10, 30*time.Millisecond)
	r.GetOrCreate("k", "")

	require.Eventually(t, func() bool {
		_, ok := r.Get("k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
