package fls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	reg := NewKeyRegistry()
	k := reg.Create(nil)
	table := NewTable(reg)

	require.NoError(t, table.Set(k, "hello"))
	assert.Equal(t, "hello", table.Get(k))
}

func TestStaleKeyAfterDelete(t *testing.T) {
	reg := NewKeyRegistry()
	k := reg.Create(nil)
	table := NewTable(reg)
	require.NoError(t, table.Set(k, 1))

	require.NoError(t, reg.Delete(k))
	assert.Error(t, table.Set(k, 2))
	assert.Nil(t, table.Get(k))
}

func TestReusedSlotGetsNewVersion(t *testing.T) {
	reg := NewKeyRegistry()
	k1 := reg.Create(nil)
	require.NoError(t, reg.Delete(k1))
	k2 := reg.Create(nil)

	assert.Equal(t, k1.index, k2.index)
	assert.NotEqual(t, k1.version, k2.version)
}

func TestDestructorRunsOnceForSimpleValue(t *testing.T) {
	reg := NewKeyRegistry()
	var got any
	calls := 0
	k := reg.Create(func(v any) { got = v; calls++ })
	table := NewTable(reg)
	require.NoError(t, table.Set(k, 42))

	table.RunDestructors(nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, got)
	assert.Nil(t, table.Get(k))
}

func TestDestructorReentryBounded(t *testing.T) {
	reg := NewKeyRegistry()
	table := NewTable(reg)

	var calls int
	var k Key
	k = reg.Create(func(v any) {
		calls++
		// re-arm every time; this must not loop forever
		_ = table.Set(k, v)
	})
	require.NoError(t, table.Set(k, "x"))

	dropped := 0
	table.RunDestructors(func(index int) { dropped++ })

	assert.Equal(t, ReentryBound, calls)
	assert.Equal(t, 1, dropped)
}

func TestKeyTablePoolReuse(t *testing.T) {
	reg := NewKeyRegistry()
	pool := NewKeyTablePool(reg, 1)

	a := pool.Get()
	k := reg.Create(nil)
	require.NoError(t, a.Set(k, "v"))
	pool.Put(a)

	b := pool.Get()
	assert.Same(t, a, b)
	assert.Nil(t, b.Get(k))
}
