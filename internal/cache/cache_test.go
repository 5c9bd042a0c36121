package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "short", []byte("a"), time.Minute))
	require.NoError(t, m.Set(ctx, "forever", []byte("b"), 0))

	got, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	now = now.Add(2 * time.Minute)

	_, err = m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrMiss)

	got, err = m.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestMemory_SweepAndDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	m := NewMemory()
	m.now = func() time.Time { return now }

	for _, k := range []string{"1", "2", "3"} {
		require.NoError(t, m.Set(ctx, k, []byte(k), time.Second))
	}
	require.NoError(t, m.Set(ctx, "keep", []byte("x"), time.Hour))
	require.NoError(t, m.Delete(ctx, "3"))

	now = now.Add(time.Minute)

	assert.Equal(t, 2, m.Sweep())
	assert.Equal(t, 1, m.Len())

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemory_SetCopiesValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	buf := []byte("original")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}
