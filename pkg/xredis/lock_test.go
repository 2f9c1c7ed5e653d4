package xredis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDistLock_Exclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewDistLock(rdb, "custody:guard:fetch:10", time.Minute)
	b := NewDistLock(rdb, "custody:guard:fetch:10", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "同一个 key 只能有一个持有者")

	// b 不能释放 a 的锁
	released, err := b.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = a.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistLock_Expires(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewDistLock(rdb, "custody:guard:confirm:1", time.Second)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	b := NewDistLock(rdb, "custody:guard:confirm:1", time.Second)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "持有者崩溃后锁应自动过期")

	released, err := a.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released, "过期后的旧持有者不能删掉新锁")
}

func TestNewRedis_Unreachable(t *testing.T) {
	_, err := NewRedis(&Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
