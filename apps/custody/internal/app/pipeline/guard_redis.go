package pipeline

import (
	"context"
	"time"

	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"custodex.com/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "custody:run:"

// RedisGuard 多实例部署时在本地守卫之外再抢一把 Redis 锁
// ttl 要大于 stage 超时，否则长任务跑到一半锁会过期
type RedisGuard struct {
	local  *MemoryGuard
	client *redis.Client
	ttl    time.Duration
}

var _ RunGuard = (*RedisGuard)(nil)

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisGuard{local: NewMemoryGuard(), client: client, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(err error), bool, error) {
	releaseLocal, ok, err := g.local.Acquire(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}

	lock := xredis.NewDistLock(g.client, lockPrefix+key, g.ttl)
	locked, err := lock.TryLock(ctx)
	if err != nil {
		metrics.RedisErrors.WithLabelValues("setnx").Inc()
		releaseLocal(err)
		return nil, false, err
	}
	if !locked {
		g.local.skip(key)
		return nil, false, nil
	}

	return func(runErr error) {
		// 业务 ctx 可能已经超时，解锁用独立的短超时
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		released, err := lock.Unlock(unlockCtx)
		if err != nil {
			metrics.RedisErrors.WithLabelValues("unlock").Inc()
		}
		if err != nil || !released {
			logger.Warn(ctx, "release run lock failed",
				zap.String("key", lock.Key()),
				zap.Bool("released", released),
				zap.Error(err))
		}
		releaseLocal(runErr)
	}, true, nil
}

func (g *RedisGuard) States() []RunState { return g.local.States() }
