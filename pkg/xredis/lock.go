package xredis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua 脚本：只删除自己持有的锁
// KEYS[1]: 锁的 key
// ARGV[1]: 锁的 token
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

type DistLock struct {
	client     redis.Scripter
	setter     redis.Cmdable
	key        string
	token      string        // 谁加锁谁解锁
	expiration time.Duration // 持有者崩溃后锁自动过期
}

func NewDistLock(client *redis.Client, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		setter:     client,
		key:        key,
		token:      uuid.NewString(),
		expiration: expiration,
	}
}

func (l *DistLock) Key() string { return l.key }

// TryLock 非阻塞抢锁 (SET NX PX)
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.setter.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Unlock 原子释放，返回 false 表示锁已过期或被别人持有
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
