package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_open", Help: "Current open DB connections"})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_seconds"})

	RedisPoolOpen     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_open"})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_idle"})
	RedisPoolTimeouts = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_timeouts"})

	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_errors_total",
		Help:      "Redis errors",
	}, []string{"cmd"})
)

// ObservePools 采样一次连接池状态，rdb 可以为 nil
func ObservePools(db *sql.DB, rdb *redis.Client) {
	if db != nil {
		st := db.Stats()
		DbPoolOpen.Set(float64(st.OpenConnections))
		DbPoolIdle.Set(float64(st.Idle))
		DbPoolInuse.Set(float64(st.InUse))
		DbPoolWaitCount.Set(float64(st.WaitCount))
		DbPoolWaitDuration.Set(st.WaitDuration.Seconds())
	}
	if rdb != nil {
		st := rdb.PoolStats()
		RedisPoolOpen.Set(float64(st.TotalConns))
		RedisPoolIdle.Set(float64(st.IdleConns))
		RedisPoolTimeouts.Set(float64(st.Timeouts))
	}
}

// StartPoolReporter 周期采样，ctx 取消后退出
func StartPoolReporter(ctx context.Context, db *sql.DB, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			ObservePools(db, rdb)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
