package pipeline

import (
	"context"
	"fmt"
	"time"

	"custodex.com/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronSpecs 各入口的定时表达式，带秒位，空串表示只靠 HTTP 触发
type CronSpecs struct {
	Fetch   string
	Confirm string
	Send    string
}

// Scheduler 定时触发三个入口，和 HTTP 触发共用同一个 RunGuard
type Scheduler struct {
	c        *cron.Cron
	pipeline *Pipeline
	timeout  time.Duration
}

// cronLogger 把 cron 内部日志转到 zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func NewScheduler(p *Pipeline, specs CronSpecs, timeout time.Duration) (*Scheduler, error) {
	lg := cronLogger{s: logger.Log.Sugar().Named("cron")}
	s := &Scheduler{
		c: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(lg),
			// 上一轮还在跑就跳过，RunGuard 之外再挡一层
			cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
		),
		pipeline: p,
		timeout:  timeout,
	}

	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context) []ChainReport
	}{
		{"fetch", specs.Fetch, p.Fetch},
		{"confirm", specs.Confirm, p.Confirm},
		{"send", specs.Send, p.Send},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.c.AddFunc(j.spec, s.job(j.name, j.fn)); err != nil {
			return nil, fmt.Errorf("cron %s %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) job(name string, fn func(ctx context.Context) []ChainReport) func() {
	return func() {
		ctx := context.Background()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		reports := fn(ctx)
		logger.Info(ctx, "cron job finished", zap.String("job", name), zap.Int("reports", len(reports)))
	}
}

// Entries 已注册的任务数
func (s *Scheduler) Entries() int { return len(s.c.Entries()) }

func (s *Scheduler) Start() { s.c.Start() }

// Stop 等正在执行的任务结束，或 ctx 到期
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warn(ctx, "cron stop timed out, jobs still running")
	}
}
