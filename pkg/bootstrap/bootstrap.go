package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 启动阶段准备好的公共依赖，Redis 可能为 nil
type Deps struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// App 业务侧组装出的服务
type App struct {
	HTTP *http.Server
	// OnStart 在 HTTP 开始监听前调用，比如启动定时任务
	OnStart func()
	// OnStop 在 HTTP 关闭之后调用，释放业务侧资源
	OnStop func(ctx context.Context)
}

type Options struct {
	ServiceName string

	// 可选，返回 shutdown
	InitTracer func() (func(context.Context) error, error)

	BuildDB func(ctx context.Context) (*gorm.DB, error)
	// 可选，返回 nil 表示不使用 Redis
	BuildRedis func(ctx context.Context) (*redis.Client, error)

	BuildApp func(ctx context.Context, deps Deps) (*App, error)

	PprofAddr       string
	PoolReportEvery time.Duration
	ShutdownTimeout time.Duration
}

// Run 按顺序初始化依赖并阻塞到 ctx 取消或服务出错，退出时逆序释放
func Run(ctx context.Context, opt Options) error {
	if opt.BuildDB == nil || opt.BuildApp == nil {
		return errors.New("bootstrap: missing required options")
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = 30 * time.Second
	}

	if opt.InitTracer != nil {
		shutdownTracer, err := opt.InitTracer()
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(c)
		}()
	}

	var deps Deps
	var err error
	deps.DB, err = opt.BuildDB(ctx)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	sqlDB, err := deps.DB.DB()
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	if opt.BuildRedis != nil {
		deps.Redis, err = opt.BuildRedis(ctx)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		if deps.Redis != nil {
			defer func() { _ = deps.Redis.Close() }()
		}
	}

	reportCtx, stopReport := context.WithCancel(context.Background())
	defer stopReport()
	metrics.StartPoolReporter(reportCtx, sqlDB, deps.Redis, opt.PoolReportEvery)

	app, err := opt.BuildApp(ctx, deps)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	if opt.PprofAddr != "" {
		startPprof(ctx, opt.PprofAddr)
	}
	if app.OnStart != nil {
		app.OnStart()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http listening", zap.String("service", opt.ServiceName), zap.String("addr", app.HTTP.Addr))
		if err := app.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error(context.Background(), "http server error", zap.Error(serveErr))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opt.ShutdownTimeout)
	defer cancel()
	// 先停入口，正在跑的触发请求会在超时内收尾
	if err := app.HTTP.Shutdown(stopCtx); err != nil {
		logger.Warn(stopCtx, "http shutdown", zap.Error(err))
	}
	if app.OnStop != nil {
		app.OnStop(stopCtx)
	}
	logger.Info(stopCtx, "service stopped", zap.String("service", opt.ServiceName))
	return serveErr
}

func startPprof(ctx context.Context, addr string) {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		logger.Info(ctx, "pprof listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(ctx, "pprof listen error", zap.Error(err))
		}
	}()
}
