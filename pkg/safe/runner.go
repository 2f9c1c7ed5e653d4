package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"custodex.com/pkg/logger"
	"go.uber.org/zap"
)

// Go 安全启动协程，panic 只记日志不打挂进程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 同 Go，日志保留 ctx 里的链路信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
			}
		}()

		fn(ctx)
	}()
}

// Run 同步执行 fn，把 panic 转成 error 返回，单行处理失败不影响整批
func Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "🚨 PANIC RECOVERED",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
