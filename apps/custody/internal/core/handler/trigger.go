package handler

import (
	"context"
	"net/http"

	"custodex.com/apps/custody/internal/app/pipeline"
	"custodex.com/pkg/common"
	"custodex.com/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Runner 三个触发入口背后的流水线
type Runner interface {
	Fetch(ctx context.Context) []pipeline.ChainReport
	Confirm(ctx context.Context) []pipeline.ChainReport
	Send(ctx context.Context) []pipeline.ChainReport
	Status() []pipeline.RunState
}

// 触发接口的固定返回，调用方 (定时任务) 只看 200
const (
	FetchDone   = "Deposit sync done"
	ConfirmDone = "Deposit confirm done"
	SendDone    = "Deposit send done"
)

type Trigger struct {
	runner Runner
}

func NewTrigger(runner Runner) *Trigger {
	return &Trigger{runner: runner}
}

func (h *Trigger) Fetch(c *gin.Context) {
	h.run(c, "fetch", h.runner.Fetch, FetchDone)
}

func (h *Trigger) Confirm(c *gin.Context) {
	h.run(c, "confirm", h.runner.Confirm, ConfirmDone)
}

func (h *Trigger) Send(c *gin.Context) {
	h.run(c, "send", h.runner.Send, SendDone)
}

// run 失败只进日志，对外始终 200
func (h *Trigger) run(c *gin.Context, name string, fn func(ctx context.Context) []pipeline.ChainReport, done string) {
	// 客户端断开不能打断正在上链的归集
	ctx := context.WithoutCancel(c.Request.Context())
	reports := fn(ctx)

	var failed, skipped int
	for _, r := range reports {
		if r.Skipped {
			skipped++
		}
		if r.Error != "" {
			failed++
		}
	}
	logger.Info(ctx, "trigger finished",
		zap.String("trigger", name),
		zap.Int("reports", len(reports)),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
	c.String(http.StatusOK, done)
}

func (h *Trigger) Status(c *gin.Context) {
	common.Success(c, h.runner.Status())
}

func Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
