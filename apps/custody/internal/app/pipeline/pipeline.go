package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"custodex.com/apps/custody/internal/app/confirmer"
	"custodex.com/apps/custody/internal/app/scanner"
	"custodex.com/apps/custody/internal/app/settler"
	"custodex.com/apps/custody/internal/app/sweeper"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"custodex.com/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StageScan    = "scan"
	StageConfirm = "confirm"
	StageSweep   = "sweep"
	StageSettle  = "settle"
)

// ChainRuntime 一条链的配置和访问端
type ChainRuntime struct {
	Chain    domain.Chain
	Reader   domain.ChainReader
	Executor domain.TreasuryExecutor // nil 表示该链不归集
}

// ChainReport 某个 stage 在一条链上的结果
type ChainReport struct {
	Stage   string      `json:"stage"`
	ChainID string      `json:"chain_id,omitempty"`
	Skipped bool        `json:"skipped,omitempty"` // 上一轮还没结束
	Error   string      `json:"error,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

type Pipeline struct {
	chains       []ChainRuntime
	scanner      *scanner.Scanner
	confirmer    *confirmer.Confirmer
	sweeper      *sweeper.Sweeper
	settler      *settler.Settler
	guard        RunGuard
	stageTimeout time.Duration
	tracer       oteltrace.Tracer
}

type Stages struct {
	Scanner   *scanner.Scanner
	Confirmer *confirmer.Confirmer
	Sweeper   *sweeper.Sweeper
	Settler   *settler.Settler
}

func New(chains []ChainRuntime, stages Stages, guard RunGuard, stageTimeout time.Duration) *Pipeline {
	if guard == nil {
		guard = NewMemoryGuard()
	}
	return &Pipeline{
		chains:       chains,
		scanner:      stages.Scanner,
		confirmer:    stages.Confirmer,
		sweeper:      stages.Sweeper,
		settler:      stages.Settler,
		guard:        guard,
		stageTimeout: stageTimeout,
		tracer:       trace.Tracer("custody/pipeline"),
	}
}

func (p *Pipeline) Chains() []ChainRuntime { return p.chains }

// Fetch 所有链并发扫描
func (p *Pipeline) Fetch(ctx context.Context) []ChainReport {
	return p.forEachChain(ctx, "fetch", func(ctx context.Context, rt ChainRuntime) []ChainReport {
		return []ChainReport{p.run(ctx, StageScan, rt.Chain.ID, func(ctx context.Context) (interface{}, error) {
			return p.scanner.ScanChain(ctx, rt.Chain, rt.Reader)
		})}
	})
}

// Confirm 每条链先确认再归集，链与链之间并发
func (p *Pipeline) Confirm(ctx context.Context) []ChainReport {
	return p.forEachChain(ctx, "confirm", func(ctx context.Context, rt ChainRuntime) []ChainReport {
		reports := []ChainReport{p.run(ctx, StageConfirm, rt.Chain.ID, func(ctx context.Context) (interface{}, error) {
			return p.confirmer.ConfirmChain(ctx, rt.Chain, rt.Reader)
		})}

		if rt.Executor == nil {
			reports = append(reports, ChainReport{Stage: StageSweep, ChainID: rt.Chain.ID, Error: "sweeping disabled: no relayer configured"})
			return reports
		}
		return append(reports, p.run(ctx, StageSweep, rt.Chain.ID, func(ctx context.Context) (interface{}, error) {
			return p.sweeper.SweepChain(ctx, rt.Chain, rt.Reader, rt.Executor)
		}))
	})
}

// Send 通知账本，跨链顺序处理
func (p *Pipeline) Send(ctx context.Context) []ChainReport {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.send")
	defer span.End()
	defer func() { metrics.StageDuration.WithLabelValues("send").Observe(time.Since(start).Seconds()) }()

	return []ChainReport{p.run(ctx, StageSettle, "", func(ctx context.Context) (interface{}, error) {
		return p.settler.Settle(ctx)
	})}
}

// Status 各 stage 的运行记录
func (p *Pipeline) Status() []RunState {
	return p.guard.States()
}

// forEachChain 按链并发执行，trigger 对应 HTTP 入口 (fetch / confirm)
func (p *Pipeline) forEachChain(ctx context.Context, trigger string,
	fn func(ctx context.Context, rt ChainRuntime) []ChainReport) []ChainReport {

	start := time.Now()
	spanName := "pipeline." + trigger
	ctx, span := p.tracer.Start(ctx, spanName)
	defer span.End()

	perChain := make([][]ChainReport, len(p.chains))
	var g errgroup.Group
	for i, rt := range p.chains {
		g.Go(func() error {
			chainCtx, chainSpan := p.tracer.Start(ctx, spanName+".chain",
				oteltrace.WithAttributes(attribute.String("chain_id", rt.Chain.ID)))
			defer chainSpan.End()
			// 一条链失败不影响其他链，错误写进报告
			perChain[i] = fn(chainCtx, rt)
			return nil
		})
	}
	_ = g.Wait()

	var out []ChainReport
	for _, r := range perChain {
		out = append(out, r...)
	}
	metrics.StageDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	return out
}

// run 守卫 + 超时 + 日志，一个 (stage, chain) 只允许一轮在跑
func (p *Pipeline) run(ctx context.Context, stage, chainID string,
	fn func(ctx context.Context) (interface{}, error)) ChainReport {

	report := ChainReport{Stage: stage, ChainID: chainID}
	key := stage
	if chainID != "" {
		key += ":" + chainID
	}
	span := oteltrace.SpanFromContext(ctx)

	release, ok, err := p.guard.Acquire(ctx, key)
	if err != nil {
		report.Error = err.Error()
		metrics.StageErrors.WithLabelValues(stage, chainID).Inc()
		logger.Error(ctx, "acquire run guard failed", zap.String("key", key), zap.Error(err))
		return report
	}
	if !ok {
		report.Skipped = true
		metrics.StageSkipped.WithLabelValues(stage, chainID).Inc()
		logger.Info(ctx, "stage already running, skip", zap.String("key", key))
		return report
	}

	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}

	result, err := p.call(ctx, fn, release)
	report.Result = result
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		if !errors.Is(err, context.Canceled) {
			metrics.StageErrors.WithLabelValues(stage, chainID).Inc()
		}
		logger.Error(ctx, "stage failed",
			zap.String("stage", stage),
			zap.String("chain_id", chainID),
			zap.Error(err))
	}
	return report
}

// call 执行 fn 后释放守卫，panic 转成该链的错误，守卫不会一直停在 running
func (p *Pipeline) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error),
	release func(err error)) (result interface{}, err error) {

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "stage panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		release(err)
	}()
	return fn(ctx)
}
