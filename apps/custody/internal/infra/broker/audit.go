package broker

import (
	"context"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Auditor 订阅全部充值事件写审计日志，held 打 warn 便于按日志告警
type Auditor struct {
	b      Broker
	counts *xsync.Map[domain.EventType, int64]
}

func NewAuditor(b Broker) *Auditor {
	return &Auditor{b: b, counts: xsync.NewMap[domain.EventType, int64]()}
}

// Run 阻塞到 ctx 结束
func (a *Auditor) Run(ctx context.Context) error {
	ch, err := a.b.Subscribe(ctx, AllTopics())
	if err != nil {
		return err
	}
	for msg := range ch {
		a.handle(ctx, msg)
	}
	return nil
}

func (a *Auditor) handle(ctx context.Context, msg Message) {
	var ev domain.DepositEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logger.Warn(ctx, "bad deposit event", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	a.counts.Compute(ev.Type, func(old int64, loaded bool) (int64, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})

	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.String("chain_id", ev.ChainID),
		zap.String("tx_hash", ev.TxHash),
		zap.String("amount_raw", ev.AmountRaw),
		zap.Time("at", ev.At),
	}
	switch ev.Type {
	case domain.EventHeld:
		logger.Warn(ctx, "deposit held, needs review", append(fields, zap.String("hold_reason", ev.HoldReason))...)
	case domain.EventSwept, domain.EventSettled:
		logger.Info(ctx, "deposit audit", append(fields, zap.String("settlement_hash", ev.SettlementHash))...)
	default:
		logger.Debug(ctx, "deposit audit", fields...)
	}
}

// Count 已消费的某类事件数
func (a *Auditor) Count(t domain.EventType) int64 {
	n, _ := a.counts.Load(t)
	return n
}
