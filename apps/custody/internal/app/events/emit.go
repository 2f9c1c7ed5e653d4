// Package events 各阶段共用的事件投递
package events

import (
	"context"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"go.uber.org/zap"
)

// Emit 投递失败只记日志，不影响已经落库的状态迁移
func Emit(ctx context.Context, pub domain.EventPublisher, t domain.EventType, d *domain.Deposit) {
	if pub == nil {
		return
	}
	ev := domain.NewDepositEvent(t, d)
	if err := pub.PublishDeposit(ctx, ev); err != nil {
		logger.Warn(ctx, "publish deposit event failed",
			zap.String("type", string(ev.Type)),
			zap.String("chain_id", ev.ChainID),
			zap.String("tx_hash", ev.TxHash),
			zap.Error(err))
	}
}
