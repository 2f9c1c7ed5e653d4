package settler

import (
	"context"

	"custodex.com/apps/custody/internal/app/events"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"custodex.com/pkg/ratelimit"
	"custodex.com/pkg/safe"
	"custodex.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const stage = "settle"

type Result struct {
	Candidates int
	Settled    int
	Rejected   int // 账本明确拒绝，等人工跟进
	Failed     int
	Skipped    int // 熔断打开后本轮未发送
}

type Settler struct {
	repo   domain.SettleRepo
	ledger domain.LedgerClient
	tokens domain.TokenDirectory
	events domain.EventPublisher
}

func New(repo domain.SettleRepo, ledger domain.LedgerClient, tokens domain.TokenDirectory, pub domain.EventPublisher) *Settler {
	return &Settler{repo: repo, ledger: ledger, tokens: tokens, events: pub}
}

// Settle 把 swept && !settled 的充值推给账本，账本确认后才标记 settled
func (s *Settler) Settle(ctx context.Context) (*Result, error) {
	res := &Result{}
	items, err := s.repo.ListSettleable(ctx)
	if err != nil {
		return res, err
	}
	res.Candidates = len(items)

	for i, item := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := safe.Run(ctx, func(ctx context.Context) error {
			return s.settleOne(ctx, item)
		})
		switch {
		case err == nil:
			res.Settled++
		case xerr.IsCode(err, xerr.LedgerRejected):
			res.Rejected++
			metrics.StageErrors.WithLabelValues(stage, item.ChainID).Inc()
			logger.Warn(ctx, "settlement rejected, left for manual follow-up",
				zap.String("chain_id", item.ChainID),
				zap.String("tx_hash", item.TxHash),
				zap.Error(err))
		case ratelimit.IsOpen(err):
			res.Skipped += len(items) - i
			logger.Warn(ctx, "ledger circuit open, stop settling this round",
				zap.Int("remaining", len(items)-i))
			return res, nil
		default:
			res.Failed++
			metrics.StageErrors.WithLabelValues(stage, item.ChainID).Inc()
			logger.Error(ctx, "settle deposit failed",
				zap.String("chain_id", item.ChainID),
				zap.String("tx_hash", item.TxHash),
				zap.Error(err))
		}
	}

	if res.Candidates > 0 {
		logger.Info(ctx, "settle finished",
			zap.Int("candidates", res.Candidates),
			zap.Int("settled", res.Settled),
			zap.Int("rejected", res.Rejected),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (s *Settler) settleOne(ctx context.Context, item *domain.SettlementItem) error {
	if item.SettlementHash == nil || *item.SettlementHash == "" {
		return xerr.New(xerr.StateConflict, "swept deposit without settlement hash")
	}
	raw, ok := item.Amount()
	if !ok {
		return xerr.New(xerr.ServerCommonError, "bad amount_raw "+item.AmountRaw)
	}
	decimals, err := s.tokens.Decimals(ctx, item.ChainID, item.TokenAddress)
	if err != nil {
		return err
	}

	// 支持的代币都是美元稳定币，按 1:1 折算
	amountUSD := decimal.NewFromBigInt(raw, -int32(decimals))

	err = s.ledger.Credit(ctx, &domain.Settlement{
		TxHash:       item.TxHash,
		BlockNumber:  item.BlockNumber,
		TokenAddress: item.TokenAddress,
		ChainID:      item.ChainID,
		SweepHash:    *item.SettlementHash,
		Email:        item.Email,
		AccountRef:   item.LedgerAccountID,
		AmountUSD:    amountUSD,
		GasFee:       item.GasUsed,
	})
	if err != nil {
		return err
	}

	if err := s.repo.MarkSettled(ctx, item.ChainID, item.TxHash); err != nil {
		// 账本已入账但本地没记上，下轮会重复推送，依赖账本按 txHash 去重
		logger.Error(ctx, "ledger credited but settle not recorded",
			zap.String("chain_id", item.ChainID),
			zap.String("tx_hash", item.TxHash),
			zap.Error(err))
		return err
	}
	metrics.DepositsSettled.WithLabelValues(item.ChainID).Inc()
	logger.Info(ctx, "deposit settled",
		zap.String("chain_id", item.ChainID),
		zap.String("tx_hash", item.TxHash),
		zap.String("account", item.LedgerAccountID),
		zap.String("amount_usd", amountUSD.String()))

	d := item.Deposit
	d.Settled = true
	events.Emit(ctx, s.events, domain.EventSettled, &d)
	return nil
}
