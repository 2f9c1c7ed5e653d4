package confirmer

import (
	"context"

	"custodex.com/apps/custody/internal/app/events"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/metrics"
	"custodex.com/pkg/safe"
	"go.uber.org/zap"
)

const (
	stage = "confirm"

	DefaultMinConfirmations int64 = 3
)

type Result struct {
	ChainID   string
	Head      int64
	Checked   int
	Confirmed int
	Pending   int // 回执缺失或确认数不够
	Held      int // 本轮新挂起
	StillHeld int
	Failed    int
}

type Confirmer struct {
	repo   domain.ConfirmRepo
	events domain.EventPublisher
}

func New(repo domain.ConfirmRepo, pub domain.EventPublisher) *Confirmer {
	return &Confirmer{repo: repo, events: pub}
}

// ConfirmChain Detected -> Confirmed，链头每轮只取一次
func (c *Confirmer) ConfirmChain(ctx context.Context, chain domain.Chain, reader domain.ChainReader) (*Result, error) {
	res := &Result{ChainID: chain.ID}

	deposits, err := c.repo.ListDetected(ctx, chain.ID)
	if err != nil {
		return res, err
	}
	if len(deposits) == 0 {
		return res, nil
	}
	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return res, err
	}
	res.Head = head

	minConf := chain.MinConfirmations
	if minConf <= 0 {
		minConf = DefaultMinConfirmations
	}

	for _, d := range deposits {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		err := safe.Run(ctx, func(ctx context.Context) error {
			return c.confirmOne(ctx, res, d, reader, head, minConf)
		})
		if err != nil {
			res.Failed++
			metrics.StageErrors.WithLabelValues(stage, chain.ID).Inc()
			logger.Error(ctx, "confirm deposit failed",
				zap.String("chain_id", d.ChainID),
				zap.String("tx_hash", d.TxHash),
				zap.Error(err))
		}
	}

	if res.Confirmed > 0 || res.Held > 0 {
		logger.Info(ctx, "confirm finished",
			zap.String("chain_id", chain.ID),
			zap.Int64("head", head),
			zap.Int("confirmed", res.Confirmed),
			zap.Int("held", res.Held),
			zap.Int("pending", res.Pending))
	}
	return res, nil
}

func (c *Confirmer) confirmOne(ctx context.Context, res *Result, d *domain.Deposit,
	reader domain.ChainReader, head, minConf int64) error {

	receipt, err := reader.Receipt(ctx, d.TxHash)
	if err != nil {
		return err
	}
	// 还没上链或被重组掉，下轮再看
	if receipt == nil || receipt.BlockNumber == nil || receipt.GasUsed == nil {
		res.Pending++
		return nil
	}

	switch {
	case receipt.GasUsed.Sign() == 0:
		return c.hold(ctx, res, d, domain.HoldZeroGasUsed)
	case receipt.Status != domain.ReceiptStatusSuccessful:
		return c.hold(ctx, res, d, domain.HoldReceiptFailed)
	}

	confirmations := head - receipt.BlockNumber.Int64() + 1
	if confirmations < minConf {
		res.Pending++
		return nil
	}

	gasUsed := receipt.GasUsed.String()
	if err := c.repo.MarkConfirmed(ctx, d.ChainID, d.TxHash, gasUsed); err != nil {
		return err
	}
	res.Confirmed++
	metrics.DepositsConfirmed.WithLabelValues(d.ChainID).Inc()
	logger.Info(ctx, "deposit confirmed",
		zap.String("chain_id", d.ChainID),
		zap.String("tx_hash", d.TxHash),
		zap.Int64("confirmations", confirmations),
		zap.String("gas_used", gasUsed))

	d.Confirmed, d.GasUsed = true, gasUsed
	events.Emit(ctx, c.events, domain.EventConfirmed, d)
	return nil
}

// hold 异常回执挂起等人工处理，之后每轮仍复查，回执变正常就自动确认
func (c *Confirmer) hold(ctx context.Context, res *Result, d *domain.Deposit, reason domain.HoldReason) error {
	if d.HoldReason == reason {
		res.StillHeld++
		return nil
	}
	logger.Warn(ctx, "deposit held for manual review",
		zap.String("chain_id", d.ChainID),
		zap.String("tx_hash", d.TxHash),
		zap.String("reason", string(reason)))
	if err := c.repo.MarkHeld(ctx, d.ChainID, d.TxHash, reason); err != nil {
		return err
	}
	res.Held++
	metrics.DepositsHeld.WithLabelValues(d.ChainID, string(reason)).Inc()

	d.HoldReason = reason
	events.Emit(ctx, c.events, domain.EventHeld, d)
	return nil
}
