package persistence

import (
	"context"
	"fmt"
	"strings"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/orm"
	"custodex.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	insertBatchSize = 200
	inQueryChunk    = 500 // IN 列表分段，避免超出占位符上限
)

// ========== ScanRepo ==========

// ListWalletAddresses 某条链上所有托管地址，统一小写去重
func (r *Repo) ListWalletAddresses(ctx context.Context, chainID string) ([]string, error) {
	var addrs []string
	err := r.getDb(ctx).Model(&domain.Wallet{}).
		Where("chain_id = ?", chainID).
		Distinct().
		Pluck("LOWER(deposit_addr)", &addrs).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, fmt.Sprintf("list wallets chain=%s", chainID))
	}
	return addrs, nil
}

func (r *Repo) Watermark(ctx context.Context, chainID string) (int64, error) {
	var wm int64
	err := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ?", chainID).
		Select("COALESCE(MAX(block_number), 0)").
		Scan(&wm).Error
	if err != nil {
		return 0, xerr.Wrap(err, xerr.DbError, fmt.Sprintf("watermark chain=%s", chainID))
	}
	return wm, nil
}

func (r *Repo) ExistingTxHashes(ctx context.Context, chainID string, hashes []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(hashes))
	for start := 0; start < len(hashes); start += inQueryChunk {
		end := start + inQueryChunk
		if end > len(hashes) {
			end = len(hashes)
		}
		var found []string
		err := r.getDb(ctx).Model(&domain.Deposit{}).
			Where("chain_id = ? AND tx_hash IN ?", chainID, hashes[start:end]).
			Pluck("tx_hash", &found).Error
		if err != nil {
			return nil, xerr.Wrap(err, xerr.DbError, fmt.Sprintf("existing hashes chain=%s", chainID))
		}
		for _, h := range found {
			existing[h] = struct{}{}
		}
	}
	return existing, nil
}

// InsertDeposits INSERT ... ON CONFLICT DO NOTHING，主键冲突的行不会覆盖已有金额和地址
func (r *Repo) InsertDeposits(ctx context.Context, deposits []*domain.Deposit) (int64, error) {
	if len(deposits) == 0 {
		return 0, nil
	}
	res := r.getDb(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(deposits, insertBatchSize)
	if res.Error != nil {
		return 0, xerr.Wrap(res.Error, xerr.DbError, "insert deposits")
	}
	return res.RowsAffected, nil
}

// ========== ConfirmRepo ==========

// ListDetected 未确认的充值，挂起的也带上，回执恢复正常后可以自动确认
func (r *Repo) ListDetected(ctx context.Context, chainID string) ([]*domain.Deposit, error) {
	deposits := make([]*domain.Deposit, 0)
	err := r.getDb(ctx).
		Where("chain_id = ? AND confirmed = ?", chainID, false).
		Order("block_number, tx_hash").
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, fmt.Sprintf("list detected chain=%s", chainID))
	}
	return deposits, nil
}

// MarkConfirmed Detected -> Confirmed，条件更新保证单调
func (r *Repo) MarkConfirmed(ctx context.Context, chainID, txHash, gasUsed string) error {
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ? AND tx_hash = ? AND confirmed = ?", chainID, txHash, false).
		Updates(map[string]interface{}{
			"confirmed":   true,
			"gas_used":    gasUsed,
			"hold_reason": domain.HoldNone,
		})
	return guarded(res, fmt.Sprintf("confirm %s/%s", chainID, txHash))
}

func (r *Repo) MarkHeld(ctx context.Context, chainID, txHash string, reason domain.HoldReason) error {
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ? AND tx_hash = ? AND confirmed = ?", chainID, txHash, false).
		Update("hold_reason", reason)
	return guarded(res, fmt.Sprintf("hold %s/%s", chainID, txHash))
}

// ========== SweepRepo ==========

func (r *Repo) ListSweepable(ctx context.Context, chainID string) ([]*domain.Deposit, error) {
	deposits := make([]*domain.Deposit, 0)
	err := r.getDb(ctx).
		Where("chain_id = ? AND confirmed = ? AND swept = ?", chainID, true, false).
		Order("block_number, tx_hash").
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, fmt.Sprintf("list sweepable chain=%s", chainID))
	}
	return deposits, nil
}

// MarkSwept Confirmed -> Swept，批量归集共用一个 settlement_hash
func (r *Repo) MarkSwept(ctx context.Context, chainID string, txHashes []string, settlementHash string) error {
	if len(txHashes) == 0 {
		return nil
	}
	return r.Transaction(ctx, func(ctx context.Context) error {
		res := r.getDb(ctx).Model(&domain.Deposit{}).
			Where("chain_id = ? AND tx_hash IN ? AND confirmed = ? AND swept = ?", chainID, txHashes, true, false).
			Updates(map[string]interface{}{
				"swept":           true,
				"settlement_hash": settlementHash,
			})
		if res.Error != nil {
			return xerr.Wrap(res.Error, xerr.DbError, "mark swept")
		}
		if res.RowsAffected != int64(len(txHashes)) {
			return xerr.New(xerr.StateConflict, fmt.Sprintf("mark swept chain=%s: %d of %d rows in state confirmed&!swept",
				chainID, res.RowsAffected, len(txHashes)))
		}
		return nil
	})
}

// MarkSweepPending 归集交易已广播但没等到回执，先把哈希记在这些行上
func (r *Repo) MarkSweepPending(ctx context.Context, chainID string, txHashes []string, sweepTx string) error {
	if len(txHashes) == 0 {
		return nil
	}
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ? AND tx_hash IN ? AND confirmed = ? AND swept = ?", chainID, txHashes, true, false).
		Update("sweep_tx_hash", strings.ToLower(sweepTx))
	return guarded(res, fmt.Sprintf("mark sweep pending chain=%s tx=%s", chainID, sweepTx))
}

// ClearSweepPending 对应交易确认失败，放回待归集
func (r *Repo) ClearSweepPending(ctx context.Context, chainID, sweepTx string) error {
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ? AND sweep_tx_hash = ? AND swept = ?", chainID, strings.ToLower(sweepTx), false).
		Update("sweep_tx_hash", nil)
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, "clear sweep pending")
	}
	return nil
}

// ========== SettleRepo ==========

// ListSettleable 已归集未结算，带上账本账户
func (r *Repo) ListSettleable(ctx context.Context) ([]*domain.SettlementItem, error) {
	items := make([]*domain.SettlementItem, 0)
	err := r.getDb(ctx).Table("deposits AS d").
		Select("d.*, u.ledger_account_id, u.email").
		Joins("JOIN wallets w ON LOWER(w.deposit_addr) = LOWER(d.deposit_addr) AND w.chain_id = d.chain_id").
		Joins("JOIN users u ON u.user_id = w.user_id").
		Where("d.swept = ? AND d.settled = ?", true, false).
		Order("d.chain_id, d.block_number, d.tx_hash").
		Scan(&items).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list settleable")
	}
	return items, nil
}

// MarkSettled Swept -> Settled
func (r *Repo) MarkSettled(ctx context.Context, chainID, txHash string) error {
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ? AND tx_hash = ? AND swept = ? AND settled = ?", chainID, txHash, true, false).
		Update("settled", true)
	return guarded(res, fmt.Sprintf("settle %s/%s", chainID, txHash))
}

// ========== HoldRepo ==========

func (r *Repo) ListHeld(ctx context.Context, chainID string, page, limit int) ([]*domain.Deposit, error) {
	deposits := make([]*domain.Deposit, 0)
	q := r.getDb(ctx).Where("confirmed = ? AND hold_reason <> ?", false, domain.HoldNone)
	if chainID != "" {
		q = q.Where("chain_id = ?", chainID)
	}
	err := orm.ApplyPagination(q.Order("chain_id, block_number, tx_hash"), page, limit).Find(&deposits).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list held")
	}
	return deposits, nil
}

// ForceConfirm 人工放行挂起的充值，只对 hold 状态生效
func (r *Repo) ForceConfirm(ctx context.Context, chainID, txHash string) error {
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("chain_id = ? AND tx_hash = ? AND confirmed = ? AND hold_reason <> ?", chainID, strings.ToLower(txHash), false, domain.HoldNone).
		Updates(map[string]interface{}{
			"confirmed":   true,
			"hold_reason": domain.HoldNone,
		})
	return guarded(res, fmt.Sprintf("force confirm %s/%s", chainID, txHash))
}

// guarded 条件更新没命中说明状态已被别的流程推进或记录不存在
func guarded(res *gorm.DB, what string) error {
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, what)
	}
	if res.RowsAffected == 0 {
		return xerr.New(xerr.StateConflict, what+": not in expected state")
	}
	return nil
}
