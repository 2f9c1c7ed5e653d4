package domain

import "context"

// ScanRepo 扫链阶段
type ScanRepo interface {
	ListWalletAddresses(ctx context.Context, chainID string) ([]string, error)
	// Watermark 该链已记录的最大区块，没有记录返回 0
	Watermark(ctx context.Context, chainID string) (int64, error)
	ExistingTxHashes(ctx context.Context, chainID string, hashes []string) (map[string]struct{}, error)
	// InsertDeposits 批量写入，主键冲突的行静默跳过，返回实际写入行数
	InsertDeposits(ctx context.Context, deposits []*Deposit) (int64, error)
	// RetryFrom 上一轮有地址失败时记下的补扫起点，ok=false 表示没有待补扫
	RetryFrom(ctx context.Context, chainID string) (from int64, ok bool, err error)
	SetRetryFrom(ctx context.Context, chainID string, from int64) error
	ClearRetryFrom(ctx context.Context, chainID string) error
}

// ConfirmRepo 确认阶段
type ConfirmRepo interface {
	ListDetected(ctx context.Context, chainID string) ([]*Deposit, error)
	MarkConfirmed(ctx context.Context, chainID, txHash, gasUsed string) error
	MarkHeld(ctx context.Context, chainID, txHash string, reason HoldReason) error
}

// SweepRepo 归集阶段
type SweepRepo interface {
	ListSweepable(ctx context.Context, chainID string) ([]*Deposit, error)
	// MarkSwept 同一事务内把所有 txHashes 标记为已归集，任一行状态不对则整体回滚
	MarkSwept(ctx context.Context, chainID string, txHashes []string, settlementHash string) error
	// MarkSweepPending 记下已广播的归集交易，下一轮按回执对账
	MarkSweepPending(ctx context.Context, chainID string, txHashes []string, sweepTx string) error
	// ClearSweepPending 归集交易确认失败，这些充值重新参与归集
	ClearSweepPending(ctx context.Context, chainID, sweepTx string) error
}

// SettleRepo 结算阶段
type SettleRepo interface {
	ListSettleable(ctx context.Context) ([]*SettlementItem, error)
	MarkSettled(ctx context.Context, chainID, txHash string) error
}

// HoldRepo 人工处理挂起的充值
type HoldRepo interface {
	ListHeld(ctx context.Context, chainID string, page, limit int) ([]*Deposit, error)
	ForceConfirm(ctx context.Context, chainID, txHash string) error
}
