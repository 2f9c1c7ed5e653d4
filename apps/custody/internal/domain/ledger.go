package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Settlement 推送给外部账本的一笔入账
type Settlement struct {
	TxHash       string
	BlockNumber  int64
	TokenAddress string
	ChainID      string
	SweepHash    string
	Email        string
	AccountRef   string
	AmountUSD    decimal.Decimal
	GasFee       string
}

// LedgerClient 账本明确拒绝时返回 xerr.LedgerRejected 码的错误
type LedgerClient interface {
	Credit(ctx context.Context, s *Settlement) error
}
