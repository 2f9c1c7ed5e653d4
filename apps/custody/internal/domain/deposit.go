package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HoldReason 异常充值被挂起的原因，空串表示正常
type HoldReason string

const (
	HoldNone          HoldReason = ""
	HoldZeroGasUsed   HoldReason = "zero_gas_used"  // 回执 gasUsed 为 0
	HoldReceiptFailed HoldReason = "receipt_failed" // 回执 status=0
)

// Deposit 一笔入账，(chain_id, tx_hash) 唯一
// confirmed/swept/settled 只会从 false 变成 true
type Deposit struct {
	TxHash         string     `gorm:"column:tx_hash;primaryKey;size:66" json:"tx_hash"`
	ChainID        string     `gorm:"column:chain_id;primaryKey;size:16" json:"chain_id"`
	DepositAddr    string     `gorm:"column:deposit_addr;size:42;index" json:"deposit_addr"`
	TokenAddress   string     `gorm:"column:token_address;size:42" json:"token_address"`
	AmountRaw      string     `gorm:"column:amount_raw;size:78" json:"amount_raw"` // 最小单位，十进制字符串
	BlockNumber    int64      `gorm:"column:block_number;index" json:"block_number"`
	GasUsed        string     `gorm:"column:gas_used;size:32" json:"gas_used"`
	Confirmed      bool       `gorm:"column:confirmed;not null;default:false" json:"confirmed"`
	Swept          bool       `gorm:"column:swept;not null;default:false" json:"swept"`
	Settled        bool       `gorm:"column:settled;not null;default:false" json:"settled"`
	SettlementHash *string    `gorm:"column:settlement_hash;size:66" json:"settlement_hash"`
	SweepTxHash    *string    `gorm:"column:sweep_tx_hash;size:66" json:"sweep_tx_hash,omitempty"` // 已广播未确认的归集交易
	HoldReason     HoldReason `gorm:"column:hold_reason;size:32;not null;default:''" json:"hold_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Deposit) TableName() string { return "deposits" }

// Amount 解析 amount_raw，非法值返回 false
func (d *Deposit) Amount() (*big.Int, bool) {
	v, ok := new(big.Int).SetString(d.AmountRaw, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// IsTxHash 0x 开头的 32 字节十六进制
func IsTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// Wallet 用户在某条链上的托管 Safe 地址，分配后不可变
type Wallet struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:64"`
	ChainID     string `gorm:"column:chain_id;primaryKey;size:16"`
	DepositAddr string `gorm:"column:deposit_addr;size:42;index"`
}

func (Wallet) TableName() string { return "wallets" }

type User struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:64"`
	LedgerAccountID string `gorm:"column:ledger_account_id;size:64"`
	Email           string `gorm:"column:email;size:255"`
}

func (User) TableName() string { return "users" }

// ScanCursor 某条链有地址查询失败时的补扫起点，整轮成功后删除
// 水位被其他地址推高后，失败地址仍从这里重扫
type ScanCursor struct {
	ChainID   string `gorm:"column:chain_id;primaryKey;size:16"`
	RetryFrom int64  `gorm:"column:retry_from;not null"`
	UpdatedAt time.Time
}

func (ScanCursor) TableName() string { return "scan_cursors" }

// SettlementItem 待通知账本的一行，带上账户信息
type SettlementItem struct {
	Deposit
	LedgerAccountID string `gorm:"column:ledger_account_id"`
	Email           string `gorm:"column:email"`
}
