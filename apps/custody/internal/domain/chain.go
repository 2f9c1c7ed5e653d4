package domain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type SweepMode string

const (
	SweepSingle SweepMode = "single" // 每笔 approve + exec 两次上链
	SweepBatch  SweepMode = "batch"  // 整批打包进一笔 MultiSend
)

type Token struct {
	Address  string
	Symbol   string
	Decimals uint8 // 0 表示未配置，运行时从链上读
}

// Chain 一条链的业务配置
type Chain struct {
	ID               string
	MinConfirmations int64
	StartBlock       int64 // 该链还没有任何充值记录时的起扫区块
	LookbackBlocks   int64 // 每轮从水位往回多扫的区块数，兜底新加入的地址
	SweepMode        SweepMode
	Tokens           []Token
}

func (c Chain) TokenAddresses() []string {
	out := make([]string, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		out = append(out, strings.ToLower(t.Address))
	}
	return out
}

func (c Chain) Token(addr string) (Token, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Address, addr) {
			return t, true
		}
	}
	return Token{}, false
}

// Transfer 链上一条 ERC-20 入账日志
type Transfer struct {
	TxHash      string
	LogIndex    uint
	To          string
	Token       string
	Amount      *big.Int
	BlockNumber int64
}

// Receipt 确认所需的回执字段，BlockNumber/GasUsed 为 nil 表示节点还没给出
type Receipt struct {
	BlockNumber *big.Int
	GasUsed     *big.Int
	Status      uint64
}

const ReceiptStatusSuccessful uint64 = 1

// ChainReader 只读链访问
type ChainReader interface {
	BlockNumber(ctx context.Context) (int64, error)
	// Receipt 交易未上链时返回 nil, nil
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	// TransferLogs 查询 [from, to] 区间内转入 recipient 的非零转账
	TransferLogs(ctx context.Context, recipient string, tokens []string, from, to int64) ([]Transfer, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	TokenDecimals(ctx context.Context, token string) (uint8, error)
	SafeNonce(ctx context.Context, safe string) (*big.Int, error)
}

// SafeCall 由国库 Safe 发起的一次合约调用
type SafeCall struct {
	To   common.Address
	Data []byte
}

// ErrTxPending 交易已经广播，但没等到回执，结果未知
var ErrTxPending = errors.New("treasury tx broadcast but not mined")

// TreasuryExecutor 通过国库 Safe 执行调用，多个调用打包成一笔
// 返回已上链且成功的交易哈希
// 已广播但没等到回执时同时返回交易哈希和包装了 ErrTxPending 的错误
type TreasuryExecutor interface {
	Treasury() common.Address
	Execute(ctx context.Context, calls []SafeCall) (string, error)
}

// TokenDirectory 查询代币精度
type TokenDirectory interface {
	Decimals(ctx context.Context, chainID, token string) (uint8, error)
}
