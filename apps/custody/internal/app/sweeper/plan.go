package sweeper

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/apps/custody/internal/gnosis"
	"github.com/ethereum/go-ethereum/common"
)

// plan 一个 proxy 上一种代币的一次归集
type plan struct {
	deposits []*domain.Deposit
	proxy    common.Address
	token    common.Address
	decimals uint8
	balance  *big.Int
	amount   *big.Int // min(余额, 这些充值记录的金额之和)
	tx       *gnosis.SafeTx
	hash     common.Hash // proxy 视角的 safeTxHash
}

// calls approveHash + execTransaction，两步都由国库 Safe 发起
func (p *plan) calls(treasury common.Address) ([]domain.SafeCall, error) {
	approve, err := gnosis.EncodeApproveHash(p.hash)
	if err != nil {
		return nil, fmt.Errorf("encode approveHash: %w", err)
	}
	exec, err := gnosis.EncodeExecTransaction(p.tx, gnosis.ApprovedHashSignature(treasury))
	if err != nil {
		return nil, fmt.Errorf("encode execTransaction: %w", err)
	}
	return []domain.SafeCall{
		{To: p.proxy, Data: approve},
		{To: p.proxy, Data: exec},
	}, nil
}

func (p *plan) txHashes() []string {
	out := make([]string, 0, len(p.deposits))
	for _, d := range p.deposits {
		out = append(out, d.TxHash)
	}
	return out
}

// group 按 (proxy, token) 聚合，保持首次出现的顺序
func group(deposits []*domain.Deposit) [][]*domain.Deposit {
	idx := make(map[string]int, len(deposits))
	var out [][]*domain.Deposit
	for _, d := range deposits {
		key := strings.ToLower(d.DepositAddr) + "|" + strings.ToLower(d.TokenAddress)
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], d)
	}
	return out
}

// build 读余额并生成内层 transfer，余额为 0 返回 nil
// nonce 由调用方给出，同一个 proxy 在一笔批量交易里连续递增
func (s *Sweeper) build(ctx context.Context, chainID *big.Int, chain domain.Chain, reader domain.ChainReader,
	treasury common.Address, deposits []*domain.Deposit, nonce *big.Int) (*plan, error) {

	first := deposits[0]
	if !common.IsHexAddress(first.DepositAddr) || !common.IsHexAddress(first.TokenAddress) {
		return nil, fmt.Errorf("bad address in deposit %s", first.TxHash)
	}
	p := &plan{
		deposits: deposits,
		proxy:    common.HexToAddress(first.DepositAddr),
		token:    common.HexToAddress(first.TokenAddress),
	}

	recorded := new(big.Int)
	for _, d := range deposits {
		amt, ok := d.Amount()
		if !ok {
			return nil, fmt.Errorf("bad amount_raw %q in deposit %s", d.AmountRaw, d.TxHash)
		}
		recorded.Add(recorded, amt)
	}

	decimals, err := s.tokens.Decimals(ctx, chain.ID, first.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("token decimals: %w", err)
	}
	p.decimals = decimals

	balance, err := reader.TokenBalance(ctx, first.TokenAddress, first.DepositAddr)
	if err != nil {
		return nil, err
	}
	p.balance = balance
	if balance.Sign() == 0 {
		return nil, nil
	}

	// 同一 proxy 可能还有别的充值到账，只归集这几笔记录的金额
	p.amount = recorded
	if balance.Cmp(recorded) < 0 {
		p.amount = new(big.Int).Set(balance)
	}

	data, err := gnosis.EncodeTransfer(treasury, p.amount)
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	p.tx = gnosis.NewTx(p.token, data, gnosis.Call, nonce)
	p.hash = p.tx.Hash(chainID, p.proxy)
	return p, nil
}
