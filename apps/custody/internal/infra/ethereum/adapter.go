package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/apps/custody/internal/gnosis"
	"custodex.com/pkg/ratelimit"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic Keccak256("Transfer(address,address,uint256)")
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const defaultMaxBlockRange int64 = 2000

// Adapter 单条 EVM 链的只读访问
type Adapter struct {
	chainID  string
	backend  Backend
	limiter  *ratelimit.Store // 按 chainID 限速，nil 表示不限
	maxRange int64            // eth_getLogs 单次最大区块跨度
}

// 确保实现接口
var _ domain.ChainReader = (*Adapter)(nil)

func NewAdapter(chainID string, backend Backend, limiter *ratelimit.Store, maxBlockRange int64) *Adapter {
	if maxBlockRange <= 0 {
		maxBlockRange = defaultMaxBlockRange
	}
	return &Adapter{
		chainID:  chainID,
		backend:  backend,
		limiter:  limiter,
		maxRange: maxBlockRange,
	}
}

func (a *Adapter) ChainID() string { return a.chainID }

// wait 每次 RPC 前取令牌
func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx, a.chainID)
}

func (a *Adapter) BlockNumber(ctx context.Context) (int64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	height, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain %s block number: %w", a.chainID, err)
	}
	return int64(height), nil
}

func (a *Adapter) Receipt(ctx context.Context, txHash string) (*domain.Receipt, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := a.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		// 还在 pending 或被重组掉了
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("chain %s receipt %s: %w", a.chainID, txHash, err)
	}
	if receipt == nil {
		return nil, nil
	}
	out := &domain.Receipt{
		GasUsed: new(big.Int).SetUint64(receipt.GasUsed),
		Status:  receipt.Status,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = new(big.Int).Set(receipt.BlockNumber)
	}
	return out, nil
}

// TransferLogs 按 maxRange 分段拉取 Transfer(_, recipient, _) 日志
func (a *Adapter) TransferLogs(ctx context.Context, recipient string, tokens []string, from, to int64) ([]domain.Transfer, error) {
	if len(tokens) == 0 || from > to {
		return nil, nil
	}
	contracts := make([]common.Address, 0, len(tokens))
	for _, t := range tokens {
		contracts = append(contracts, common.HexToAddress(t))
	}
	recipientTopic := common.BytesToHash(common.HexToAddress(recipient).Bytes())

	var out []domain.Transfer
	for start := from; start <= to; start += a.maxRange {
		end := start + a.maxRange - 1
		if end > to {
			end = to
		}
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		logs, err := a.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: big.NewInt(start),
			ToBlock:   big.NewInt(end),
			Addresses: contracts,
			// Topics[1] 是 from，不关心
			Topics: [][]common.Hash{{TransferTopic}, nil, {recipientTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("chain %s logs %s [%d,%d]: %w", a.chainID, recipient, start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
				continue
			}
			amount := new(big.Int).SetBytes(lg.Data)
			if amount.Sign() == 0 {
				continue
			}
			out = append(out, domain.Transfer{
				TxHash:      strings.ToLower(lg.TxHash.Hex()),
				LogIndex:    lg.Index,
				To:          strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
				Token:       strings.ToLower(lg.Address.Hex()),
				Amount:      amount,
				BlockNumber: int64(lg.BlockNumber),
			})
		}
	}
	return out, nil
}

func (a *Adapter) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	data, err := gnosis.EncodeBalanceOf(common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s on %s: %w", owner, token, err)
	}
	return gnosis.DecodeBalanceOf(out)
}

func (a *Adapter) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	data, err := gnosis.EncodeDecimals()
	if err != nil {
		return 0, err
	}
	out, err := a.call(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("decimals of %s: %w", token, err)
	}
	return gnosis.DecodeDecimals(out)
}

func (a *Adapter) SafeNonce(ctx context.Context, safe string) (*big.Int, error) {
	data, err := gnosis.EncodeNonce()
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, safe, data)
	if err != nil {
		return nil, fmt.Errorf("nonce of safe %s: %w", safe, err)
	}
	return gnosis.DecodeNonce(out)
}

func (a *Adapter) call(ctx context.Context, to string, data []byte) ([]byte, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	addr := common.HexToAddress(to)
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", a.chainID, err)
	}
	return out, nil
}
