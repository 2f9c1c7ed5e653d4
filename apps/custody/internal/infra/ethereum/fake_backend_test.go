package ethereum

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend 内存节点
type fakeBackend struct {
	mu sync.Mutex

	chainID *big.Int
	head    uint64
	headErr error

	logs    []types.Log
	queries []ethereum.FilterQuery

	receipts    map[common.Hash]*types.Receipt
	receiptErr  error
	notFoundFor int // 前 n 次查询返回 NotFound

	results map[string][]byte // key: to|selector

	pendingNonce uint64
	tip          *big.Int
	baseFee      *big.Int
	estimate     uint64
	estimateErr  error

	sent   []*types.Transaction
	onSend func(tx *types.Transaction) *types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(10),
		receipts: map[common.Hash]*types.Receipt{},
		results:  map[string][]byte{},
		tip:      big.NewInt(1_000_000),
		baseFee:  big.NewInt(50_000_000),
		estimate: 100_000,
	}
}

func callKey(to common.Address, selector []byte) string {
	return to.Hex() + "|" + hex.EncodeToString(selector)
}

func (f *fakeBackend) setResult(to common.Address, selector []byte, out []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[callKey(to, selector)] = out
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.notFoundFor > 0 {
		f.notFoundFor--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if !containsAddr(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 2 && len(q.Topics[2]) > 0 && (len(lg.Topics) < 3 || lg.Topics[2] != q.Topics[2][0]) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func containsAddr(list []common.Address, a common.Address) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.results[callKey(*msg.To, msg.Data[:4])]
	if !ok {
		return nil, ethereum.NotFound
	}
	return out, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.pendingNonce++

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(int64(f.head) + 1), GasUsed: 80_000}
	if f.onSend != nil {
		receipt = f.onSend(tx)
	}
	if receipt != nil {
		f.receipts[tx.Hash()] = receipt
	}
	return nil
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}
