package testkit

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"custodex.com/apps/custody/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

const (
	ChainID  = "10"
	USDC     = "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"
	Treasury = "0x00000000000000000000000000000000000000aa"
)

// LogQuery 记录一次 TransferLogs 调用
type LogQuery struct {
	Recipient string
	From, To  int64
}

// FakeChain 内存链，字段可在测试里直接改
type FakeChain struct {
	mu sync.Mutex

	Head     int64
	HeadErr  error
	Receipts map[string]*domain.Receipt
	Errs     map[string]error // key: 方法名或 方法名:参数
	Logs     map[string][]domain.Transfer
	Balances map[string]*big.Int // key: token|owner
	Decimals map[string]uint8
	Nonces   map[string]*big.Int

	Queries []LogQuery
}

var _ domain.ChainReader = (*FakeChain)(nil)

func NewFakeChain() *FakeChain {
	return &FakeChain{
		Receipts: map[string]*domain.Receipt{},
		Errs:     map[string]error{},
		Logs:     map[string][]domain.Transfer{},
		Balances: map[string]*big.Int{},
		Decimals: map[string]uint8{strings.ToLower(USDC): 6},
		Nonces:   map[string]*big.Int{},
	}
}

func balanceKey(token, owner string) string {
	return strings.ToLower(token) + "|" + strings.ToLower(owner)
}

func (f *FakeChain) SetBalance(token, owner string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[balanceKey(token, owner)] = big.NewInt(v)
}

func (f *FakeChain) Balance(token, owner string) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Balances[balanceKey(token, owner)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Move 模拟 transfer，归集成功后扣减 proxy 余额
func (f *FakeChain) Move(token, from, to string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fk, tk := balanceKey(token, from), balanceKey(token, to)
	if f.Balances[fk] == nil {
		f.Balances[fk] = new(big.Int)
	}
	if f.Balances[tk] == nil {
		f.Balances[tk] = new(big.Int)
	}
	f.Balances[fk] = new(big.Int).Sub(f.Balances[fk], amount)
	f.Balances[tk] = new(big.Int).Add(f.Balances[tk], amount)
}

func (f *FakeChain) SetHead(h int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Head = h
}

func (f *FakeChain) SetReceipt(txHash string, r *domain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Receipts[strings.ToLower(txHash)] = r
}

func (f *FakeChain) SetErr(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errs, key)
		return
	}
	f.Errs[key] = err
}

func (f *FakeChain) AddTransfer(tr domain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(tr.To)
	f.Logs[key] = append(f.Logs[key], tr)
}

func (f *FakeChain) LogQueries() []LogQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LogQuery(nil), f.Queries...)
}

func (f *FakeChain) err(keys ...string) error {
	for _, k := range keys {
		if e, ok := f.Errs[k]; ok {
			return e
		}
	}
	return nil
}

func (f *FakeChain) BlockNumber(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeadErr != nil {
		return 0, f.HeadErr
	}
	return f.Head, nil
}

func (f *FakeChain) Receipt(ctx context.Context, txHash string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("Receipt:" + strings.ToLower(txHash)); err != nil {
		return nil, err
	}
	return f.Receipts[strings.ToLower(txHash)], nil
}

func (f *FakeChain) TransferLogs(ctx context.Context, recipient string, tokens []string, from, to int64) ([]domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recipient = strings.ToLower(recipient)
	f.Queries = append(f.Queries, LogQuery{Recipient: recipient, From: from, To: to})
	if err := f.err("TransferLogs:" + recipient); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		allowed[strings.ToLower(t)] = true
	}
	var out []domain.Transfer
	for _, tr := range f.Logs[recipient] {
		if tr.BlockNumber < from || tr.BlockNumber > to || !allowed[strings.ToLower(tr.Token)] {
			continue
		}
		if tr.Amount == nil || tr.Amount.Sign() == 0 {
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

func (f *FakeChain) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	if err := f.lockedErr("TokenBalance", "TokenBalance:"+strings.ToLower(owner)); err != nil {
		return nil, err
	}
	return f.Balance(token, owner), nil
}

func (f *FakeChain) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("TokenDecimals"); err != nil {
		return 0, err
	}
	return f.Decimals[strings.ToLower(token)], nil
}

func (f *FakeChain) SafeNonce(ctx context.Context, safe string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SafeNonce"); err != nil {
		return nil, err
	}
	if n, ok := f.Nonces[strings.ToLower(safe)]; ok {
		return new(big.Int).Set(n), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) lockedErr(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err(keys...)
}

// FakeExecutor 记录国库 Safe 执行的调用
type FakeExecutor struct {
	mu sync.Mutex

	TreasuryAddr common.Address
	Executions   [][]domain.SafeCall
	FailAt       map[int]error // 第 n 次 Execute 返回错误
	Pending      map[int]bool  // 第 n 次 Execute 已上链生效，但调用方没等到回执
	OnExecute    func(calls []domain.SafeCall)
}

var _ domain.TreasuryExecutor = (*FakeExecutor)(nil)

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		TreasuryAddr: common.HexToAddress(Treasury),
		FailAt:       map[int]error{},
		Pending:      map[int]bool{},
	}
}

func (e *FakeExecutor) Treasury() common.Address { return e.TreasuryAddr }

func (e *FakeExecutor) Execute(ctx context.Context, calls []domain.SafeCall) (string, error) {
	e.mu.Lock()
	idx := len(e.Executions)
	e.Executions = append(e.Executions, calls)
	err := e.FailAt[idx]
	pending := e.Pending[idx]
	hook := e.OnExecute
	e.mu.Unlock()

	if err != nil {
		return "", err
	}
	if hook != nil {
		hook(calls)
	}
	hash := Hash(0xE000 + idx)
	if pending {
		return hash, fmt.Errorf("%w: %s", domain.ErrTxPending, hash)
	}
	return hash, nil
}

func (e *FakeExecutor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Executions)
}

// Tokens 固定精度的 TokenDirectory
type Tokens map[string]uint8

func (t Tokens) Decimals(ctx context.Context, chainID, token string) (uint8, error) {
	if d, ok := t[strings.ToLower(token)]; ok {
		return d, nil
	}
	return 18, nil
}

// Events 记录发布的事件
type Events struct {
	mu     sync.Mutex
	Events []domain.DepositEvent
}

func (e *Events) PublishDeposit(ctx context.Context, ev domain.DepositEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Events = append(e.Events, ev)
	return nil
}

func (e *Events) Count(t domain.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.Events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
