package pipeline

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"

	"custodex.com/apps/custody/internal/app/confirmer"
	"custodex.com/apps/custody/internal/app/scanner"
	"custodex.com/apps/custody/internal/app/settler"
	"custodex.com/apps/custody/internal/app/sweeper"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/apps/custody/internal/infra/persistence"
	"custodex.com/apps/custody/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingLedger struct {
	mu  sync.Mutex
	got []*domain.Settlement
}

func (l *recordingLedger) Credit(ctx context.Context, s *domain.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
	return nil
}

type fixture struct {
	db     *gorm.DB
	chain  *testkit.FakeChain
	exec   *testkit.FakeExecutor
	ledger *recordingLedger
	events *testkit.Events
	p      *Pipeline
}

func newFixture(t *testing.T, withExecutor bool) *fixture {
	db := testkit.NewDB(t)
	testkit.SeedUser(t, db, "u1", testkit.ChainID, testkit.Addr(1))

	f := &fixture{
		db:     db,
		chain:  testkit.NewFakeChain(),
		exec:   testkit.NewFakeExecutor(),
		ledger: &recordingLedger{},
		events: &testkit.Events{},
	}
	// exec 成功即把 proxy 的余额全部转到国库
	f.exec.OnExecute = func(calls []domain.SafeCall) {
		if len(calls) == 1 && len(calls[0].Data) > 4 {
			proxy := calls[0].To.Hex()
			f.chain.Move(testkit.USDC, proxy, testkit.Treasury, f.chain.Balance(testkit.USDC, proxy))
		}
	}

	rt := ChainRuntime{
		Chain: domain.Chain{
			ID:               testkit.ChainID,
			MinConfirmations: 3,
			SweepMode:        domain.SweepSingle,
			Tokens:           []domain.Token{{Address: testkit.USDC, Symbol: "USDC", Decimals: 6}},
		},
		Reader: f.chain,
	}
	if withExecutor {
		rt.Executor = f.exec
	}
	chains := []ChainRuntime{rt}
	tokens := NewTokenBook(chains)
	repo := persistence.New(db)

	f.p = New(chains, Stages{
		Scanner:   scanner.New(scanner.Config{}, repo, f.events),
		Confirmer: confirmer.New(repo, f.events),
		Sweeper:   sweeper.New(sweeper.Config{}, repo, tokens, f.events),
		Settler:   settler.New(repo, f.ledger, tokens, f.events),
	}, NewMemoryGuard(), 0)
	return f
}

func findReport(t *testing.T, reports []ChainReport, stage string) ChainReport {
	for _, r := range reports {
		if r.Stage == stage {
			return r
		}
	}
	t.Fatalf("no %s report in %+v", stage, reports)
	return ChainReport{}
}

func TestPipeline_DepositLifecycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	hash := testkit.Hash(1)

	f.chain.SetHead(100)
	f.chain.AddTransfer(domain.Transfer{
		TxHash: hash, To: testkit.Addr(1), Token: testkit.USDC,
		Amount: big.NewInt(1_000_000), BlockNumber: 100,
	})
	f.chain.SetBalance(testkit.USDC, testkit.Addr(1), 1_000_000)

	// 扫描：入库但未确认
	scan := findReport(t, f.p.Fetch(ctx), StageScan)
	require.Empty(t, scan.Error)
	d := testkit.Load(t, f.db, testkit.ChainID, hash)
	assert.False(t, d.Confirmed)

	// 回执到了但确认数不够
	f.chain.SetReceipt(hash, &domain.Receipt{BlockNumber: big.NewInt(100), GasUsed: big.NewInt(52_000), Status: 1})
	f.chain.SetHead(101)
	reports := f.p.Confirm(ctx)
	require.Empty(t, findReport(t, reports, StageConfirm).Error)
	require.Empty(t, findReport(t, reports, StageSweep).Error)
	assert.False(t, testkit.Load(t, f.db, testkit.ChainID, hash).Confirmed)
	assert.Equal(t, 0, f.exec.Count())

	// 第三个确认：确认后同一轮直接归集
	f.chain.SetHead(102)
	f.p.Confirm(ctx)
	d = testkit.Load(t, f.db, testkit.ChainID, hash)
	assert.True(t, d.Confirmed)
	assert.True(t, d.Swept)
	require.NotNil(t, d.SettlementHash)
	assert.Equal(t, testkit.Hash(0xE001), *d.SettlementHash, "approve 之后 exec 的哈希")
	assert.Equal(t, 2, f.exec.Count())
	assert.Equal(t, int64(1_000_000), f.chain.Balance(testkit.USDC, testkit.Treasury).Int64())

	// 通知账本
	send := findReport(t, f.p.Send(ctx), StageSettle)
	require.Empty(t, send.Error)
	require.Len(t, f.ledger.got, 1)
	got := f.ledger.got[0]
	assert.Equal(t, hash, got.TxHash)
	assert.Equal(t, "1", got.AmountUSD.String())
	assert.Equal(t, "acct-u1", got.AccountRef)
	assert.Equal(t, strings.ToLower(testkit.Hash(0xE001)), got.SweepHash)
	assert.True(t, testkit.Load(t, f.db, testkit.ChainID, hash).Settled)

	// 再跑一遍所有入口都没有副作用
	f.p.Fetch(ctx)
	f.p.Confirm(ctx)
	f.p.Send(ctx)
	assert.Equal(t, 2, f.exec.Count())
	assert.Len(t, f.ledger.got, 1)
	for _, et := range []domain.EventType{domain.EventDetected, domain.EventConfirmed, domain.EventSwept, domain.EventSettled} {
		assert.Equal(t, 1, f.events.Count(et), et)
	}

	states := f.p.Status()
	keys := make([]string, 0, len(states))
	for _, st := range states {
		keys = append(keys, st.Key)
		assert.False(t, st.Running)
	}
	assert.Equal(t, []string{"confirm:10", "scan:10", "settle", "sweep:10"}, keys)
}

func TestPipeline_SweepDisabledWithoutExecutor(t *testing.T) {
	f := newFixture(t, false)
	testkit.SeedDeposit(t, f.db, &domain.Deposit{
		TxHash: testkit.Hash(1), ChainID: testkit.ChainID, DepositAddr: testkit.Addr(1), Confirmed: true,
	})

	reports := f.p.Confirm(context.Background())
	require.Len(t, reports, 2)
	assert.Contains(t, findReport(t, reports, StageSweep).Error, "sweeping disabled")
	assert.False(t, testkit.Load(t, f.db, testkit.ChainID, testkit.Hash(1)).Swept)
}

func TestPipeline_SkipWhenRunning(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.chain.SetHead(100)

	// 模拟上一轮还没结束
	release, ok, err := f.p.guard.Acquire(ctx, StageScan+":"+testkit.ChainID)
	require.NoError(t, err)
	require.True(t, ok)

	scan := findReport(t, f.p.Fetch(ctx), StageScan)
	assert.True(t, scan.Skipped)
	assert.Empty(t, f.chain.LogQueries(), "跳过的一轮不访问链")

	release(nil)
	scan = findReport(t, f.p.Fetch(ctx), StageScan)
	assert.False(t, scan.Skipped)
	assert.NotEmpty(t, f.chain.LogQueries())
}

func TestPipeline_ChainErrorReported(t *testing.T) {
	f := newFixture(t, true)
	f.chain.HeadErr = assert.AnError

	scan := findReport(t, f.p.Fetch(context.Background()), StageScan)
	assert.Contains(t, scan.Error, assert.AnError.Error())

	states := f.p.Status()
	require.Len(t, states, 1)
	assert.Equal(t, assert.AnError.Error(), states[0].LastError)
}

func TestPipeline_PanicReleasesGuard(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	report := f.p.run(ctx, StageScan, testkit.ChainID, func(ctx context.Context) (interface{}, error) {
		panic("nil map in dedupe")
	})
	assert.Contains(t, report.Error, "nil map in dedupe")

	states := f.p.Status()
	require.Len(t, states, 1)
	assert.False(t, states[0].Running, "panic 之后守卫要释放")
	assert.Contains(t, states[0].LastError, "panic")

	// 下一轮照常执行
	f.chain.SetHead(100)
	scan := findReport(t, f.p.Fetch(ctx), StageScan)
	assert.False(t, scan.Skipped)
	assert.Empty(t, scan.Error)
}
