package persistence

import (
	"context"
	"strings"
	"testing"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/apps/custody/internal/testkit"
	"custodex.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chain = testkit.ChainID

func strPtr(s string) *string { return &s }

func TestWatermarkAndWallets(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()

	wm, err := repo.Watermark(ctx, chain)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm, "没有记录时从 0 开始")

	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(1), ChainID: chain, BlockNumber: 120})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(2), ChainID: chain, BlockNumber: 95})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(3), ChainID: "137", BlockNumber: 9000})

	wm, err = repo.Watermark(ctx, chain)
	require.NoError(t, err)
	assert.Equal(t, int64(120), wm, "按链取最大区块")

	testkit.SeedUser(t, db, "u1", chain, "0xABCDEF0000000000000000000000000000000001")
	testkit.SeedUser(t, db, "u2", "137", testkit.Addr(2))
	addrs, err := repo.ListWalletAddresses(ctx, chain)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xabcdef0000000000000000000000000000000001"}, addrs)
}

func TestInsertDeposits_NoDoubleCredit(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()

	first := []*domain.Deposit{
		{TxHash: testkit.Hash(1), ChainID: chain, DepositAddr: testkit.Addr(1), TokenAddress: "0xt", AmountRaw: "1000000", BlockNumber: 100},
		{TxHash: testkit.Hash(2), ChainID: chain, DepositAddr: testkit.Addr(2), TokenAddress: "0xt", AmountRaw: "5", BlockNumber: 101},
	}
	n, err := repo.InsertDeposits(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 同一个哈希再来一次，金额和地址都变了，也不能覆盖
	again := []*domain.Deposit{
		{TxHash: testkit.Hash(1), ChainID: chain, DepositAddr: testkit.Addr(9), TokenAddress: "0xt", AmountRaw: "999", BlockNumber: 100},
		{TxHash: testkit.Hash(1), ChainID: "137", DepositAddr: testkit.Addr(1), TokenAddress: "0xt", AmountRaw: "7", BlockNumber: 5},
	}
	n, err = repo.InsertDeposits(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "只有另一条链上的同名哈希是新行")

	got := testkit.Load(t, db, chain, testkit.Hash(1))
	assert.Equal(t, "1000000", got.AmountRaw)
	assert.Equal(t, testkit.Addr(1), got.DepositAddr)
	assert.False(t, got.Confirmed)
	assert.False(t, got.Swept)
	assert.False(t, got.Settled)
	assert.Nil(t, got.SettlementHash)

	existing, err := repo.ExistingTxHashes(ctx, chain, []string{testkit.Hash(1), testkit.Hash(2), testkit.Hash(3)})
	require.NoError(t, err)
	assert.Len(t, existing, 2)
	assert.Contains(t, existing, testkit.Hash(2))
}

func TestStateTransitions(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()
	h := testkit.Hash(1)
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: h, ChainID: chain, BlockNumber: 100})

	tests := []struct {
		name     string
		op       func() error
		wantCode int // 0 表示成功
	}{
		{"未确认不能结算", func() error { return repo.MarkSettled(ctx, chain, h) }, xerr.StateConflict},
		{"未确认不能归集", func() error { return repo.MarkSwept(ctx, chain, []string{h}, testkit.Hash(99)) }, xerr.StateConflict},
		{"确认", func() error { return repo.MarkConfirmed(ctx, chain, h, "21000") }, 0},
		{"重复确认被拒", func() error { return repo.MarkConfirmed(ctx, chain, h, "1") }, xerr.StateConflict},
		{"已确认不能再挂起", func() error { return repo.MarkHeld(ctx, chain, h, domain.HoldZeroGasUsed) }, xerr.StateConflict},
		{"未归集不能结算", func() error { return repo.MarkSettled(ctx, chain, h) }, xerr.StateConflict},
		{"归集", func() error { return repo.MarkSwept(ctx, chain, []string{h}, testkit.Hash(99)) }, 0},
		{"重复归集被拒", func() error { return repo.MarkSwept(ctx, chain, []string{h}, testkit.Hash(98)) }, xerr.StateConflict},
		{"结算", func() error { return repo.MarkSettled(ctx, chain, h) }, 0},
		{"重复结算被拒", func() error { return repo.MarkSettled(ctx, chain, h) }, xerr.StateConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if tt.wantCode == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, xerr.CodeOf(err))
		})
	}

	got := testkit.Load(t, db, chain, h)
	assert.True(t, got.Confirmed)
	assert.True(t, got.Swept)
	assert.True(t, got.Settled)
	assert.Equal(t, "21000", got.GasUsed, "重复确认不能改写 gas_used")
	require.NotNil(t, got.SettlementHash)
	assert.Equal(t, testkit.Hash(99), *got.SettlementHash, "重复归集不能改写 settlement_hash")
}

func TestMarkSwept_AllOrNothing(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()

	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(1), ChainID: chain, Confirmed: true})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(2), ChainID: chain}) // 未确认

	err := repo.MarkSwept(ctx, chain, []string{testkit.Hash(1), testkit.Hash(2)}, testkit.Hash(50))
	require.Error(t, err)
	assert.Equal(t, xerr.StateConflict, xerr.CodeOf(err))

	got := testkit.Load(t, db, chain, testkit.Hash(1))
	assert.False(t, got.Swept, "事务回滚，合法行也不能单独落库")
	assert.Nil(t, got.SettlementHash)
}

func TestSweepPending(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()
	sent := testkit.Hash(0xabc)

	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(1), ChainID: chain, Confirmed: true})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(2), ChainID: chain, Confirmed: true})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(3), ChainID: chain})

	err := repo.MarkSweepPending(ctx, chain, []string{testkit.Hash(3)}, sent)
	assert.Equal(t, xerr.StateConflict, xerr.CodeOf(err), "未确认的行不能挂归集交易")

	require.NoError(t, repo.MarkSweepPending(ctx, chain, []string{testkit.Hash(1), testkit.Hash(2)}, "0x"+strings.ToUpper(sent[2:])))
	rows, err := repo.ListSweepable(ctx, chain)
	require.NoError(t, err)
	require.Len(t, rows, 2, "挂着交易的行仍然由归集阶段对账")
	require.NotNil(t, rows[0].SweepTxHash)
	assert.Equal(t, sent, *rows[0].SweepTxHash, "统一小写")

	require.NoError(t, repo.ClearSweepPending(ctx, chain, sent))
	assert.Nil(t, testkit.Load(t, db, chain, testkit.Hash(1)).SweepTxHash)
	assert.Nil(t, testkit.Load(t, db, chain, testkit.Hash(2)).SweepTxHash)

	// 已归集的行不受清除影响
	require.NoError(t, repo.MarkSweepPending(ctx, chain, []string{testkit.Hash(1)}, sent))
	require.NoError(t, repo.MarkSwept(ctx, chain, []string{testkit.Hash(1)}, sent))
	require.NoError(t, repo.ClearSweepPending(ctx, chain, sent))
	got := testkit.Load(t, db, chain, testkit.Hash(1))
	assert.True(t, got.Swept)
	require.NotNil(t, got.SweepTxHash)
	assert.Equal(t, sent, *got.SweepTxHash)
}

func TestListQueries(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()

	addr := "0xAbC0000000000000000000000000000000000001"
	testkit.SeedUser(t, db, "u1", chain, addr)

	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(1), ChainID: chain, DepositAddr: strings.ToLower(addr), BlockNumber: 3})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(2), ChainID: chain, DepositAddr: strings.ToLower(addr), BlockNumber: 1, HoldReason: domain.HoldZeroGasUsed})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(3), ChainID: chain, DepositAddr: strings.ToLower(addr), BlockNumber: 2, Confirmed: true})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(4), ChainID: chain, DepositAddr: strings.ToLower(addr), BlockNumber: 4, Confirmed: true, Swept: true, SettlementHash: strPtr(testkit.Hash(40)), GasUsed: "50000"})
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: testkit.Hash(5), ChainID: chain, DepositAddr: testkit.Addr(77), BlockNumber: 5, Confirmed: true, Swept: true})

	detected, err := repo.ListDetected(ctx, chain)
	require.NoError(t, err)
	require.Len(t, detected, 2, "挂起的行每轮仍会复查回执")
	assert.Equal(t, testkit.Hash(2), detected[0].TxHash)
	assert.Equal(t, domain.HoldZeroGasUsed, detected[0].HoldReason)
	assert.Equal(t, testkit.Hash(1), detected[1].TxHash)

	sweepable, err := repo.ListSweepable(ctx, chain)
	require.NoError(t, err)
	require.Len(t, sweepable, 1)
	assert.Equal(t, testkit.Hash(3), sweepable[0].TxHash)

	items, err := repo.ListSettleable(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "没有钱包归属的地址无法结算")
	assert.Equal(t, testkit.Hash(4), items[0].TxHash)
	assert.Equal(t, "acct-u1", items[0].LedgerAccountID)
	assert.Equal(t, "u1@example.com", items[0].Email)
	assert.Equal(t, "50000", items[0].GasUsed)
	require.NotNil(t, items[0].SettlementHash)
	assert.Equal(t, testkit.Hash(40), *items[0].SettlementHash)

	held, err := repo.ListHeld(ctx, "", 1, 10)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, domain.HoldZeroGasUsed, held[0].HoldReason)
}

func TestHoldAndForceConfirm(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()
	h := testkit.Hash(1)
	testkit.SeedDeposit(t, db, &domain.Deposit{TxHash: h, ChainID: chain})

	err := repo.ForceConfirm(ctx, chain, h)
	assert.Equal(t, xerr.StateConflict, xerr.CodeOf(err), "未挂起的行不允许人工确认")

	require.NoError(t, repo.MarkHeld(ctx, chain, h, domain.HoldZeroGasUsed))
	require.NoError(t, repo.ForceConfirm(ctx, chain, "0x"+strings.ToUpper(h[2:])), "哈希大小写不敏感")

	got := testkit.Load(t, db, chain, h)
	assert.True(t, got.Confirmed)
	assert.Equal(t, domain.HoldNone, got.HoldReason)

	err = repo.ForceConfirm(ctx, chain, h)
	assert.Equal(t, xerr.StateConflict, xerr.CodeOf(err))
}

func TestTransaction_Rollback(t *testing.T) {
	db := testkit.NewDB(t)
	repo := New(db)
	ctx := context.Background()

	err := repo.Transaction(ctx, func(ctx context.Context) error {
		_, err := repo.InsertDeposits(ctx, []*domain.Deposit{{TxHash: testkit.Hash(1), ChainID: chain, AmountRaw: "1"}})
		require.NoError(t, err)
		return xerr.New(xerr.ServerCommonError, "abort")
	})
	require.Error(t, err)

	existing, err := repo.ExistingTxHashes(ctx, chain, []string{testkit.Hash(1)})
	require.NoError(t, err)
	assert.Empty(t, existing)
}
