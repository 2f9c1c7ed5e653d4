// Package testkit 测试公用的内存库和假链
package testkit

import (
	"fmt"
	"strings"
	"testing"

	"custodex.com/apps/custody/internal/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB SQLite 内存库，单连接保证所有查询落在同一个库上
func NewDB(t testing.TB) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&domain.Deposit{}, &domain.Wallet{}, &domain.User{}, &domain.ScanCursor{}))
	return db
}

// SeedUser 建一个用户并在 chainID 上分配托管地址
func SeedUser(t testing.TB, db *gorm.DB, userID, chainID, addr string) {
	require.NoError(t, db.Create(&domain.User{
		UserID:          userID,
		LedgerAccountID: "acct-" + userID,
		Email:           userID + "@example.com",
	}).Error)
	require.NoError(t, db.Create(&domain.Wallet{UserID: userID, ChainID: chainID, DepositAddr: addr}).Error)
}

// SeedDeposit 直接插入一行，state 形如 "confirmed", "swept"
func SeedDeposit(t testing.TB, db *gorm.DB, d *domain.Deposit) *domain.Deposit {
	if d.TokenAddress == "" {
		d.TokenAddress = strings.ToLower(USDC)
	}
	if d.AmountRaw == "" {
		d.AmountRaw = "1000000"
	}
	require.NoError(t, db.Create(d).Error)
	return d
}

// Load 读回一行
func Load(t testing.TB, db *gorm.DB, chainID, txHash string) *domain.Deposit {
	var d domain.Deposit
	require.NoError(t, db.Where("chain_id = ? AND tx_hash = ?", chainID, txHash).First(&d).Error)
	return &d
}

// Hash 生成确定性的交易哈希
func Hash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// Addr 生成确定性的小写地址
func Addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}
