package persistence

import (
	"context"

	"custodex.com/apps/custody/internal/domain"
	"gorm.io/gorm"
)

type ctxKey string

// 事务对象在 ctx 中的 key
const txKey ctxKey = "tx_db"

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// 确保 Repo 实现了所有接口
var (
	_ domain.ScanRepo    = (*Repo)(nil)
	_ domain.ConfirmRepo = (*Repo)(nil)
	_ domain.SweepRepo   = (*Repo)(nil)
	_ domain.SettleRepo  = (*Repo)(nil)
	_ domain.HoldRepo    = (*Repo)(nil)
)

// AutoMigrate 建表，生产库由 DBA 管理时可关闭
func (r *Repo) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&domain.Deposit{}, &domain.Wallet{}, &domain.User{}, &domain.ScanCursor{})
}

// Transaction 把 tx 注入 ctx，内部调用的 repo 方法自动复用同一事务
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey, tx))
	})
}

// getDb 如果 context 里有事务对象，就用事务对象
func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}
