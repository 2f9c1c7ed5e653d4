package persistence

import (
	"context"
	"errors"
	"fmt"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) RetryFrom(ctx context.Context, chainID string) (int64, bool, error) {
	var c domain.ScanCursor
	err := r.getDb(ctx).Where("chain_id = ?", chainID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerr.Wrap(err, xerr.DbError, fmt.Sprintf("retry cursor chain=%s", chainID))
	}
	return c.RetryFrom, true, nil
}

// SetRetryFrom 只会把起点往前挪，并发的两轮取较小值
func (r *Repo) SetRetryFrom(ctx context.Context, chainID string, from int64) error {
	c := &domain.ScanCursor{ChainID: chainID, RetryFrom: from}
	err := r.getDb(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "retry_from"}, Value: gorm.Expr("CASE WHEN retry_from < ? THEN retry_from ELSE ? END", from, from)},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("?", r.db.NowFunc())},
		},
	}).Create(c).Error
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, fmt.Sprintf("set retry cursor chain=%s", chainID))
	}
	return nil
}

func (r *Repo) ClearRetryFrom(ctx context.Context, chainID string) error {
	err := r.getDb(ctx).Where("chain_id = ?", chainID).Delete(&domain.ScanCursor{}).Error
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, fmt.Sprintf("clear retry cursor chain=%s", chainID))
	}
	return nil
}
