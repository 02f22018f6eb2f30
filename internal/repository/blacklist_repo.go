package repository

import (
	"context"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BlacklistRepository struct {
	store
}

func NewBlacklistRepository(db *gorm.DB, timeout time.Duration) *BlacklistRepository {
	return &BlacklistRepository{store: newStore(db, timeout)}
}

// Add upserts the entry; re-adding a hash refreshes its expiry and reason.
func (r *BlacklistRepository) Add(ctx context.Context, e *domain.BlacklistEntry) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at", "reason"}),
	}).Create(e).Error
	return classify(err)
}

// Exists reports whether hash has an entry that is still in force at now.
func (r *BlacklistRepository) Exists(ctx context.Context, hash string, now time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var count int64
	err := db.Model(&domain.BlacklistEntry{}).
		Where("token_hash = ? AND expires_at > ?", hash, now).
		Count(&count).Error
	if err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

func (r *BlacklistRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Where("expires_at <= ?", now).Delete(&domain.BlacklistEntry{})
	return res.RowsAffected, classify(res.Error)
}
