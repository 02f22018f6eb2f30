package repository

import (
	"context"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RateLimitRepository struct {
	store
}

func NewRateLimitRepository(db *gorm.DB, timeout time.Duration) *RateLimitRepository {
	return &RateLimitRepository{store: newStore(db, timeout)}
}

// Hit records one attempt for (action, identifier) and returns the counter as
// committed. The increment, the window reset and the block decision happen in
// a single transaction, with the increment itself a single UPDATE, so two
// concurrent attempts can never both observe max-1.
//
// While blocked_until lies in the future the row is left untouched. A window
// that has elapsed, or a block that has run out, restarts the count at 1.
func (r *RateLimitRepository) Hit(ctx context.Context, action, identifier string, now time.Time, window time.Duration, max int, block time.Duration) (*domain.RateLimitCounter, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var counter domain.RateLimitCounter
	err := db.Transaction(func(tx *gorm.DB) error {
		seed := domain.RateLimitCounter{
			Action:      action,
			Identifier:  identifier,
			WindowStart: now,
			UpdatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		cutoff := now.Add(-window)
		res := tx.Model(&domain.RateLimitCounter{}).
			Where("action = ? AND identifier = ? AND (blocked_until IS NULL OR blocked_until <= ?)", action, identifier, now).
			Updates(map[string]any{
				"attempts":      gorm.Expr("CASE WHEN window_start <= ? OR blocked_until IS NOT NULL THEN 1 ELSE attempts + 1 END", cutoff),
				"window_start":  gorm.Expr("CASE WHEN window_start <= ? OR blocked_until IS NOT NULL THEN ? ELSE window_start END", cutoff, now),
				"blocked_until": nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}

		if err := tx.Where("action = ? AND identifier = ?", action, identifier).First(&counter).Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			// Still blocked: nothing was counted.
			return nil
		}

		if counter.Attempts > max {
			until := now.Add(block)
			if err := tx.Model(&domain.RateLimitCounter{}).
				Where("action = ? AND identifier = ? AND blocked_until IS NULL", action, identifier).
				Updates(map[string]any{"blocked_until": until, "updated_at": now}).Error; err != nil {
				return err
			}
			counter.BlockedUntil = &until
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return &counter, nil
}

func (r *RateLimitRepository) Get(ctx context.Context, action, identifier string) (*domain.RateLimitCounter, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var counter domain.RateLimitCounter
	if err := db.Where("action = ? AND identifier = ?", action, identifier).First(&counter).Error; err != nil {
		return nil, classify(err)
	}
	return &counter, nil
}

func (r *RateLimitRepository) Reset(ctx context.Context, action, identifier string) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return classify(db.Where("action = ? AND identifier = ?", action, identifier).Delete(&domain.RateLimitCounter{}).Error)
}

// DeleteStale removes counters untouched since before and not blocked past it.
func (r *RateLimitRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.
		Where("updated_at < ? AND (blocked_until IS NULL OR blocked_until < ?)", before, before).
		Delete(&domain.RateLimitCounter{})
	return res.RowsAffected, classify(res.Error)
}
