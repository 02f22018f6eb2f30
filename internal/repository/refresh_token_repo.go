package repository

import (
	"context"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/gorm"
)

// RefreshTokenRepository provides DB access for refresh tokens.
type RefreshTokenRepository struct {
	store
}

func NewRefreshTokenRepository(db *gorm.DB, timeout time.Duration) *RefreshTokenRepository {
	return &RefreshTokenRepository{store: newStore(db, timeout)}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	return classify(db.Create(t).Error)
}

func (r *RefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var t domain.RefreshToken
	if err := db.Where("token_hash = ?", hash).First(&t).Error; err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

// Rotate marks oldID used and stores next in one transaction. The mark is a
// conditional update, so of two racing rotations exactly one commits and the
// other gets domain.ErrAlreadyConsumed.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldID int64, next *domain.RefreshToken, at time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.RefreshToken{}).
			Where("id = ? AND used_at IS NULL AND revoked_at IS NULL", oldID).
			Update("used_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return domain.ErrAlreadyConsumed
		}

		if err := tx.Create(next).Error; err != nil {
			return err
		}
		return tx.Model(&domain.RefreshToken{}).
			Where("id = ?", oldID).
			Update("replaced_by_id", next.ID).Error
	})
	return classify(err)
}

// RevokeBySession revokes the live refresh tokens of a session and returns them.
func (r *RefreshTokenRepository) RevokeBySession(ctx context.Context, sessionID string, at time.Time) ([]domain.RefreshToken, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var tokens []domain.RefreshToken
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("session_id = ? AND used_at IS NULL AND revoked_at IS NULL AND expires_at > ?", sessionID, at).
			Find(&tokens).Error; err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(tokens))
		for _, t := range tokens {
			ids = append(ids, t.ID)
		}
		return tx.Model(&domain.RefreshToken{}).
			Where("id IN ? AND revoked_at IS NULL", ids).
			Update("revoked_at", at).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return tokens, nil
}

// RevokeByHash revokes one refresh token and returns its row.
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, hash string, at time.Time) (*domain.RefreshToken, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var t domain.RefreshToken
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token_hash = ?", hash).First(&t).Error; err != nil {
			return err
		}
		if t.RevokedAt != nil {
			return nil
		}
		t.RevokedAt = &at
		return tx.Model(&domain.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", t.ID).
			Update("revoked_at", at).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

// DeleteExpired removes refresh tokens that expired before the given instant.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Where("expires_at < ?", before).Delete(&domain.RefreshToken{})
	return res.RowsAffected, classify(res.Error)
}
