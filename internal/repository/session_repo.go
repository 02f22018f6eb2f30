package repository

import (
	"context"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/gorm"
)

// SessionRepository provides DB access for login sessions.
type SessionRepository struct {
	store
}

func NewSessionRepository(db *gorm.DB, timeout time.Duration) *SessionRepository {
	return &SessionRepository{store: newStore(db, timeout)}
}

// CreateCapped inserts s and, in the same transaction, revokes the least recently
// active sessions of the account so that at most max stay active. Sessions idle
// idle since before activeSince do not count. The revoked sessions are returned.
func (r *SessionRepository) CreateCapped(ctx context.Context, s *domain.Session, max int, activeSince time.Time) ([]domain.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var evicted []domain.Session
	err := db.Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			// Serialises concurrent logins of one account; sqlite already serialises writers.
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", s.AccountID).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(s).Error; err != nil {
			return err
		}

		var others []domain.Session
		if err := tx.
			Where("account_id = ? AND id <> ? AND revoked_at IS NULL AND last_activity_at >= ?", s.AccountID, s.ID, activeSince).
			Order("last_activity_at DESC").
			Order("created_at DESC").
			Find(&others).Error; err != nil {
			return err
		}

		keep := max - 1
		if keep < 0 {
			keep = 0
		}
		if len(others) <= keep {
			return nil
		}

		victims := others[keep:]
		ids := make([]string, 0, len(victims))
		for _, v := range victims {
			ids = append(ids, v.ID)
		}

		at := s.LastActivityAt
		if err := tx.Model(&domain.Session{}).
			Where("id IN ? AND revoked_at IS NULL", ids).
			Updates(map[string]any{"revoked_at": at, "revoke_reason": domain.ReasonEvicted}).Error; err != nil {
			return err
		}

		for i := range victims {
			victims[i].RevokedAt = &at
			victims[i].RevokeReason = domain.ReasonEvicted
		}
		evicted = victims
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return evicted, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var s domain.Session
	if err := db.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

// Touch bumps last activity of a live session. It reports false when the
// session is revoked, idle since before activeSince, or missing.
func (r *SessionRepository) Touch(ctx context.Context, id string, at, activeSince time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&domain.Session{}).
		Where("id = ? AND revoked_at IS NULL AND last_activity_at >= ?", id, activeSince).
		Update("last_activity_at", at)
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SessionRepository) Revoke(ctx context.Context, id string, reason domain.RevokeReason, at time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&domain.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{"revoked_at": at, "revoke_reason": reason})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RevokeByAccount revokes every live session of the account and returns their ids.
func (r *SessionRepository) RevokeByAccount(ctx context.Context, accountID int64, reason domain.RevokeReason, at time.Time) ([]string, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var ids []string
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Session{}).
			Where("account_id = ? AND revoked_at IS NULL", accountID).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Session{}).
			Where("id IN ? AND revoked_at IS NULL", ids).
			Updates(map[string]any{"revoked_at": at, "revoke_reason": reason}).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

func (r *SessionRepository) ListActive(ctx context.Context, accountID int64, activeSince time.Time) ([]domain.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var sessions []domain.Session
	err := db.
		Where("account_id = ? AND revoked_at IS NULL AND last_activity_at >= ?", accountID, activeSince).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	return sessions, classify(err)
}

// RevokeInactive revokes up to limit live sessions idle since before activeSince.
func (r *SessionRepository) RevokeInactive(ctx context.Context, activeSince, at time.Time, limit int) ([]string, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var ids []string
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Session{}).
			Where("revoked_at IS NULL AND last_activity_at < ?", activeSince).
			Order("last_activity_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Session{}).
			Where("id IN ? AND revoked_at IS NULL", ids).
			Updates(map[string]any{"revoked_at": at, "revoke_reason": domain.ReasonInactivity}).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// DeleteRevokedBefore removes session rows revoked earlier than before.
func (r *SessionRepository) DeleteRevokedBefore(ctx context.Context, before time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Where("revoked_at IS NOT NULL AND revoked_at < ?", before).Delete(&domain.Session{})
	return res.RowsAffected, classify(res.Error)
}
