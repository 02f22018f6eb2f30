package repository

import (
	"context"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TwoFactorRepository struct {
	store
}

func NewTwoFactorRepository(db *gorm.DB, timeout time.Duration) *TwoFactorRepository {
	return &TwoFactorRepository{store: newStore(db, timeout)}
}

func (r *TwoFactorRepository) GetEnrollment(ctx context.Context, accountID int64) (*domain.TwoFactorEnrollment, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var e domain.TwoFactorEnrollment
	if err := db.Where("account_id = ?", accountID).First(&e).Error; err != nil {
		return nil, classify(err)
	}
	return &e, nil
}

// SaveEnrollment stores a (re)started enrollment and replaces every backup code.
func (r *TwoFactorRepository) SaveEnrollment(ctx context.Context, e *domain.TwoFactorEnrollment, codeHashes []string) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"secret", "enabled", "last_used_step", "confirmed_at", "updated_at"}),
		}).Create(e).Error; err != nil {
			return err
		}
		return replaceBackupCodes(tx, e.AccountID, codeHashes)
	})
	return classify(err)
}

func replaceBackupCodes(tx *gorm.DB, accountID int64, codeHashes []string) error {
	if err := tx.Where("account_id = ?", accountID).Delete(&domain.BackupCode{}).Error; err != nil {
		return err
	}
	if len(codeHashes) == 0 {
		return nil
	}
	codes := make([]domain.BackupCode, 0, len(codeHashes))
	for _, h := range codeHashes {
		codes = append(codes, domain.BackupCode{AccountID: accountID, CodeHash: h})
	}
	return tx.Create(&codes).Error
}

// Enable flips a pending enrollment on and records the step that confirmed it.
func (r *TwoFactorRepository) Enable(ctx context.Context, accountID int64, step int64, at time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&domain.TwoFactorEnrollment{}).
		Where("account_id = ? AND enabled = ?", accountID, false).
		Updates(map[string]any{
			"enabled":        true,
			"last_used_step": step,
			"confirmed_at":   at,
			"updated_at":     at,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the enrollment together with its backup codes and trusted devices.
func (r *TwoFactorRepository) Delete(ctx context.Context, accountID int64) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&domain.BackupCode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", accountID).Delete(&domain.TrustedDevice{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", accountID).Delete(&domain.TwoFactorEnrollment{}).Error
	})
	return classify(err)
}

// AdvanceStep records step as used. It reports false when step, or a later
// one, was already accepted, which makes every TOTP code single-use.
func (r *TwoFactorRepository) AdvanceStep(ctx context.Context, accountID, step int64, at time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&domain.TwoFactorEnrollment{}).
		Where("account_id = ? AND last_used_step < ?", accountID, step).
		Updates(map[string]any{"last_used_step": step, "updated_at": at})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ConsumeBackupCode deletes the matching code. Only one caller can win.
func (r *TwoFactorRepository) ConsumeBackupCode(ctx context.Context, accountID int64, codeHash string) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Where("account_id = ? AND code_hash = ?", accountID, codeHash).Delete(&domain.BackupCode{})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *TwoFactorRepository) CountBackupCodes(ctx context.Context, accountID int64) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var n int64
	err := db.Model(&domain.BackupCode{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, classify(err)
}

// ReplaceBackupCodes swaps the account's codes for a fresh set.
func (r *TwoFactorRepository) ReplaceBackupCodes(ctx context.Context, accountID int64, codeHashes []string) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return classify(db.Transaction(func(tx *gorm.DB) error {
		return replaceBackupCodes(tx, accountID, codeHashes)
	}))
}

func (r *TwoFactorRepository) TrustDevice(ctx context.Context, d *domain.TrustedDevice) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return classify(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "fingerprint_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
	}).Create(d).Error)
}

func (r *TwoFactorRepository) IsDeviceTrusted(ctx context.Context, accountID int64, fingerprintHash string, now time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var n int64
	err := db.Model(&domain.TrustedDevice{}).
		Where("account_id = ? AND fingerprint_hash = ? AND expires_at > ?", accountID, fingerprintHash, now).
		Count(&n).Error
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (r *TwoFactorRepository) DeleteExpiredDevices(ctx context.Context, now time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Where("expires_at <= ?", now).Delete(&domain.TrustedDevice{})
	return res.RowsAffected, classify(res.Error)
}
