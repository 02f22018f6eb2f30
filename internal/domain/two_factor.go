package domain

import "time"

// TwoFactorEnrollment holds the TOTP secret of an account.
// Enabled stays false until the first code is confirmed.
type TwoFactorEnrollment struct {
	AccountID    int64      `json:"account_id" gorm:"primaryKey;autoIncrement:false"`
	Secret       string     `json:"-" gorm:"size:64;not null"`
	Enabled      bool       `json:"enabled" gorm:"not null;default:false"`
	LastUsedStep int64      `json:"-" gorm:"not null;default:0"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BackupCode is a single-use recovery code; only its hash is stored.
type BackupCode struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	AccountID int64     `json:"account_id" gorm:"index;not null"`
	CodeHash  string    `json:"-" gorm:"size:64;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (BackupCode) TableName() string { return "two_factor_backup_codes" }

// TrustedDevice exempts a device fingerprint from 2FA challenges until ExpiresAt.
type TrustedDevice struct {
	ID              int64     `json:"id" gorm:"primaryKey"`
	AccountID       int64     `json:"account_id" gorm:"not null;uniqueIndex:idx_trusted_devices_account_fp"`
	FingerprintHash string    `json:"-" gorm:"size:64;not null;uniqueIndex:idx_trusted_devices_account_fp"`
	ExpiresAt       time.Time `json:"expires_at" gorm:"index;not null"`
	CreatedAt       time.Time `json:"created_at"`
}
