package domain

import "time"

// RefreshToken stores rotating refresh tokens bound to a session.
//
// Security notes:
// - We never store the raw token in DB, only its peppered SHA-256 hash (TokenHash).
// - A token is single use: rotation sets UsedAt and links the successor via ReplacedByID.
type RefreshToken struct {
	ID int64 `json:"id" gorm:"primaryKey"`

	SessionID string `json:"session_id" gorm:"size:36;index;not null"`
	AccountID int64  `json:"account_id" gorm:"index;not null"`

	TokenHash string `json:"-" gorm:"size:64;uniqueIndex;not null"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index;not null"`
	UsedAt    *time.Time `json:"used_at"`
	RevokedAt *time.Time `json:"revoked_at" gorm:"index"`

	ReplacedByID *int64 `json:"replaced_by_id" gorm:"index"`
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t *RefreshToken) IsUsed() bool {
	return t.UsedAt != nil
}
