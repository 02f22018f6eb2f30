package domain

import "time"

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
	TokenKindSession TokenKind = "session"
)

// BlacklistEntry marks a credential revoked before its natural expiry.
// Rows past ExpiresAt carry no information and are purged by the sweep.
type BlacklistEntry struct {
	TokenHash string    `json:"token_hash" gorm:"primaryKey;size:64"`
	Kind      TokenKind `json:"kind" gorm:"size:16;not null"`
	Reason    string    `json:"reason" gorm:"size:32"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (BlacklistEntry) TableName() string { return "token_blacklist" }
