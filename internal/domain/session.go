package domain

import "time"

type RevokeReason string

const (
	ReasonLogout         RevokeReason = "logout"
	ReasonLogoutAll      RevokeReason = "logout_all"
	ReasonEvicted        RevokeReason = "evicted"
	ReasonPasswordChange RevokeReason = "password_change"
	ReasonRefreshReuse   RevokeReason = "refresh_reuse"
	ReasonRefreshExpired RevokeReason = "refresh_expired"
	ReasonInactivity     RevokeReason = "inactivity"
	ReasonManual         RevokeReason = "manual"
	ReasonCompromised    RevokeReason = "compromised"
)

// Session is one logged-in device or browser of an account.
type Session struct {
	ID                string       `json:"id" gorm:"primaryKey;size:36"`
	AccountID         int64        `json:"account_id" gorm:"not null;index:idx_sessions_account_activity,priority:1"`
	CompanyID         int64        `json:"company_id" gorm:"index"`
	Role              string       `json:"role" gorm:"size:32"`
	DeviceFingerprint string       `json:"device_fingerprint" gorm:"size:128"`
	UserAgent         string       `json:"user_agent" gorm:"size:512"`
	IP                string       `json:"ip" gorm:"size:64"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivityAt    time.Time    `json:"last_activity_at" gorm:"not null;index:idx_sessions_account_activity,priority:2"`
	RevokedAt         *time.Time   `json:"revoked_at,omitempty" gorm:"index"`
	RevokeReason      RevokeReason `json:"revoke_reason,omitempty" gorm:"size:32"`
}

func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// IsActive reports whether the session is neither revoked nor idle past timeout.
func (s *Session) IsActive(now time.Time, inactivityTimeout time.Duration) bool {
	if s.IsRevoked() {
		return false
	}
	return now.Sub(s.LastActivityAt) <= inactivityTimeout
}
