package auth

import (
	"time"

	"bizdesk/internal/domain"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=128"`
	DeviceID string `json:"device_id,omitempty" validate:"omitempty,max=128"`
}

type VerifyTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,min=6,max=16"`
	TrustDevice    bool   `json:"trust_device"`
	DeviceID       string `json:"device_id,omitempty" validate:"omitempty,max=128"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

type CodeRequest struct {
	Code string `json:"code" validate:"required,min=6,max=16"`
}

// Client describes where a request came from.
type Client struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

type AccountPublic struct {
	ID        int64  `json:"id"`
	CompanyID int64  `json:"company_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
}

func accountPublic(a *domain.Account) AccountPublic {
	return AccountPublic{
		ID:        a.ID,
		CompanyID: a.CompanyID,
		Email:     a.Email,
		Name:      a.Name,
		Role:      string(a.Role),
	}
}

type TokensResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type SessionResponse struct {
	ID             string     `json:"id"`
	UserAgent      string     `json:"user_agent"`
	IP             string     `json:"ip"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Current        bool       `json:"current"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

type EnrollResponse struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}
