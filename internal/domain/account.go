package domain

import "time"

type AccountRole string

const (
	RoleOwner   AccountRole = "owner"
	RoleManager AccountRole = "manager"
	RoleStaff   AccountRole = "staff"
	RoleAdmin   AccountRole = "admin"
)

// Account is a login identity inside one company (tenant).
type Account struct {
	ID           int64       `json:"id" gorm:"primaryKey"`
	CompanyID    int64       `json:"company_id" gorm:"index;not null"`
	Email        string      `json:"email" gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string      `json:"-" gorm:"not null"`
	Role         AccountRole `json:"role" gorm:"size:32;not null"`
	Name         string      `json:"name" gorm:"size:255"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
