package domain

import "time"

// RateLimitCounter is the durable fixed-window counter for one (action, identifier) key.
type RateLimitCounter struct {
	Action       string     `json:"action" gorm:"primaryKey;size:32"`
	Identifier   string     `json:"identifier" gorm:"primaryKey;size:255"`
	Attempts     int        `json:"attempts" gorm:"not null;default:0"`
	WindowStart  time.Time  `json:"window_start" gorm:"not null"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" gorm:"index"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (c *RateLimitCounter) IsBlocked(now time.Time) bool {
	return c.BlockedUntil != nil && now.Before(*c.BlockedUntil)
}
