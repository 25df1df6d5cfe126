package domain

import "time"

// User is an authenticated account. The first account created through setup
// is the admin.
type User struct {
	ID           string    `gorm:"primaryKey;type:TEXT" json:"id"`
	Username     string    `gorm:"type:TEXT;not null;uniqueIndex" json:"username"`
	PasswordHash string    `gorm:"type:TEXT;not null" json:"-"`
	IsAdmin      bool      `gorm:"not null;default:false" json:"isAdmin"`
	CreatedAt    time.Time `gorm:"not null" json:"createdAt"`
}

// TableName implements the GORM tabler interface.
func (User) TableName() string { return "users" }

// APIKey stores one sealed provider credential per (user, provider).
type APIKey struct {
	ID        string    `gorm:"primaryKey;type:TEXT"`
	UserID    string    `gorm:"type:TEXT;not null;uniqueIndex:ux_api_keys_user_provider,priority:1"`
	Provider  Provider  `gorm:"type:TEXT;not null;uniqueIndex:ux_api_keys_user_provider,priority:2"`
	SealedKey []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (APIKey) TableName() string { return "api_keys" }
