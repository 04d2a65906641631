package domain

import "time"

const (
	ProviderPassword = "password"
	ProviderOAuth    = "oauth"

	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-"` // bcrypt hash; empty for pure-OAuth users
	Provider  string    `json:"provider" gorm:"type:varchar(16);not null"`
	Role      string    `json:"role" gorm:"type:varchar(16);default:user"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
