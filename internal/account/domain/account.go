package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	AuthTypeIMAP  = "imap"
	AuthTypeOAuth = "oauth"
)

// SyncStatus tracks where an account's ingestion worker currently stands.
type SyncStatus string

const (
	SyncStatusIdle         SyncStatus = "idle"
	SyncStatusSyncing      SyncStatus = "syncing"
	SyncStatusError        SyncStatus = "error"
	SyncStatusDisconnected SyncStatus = "disconnected"
)

// IMAPConfig holds the connection settings for password-authenticated
// accounts. The password is stored sealed; it never leaves the row in
// plaintext.
type IMAPConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Secure            bool   `json:"secure"`
	EncryptedPassword string `json:"encrypted_password"`
}

func (c IMAPConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *IMAPConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for IMAPConfig: %T", value)
	}
	return json.Unmarshal(data, c)
}

// MailAccount is one remote mailbox owned by a user.
type MailAccount struct {
	ID         string      `json:"id" gorm:"primaryKey"`
	UserID     string      `json:"user_id" gorm:"uniqueIndex:idx_user_account_email;not null;index"`
	Email      string      `json:"email" gorm:"uniqueIndex:idx_user_account_email;not null"`
	AuthType   string      `json:"auth_type" gorm:"type:varchar(8);not null"`
	IsPrimary  bool        `json:"is_primary" gorm:"default:false"`
	IsActive   bool        `json:"is_active" gorm:"default:true"`
	SyncStatus SyncStatus  `json:"sync_status" gorm:"type:varchar(16);default:idle"`
	LastSyncAt *time.Time  `json:"last_sync_at,omitempty"`
	IMAPConfig *IMAPConfig `json:"imap_config,omitempty" gorm:"type:jsonb"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (MailAccount) TableName() string { return "email_accounts" }

// OAuthTokens is keyed by account email only; the account row is resolved by
// id lookup when needed, never by an embedded pointer.
type OAuthTokens struct {
	Email        string     `json:"email" gorm:"primaryKey"`
	AccessToken  string     `json:"-" gorm:"not null"`
	RefreshToken string     `json:"-"`
	TokenExpiry  time.Time  `json:"token_expiry"`
	Scope        string     `json:"scope"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

func (OAuthTokens) TableName() string { return "oauth_tokens" }

// Scopes splits the stored space-joined scope string.
func (t *OAuthTokens) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}
