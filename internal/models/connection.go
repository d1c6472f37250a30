package models

import (
	"time"

	"gorm.io/datatypes"
)

type PlatformType string

const (
	PlatformGoogleSheets PlatformType = "GOOGLE_SHEETS"
	PlatformShopify      PlatformType = "SHOPIFY"
)

// ParsePlatformType accepts the enum value in any case ("google_sheets", "GOOGLE_SHEETS").
func ParsePlatformType(s string) (PlatformType, bool) {
	switch PlatformType(upper(s)) {
	case PlatformGoogleSheets:
		return PlatformGoogleSheets, true
	case PlatformShopify:
		return PlatformShopify, true
	}
	return "", false
}

type ConnectionStatus string

const (
	ConnectionStatusPending ConnectionStatus = "PENDING"
	ConnectionStatusActive  ConnectionStatus = "ACTIVE"
	ConnectionStatusExpired ConnectionStatus = "EXPIRED"
	ConnectionStatusError   ConnectionStatus = "ERROR"
	ConnectionStatusRevoked ConnectionStatus = "REVOKED"
)

// RevokedMessage is stamped into LastErrorMessage when a connection is revoked.
const RevokedMessage = "revoked"

// Connection is one authorized link between a tenant user and an external
// account on a platform. AccessToken and RefreshToken hold ciphertext.
type Connection struct {
	ID               string                      `gorm:"column:id;primaryKey"`
	TenantID         string                      `gorm:"column:tenant_id;index"`
	OwnerUserID      string                      `gorm:"column:owner_user_id;index"`
	PlatformType     PlatformType                `gorm:"column:platform_type"`
	DisplayName      string                      `gorm:"column:display_name"`
	Status           ConnectionStatus            `gorm:"column:status;index"`
	AccessToken      string                      `gorm:"column:access_token"`
	RefreshToken     *string                     `gorm:"column:refresh_token"`
	TokenExpiresAt   *time.Time                  `gorm:"column:token_expires_at;index"`
	Scopes           datatypes.JSONSlice[string] `gorm:"column:scopes"`
	PlatformData     JSONB                       `gorm:"column:platform_data"`
	LastSyncAt       *time.Time                  `gorm:"column:last_sync_at"`
	LastErrorAt      *time.Time                  `gorm:"column:last_error_at"`
	LastErrorMessage *string                     `gorm:"column:last_error_message"`
	SyncCount        int64                       `gorm:"column:sync_count"`
	CreatedAt        time.Time                   `gorm:"column:created_at"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Connection) TableName() string {
	return "connections"
}

// IsRevoked reports whether the connection reached its terminal state.
func (c *Connection) IsRevoked() bool {
	return c.Status == ConnectionStatusRevoked
}

// HasRefreshToken reports whether a refresh is possible at all.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// ExpiresWithin reports whether the access token expires before now+d.
// A nil expiry means unknown or non-expiring and never needs a refresh.
func (c *Connection) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !c.TokenExpiresAt.After(now.Add(d))
}
