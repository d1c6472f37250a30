package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/connsync/internal/models"
	"gorm.io/gorm"
)

// ConnectionRepository is the credential store. Token columns hold
// ciphertext; encryption happens in the oauth package.
type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// TokenHealthCounts is the aggregate behind the token health endpoint.
type TokenHealthCounts struct {
	Total          int64 `json:"total"`
	Active         int64 `json:"active"`
	ExpiringSoon   int64 `json:"expiringSoon"`
	Expired        int64 `json:"expired"`
	NeedingRefresh int64 `json:"needingRefresh"`
}

// Create inserts a new connection
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	if err := r.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetByID retrieves connection by ID
func (r *ConnectionRepository) GetByID(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn, "id = ?", connectionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", result.Error)
	}
	return &conn, nil
}

// UpdateTokens writes the access token, optional rotated refresh token and
// expiry in one statement, marks the connection ACTIVE and clears error
// fields. Revoked connections are left untouched and ErrConnectionRevoked
// is returned.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken *string, expiresAt *time.Time, at time.Time) error {
	updates := map[string]interface{}{
		"access_token":       accessToken,
		"token_expires_at":   utcPtr(expiresAt),
		"status":             models.ConnectionStatusActive,
		"last_error_at":      nil,
		"last_error_message": nil,
		"updated_at":         at.UTC(),
	}
	if refreshToken != nil {
		updates["refresh_token"] = *refreshToken
	}

	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ? AND status <> ?", connectionID, models.ConnectionStatusRevoked).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.missingOrRevoked(ctx, connectionID)
	}
	return nil
}

// RecordError stamps lastErrorAt/lastErrorMessage and, when status is
// non-nil, moves the connection to that status. Revoked rows are skipped.
func (r *ConnectionRepository) RecordError(ctx context.Context, connectionID string, message string, status *models.ConnectionStatus, at time.Time) error {
	at = at.UTC()
	updates := map[string]interface{}{
		"last_error_at":      at,
		"last_error_message": message,
		"updated_at":         at,
	}
	if status != nil {
		updates["status"] = *status
	}

	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ? AND status <> ?", connectionID, models.ConnectionStatusRevoked).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record connection error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.missingOrRevoked(ctx, connectionID)
	}
	return nil
}

// Revoke moves the connection to REVOKED. It reports false when the
// connection was already revoked.
func (r *ConnectionRepository) Revoke(ctx context.Context, connectionID string, at time.Time) (bool, error) {
	now := at.UTC()
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ? AND status <> ?", connectionID, models.ConnectionStatusRevoked).
		Updates(map[string]interface{}{
			"status":             models.ConnectionStatusRevoked,
			"last_error_at":      now,
			"last_error_message": models.RevokedMessage,
			"updated_at":         now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to revoke connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if err := r.missingOrRevoked(ctx, connectionID); !errors.Is(err, ErrConnectionRevoked) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// FindExpiring returns ACTIVE connections with a refresh token whose access
// token expires at or before the given instant, soonest first.
func (r *ConnectionRepository) FindExpiring(ctx context.Context, before time.Time, limit int) ([]models.Connection, error) {
	var conns []models.Connection
	result := r.db.WithContext(ctx).
		Where("status = ?", models.ConnectionStatusActive).
		Where("refresh_token IS NOT NULL AND refresh_token <> ''").
		Where("token_expires_at IS NOT NULL AND token_expires_at <= ?", before.UTC()).
		Order("token_expires_at ASC").
		Limit(limit).
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query expiring connections: %w", result.Error)
	}
	return conns, nil
}

// TokenHealth counts connections by token state at now. Revoked rows are
// excluded from every bucket.
func (r *ConnectionRepository) TokenHealth(ctx context.Context, now time.Time, soonWindow, refreshWindow time.Duration) (TokenHealthCounts, error) {
	var counts TokenHealthCounts
	now = now.UTC()

	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&models.Connection{}).
			Where("status <> ?", models.ConnectionStatusRevoked)
	}

	queries := []struct {
		dst   *int64
		scope func(*gorm.DB) *gorm.DB
	}{
		{&counts.Total, func(db *gorm.DB) *gorm.DB { return db }},
		{&counts.Active, func(db *gorm.DB) *gorm.DB {
			return db.Where("status = ?", models.ConnectionStatusActive)
		}},
		{&counts.ExpiringSoon, func(db *gorm.DB) *gorm.DB {
			return db.Where("status = ?", models.ConnectionStatusActive).
				Where("token_expires_at > ? AND token_expires_at <= ?", now, now.Add(soonWindow))
		}},
		{&counts.Expired, func(db *gorm.DB) *gorm.DB {
			return db.Where("status IN ?", []models.ConnectionStatus{models.ConnectionStatusActive, models.ConnectionStatusExpired}).
				Where("token_expires_at IS NOT NULL AND token_expires_at <= ?", now)
		}},
		{&counts.NeedingRefresh, func(db *gorm.DB) *gorm.DB {
			return db.Where("status = ?", models.ConnectionStatusActive).
				Where("refresh_token IS NOT NULL AND refresh_token <> ''").
				Where("token_expires_at IS NOT NULL AND token_expires_at <= ?", now.Add(refreshWindow))
		}},
	}

	for _, q := range queries {
		if err := q.scope(base()).Count(q.dst).Error; err != nil {
			return TokenHealthCounts{}, fmt.Errorf("failed to count token health: %w", err)
		}
	}
	return counts, nil
}

// MarkSynced records a finished sync and bumps the monotonic counter
func (r *ConnectionRepository) MarkSynced(ctx context.Context, connectionID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"last_sync_at": at.UTC(),
			"sync_count":   gorm.Expr("sync_count + 1"),
			"updated_at":   at.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark connection synced: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (r *ConnectionRepository) missingOrRevoked(ctx context.Context, connectionID string) error {
	conn, err := r.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.IsRevoked() {
		return ErrConnectionRevoked
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
