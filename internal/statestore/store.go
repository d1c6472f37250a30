// Package statestore holds in-flight OAuth authorization states with a TTL.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/vipul43/connsync/internal/models"
)

var (
	ErrStateNotFound = errors.New("authorization state not found")
	ErrStateExists   = errors.New("authorization state already exists")
)

// Store is the state cache. Take is the single redemption point: it returns
// the state and removes it atomically, so two concurrent redemptions of the
// same token cannot both succeed.
type Store interface {
	Save(ctx context.Context, state *models.AuthorizationState, ttl time.Duration) error
	Peek(ctx context.Context, token string) (*models.AuthorizationState, error)
	Take(ctx context.Context, token string) (*models.AuthorizationState, error)
	Delete(ctx context.Context, token string) error
}
