package oauth

import (
	"errors"
	"fmt"

	"github.com/vipul43/connsync/internal/models"
)

var (
	ErrPlatformNotConfigured   = errors.New("platform is not configured")
	ErrNoRefreshToken          = errors.New("access token expired and no refresh token is available")
	ErrReauthorizationRequired = errors.New("connection requires re-authorization")
)

// AuthorizationError covers a bad, expired or replayed state and provider
// side denial. It maps to a 4xx for the user.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return "authorization failed: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TokenExchangeError wraps a failed authorization code exchange
type TokenExchangeError struct {
	Platform models.PlatformType
	Err      error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed for %s: %v", e.Platform, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError is returned when a refresh fails. Terminal means the
// refresh token itself is unusable and the user must authorize again.
type TokenRefreshError struct {
	ConnectionID string
	Terminal     bool
	Err          error
}

func (e *TokenRefreshError) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("token refresh failed for connection %s (%s): %v", e.ConnectionID, kind, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// IsTerminal reports whether err carries a terminal TokenRefreshError
func IsTerminal(err error) bool {
	var refreshErr *TokenRefreshError
	return errors.As(err, &refreshErr) && refreshErr.Terminal
}
