package models

import "time"

// AuthorizationState is the single-use payload round-tripped through the
// provider redirect. It lives only in the state cache, never in Postgres.
type AuthorizationState struct {
	State        string                 `json:"state"`
	OwnerUserID  string                 `json:"ownerUserId"`
	TenantID     string                 `json:"tenantId"`
	PlatformType PlatformType           `json:"platformType"`
	CodeVerifier string                 `json:"codeVerifier,omitempty"`
	PlatformData map[string]interface{} `json:"platformData,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// ExpiredAt reports whether the state is older than ttl at now.
func (s *AuthorizationState) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}
