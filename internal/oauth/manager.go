// Package oauth runs the authorization handshake and owns token refresh for
// stored connections.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/vipul43/connsync/internal/keylock"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/statestore"
)

const (
	DefaultStateTTL       = 10 * time.Minute
	DefaultRefreshBuffer  = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	stateBytes = 32
)

// ConnectionStore is the credential store as seen by the manager
type ConnectionStore interface {
	Create(ctx context.Context, conn *models.Connection) error
	GetByID(ctx context.Context, connectionID string) (*models.Connection, error)
	UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken *string, expiresAt *time.Time, at time.Time) error
	RecordError(ctx context.Context, connectionID string, message string, status *models.ConnectionStatus, at time.Time) error
	Revoke(ctx context.Context, connectionID string, at time.Time) (bool, error)
}

// Locker serializes work on a connection across processes
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Cipher encrypts tokens at rest. The connection id is bound as associated
// data so a ciphertext cannot be moved between rows.
type Cipher interface {
	Encrypt(plaintext, associatedData string) (string, error)
	Decrypt(ciphertext, associatedData string) (string, error)
}

// ProbeFunc makes a cheap authenticated call against the provider
type ProbeFunc func(ctx context.Context, accessToken string) error

type Manager struct {
	store   ConnectionStore
	states  statestore.Store
	cipher  Cipher
	configs ConfigProvider
	locks   *keylock.KeyedMutex
	leases  Locker
	probes  map[models.PlatformType]ProbeFunc

	now            func() time.Time
	httpClient     *http.Client
	stateTTL       time.Duration
	refreshBuffer  time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHTTPClient sets the client used for token endpoint calls
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

func WithStateTTL(d time.Duration) Option {
	return func(m *Manager) { m.stateTTL = d }
}

func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) { m.refreshBuffer = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.requestTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSharedLock adds a lock held across processes, on top of the in-process
// one, around every refresh and revoke.
func WithSharedLock(l Locker) Option {
	return func(m *Manager) { m.leases = l }
}

// WithProbe registers the check TestConnection runs for a platform
func WithProbe(platform models.PlatformType, fn ProbeFunc) Option {
	return func(m *Manager) { m.probes[platform] = fn }
}

func NewManager(store ConnectionStore, states statestore.Store, cipher Cipher, configs ConfigProvider, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		states:         states,
		cipher:         cipher,
		configs:        configs,
		locks:          keylock.New(),
		probes:         make(map[models.PlatformType]ProbeFunc),
		now:            func() time.Time { return time.Now().UTC() },
		stateTTL:       DefaultStateTTL,
		refreshBuffer:  DefaultRefreshBuffer,
		requestTimeout: DefaultRequestTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthorizationURL is returned to the browser to start the handshake
type AuthorizationURL struct {
	URL   string `json:"authorizationUrl"`
	State string `json:"state"`
}

// ExchangeResult carries the token (nil on a peek) and the redeemed state
type ExchangeResult struct {
	Token     *TokenResponse
	StateData *models.AuthorizationState
}

// NewConnection is the input to StoreConnection
type NewConnection struct {
	OwnerUserID  string
	TenantID     string
	PlatformType models.PlatformType
	DisplayName  string
	Token        *TokenResponse
	Scopes       []string
	PlatformData map[string]interface{}
}

// CallbackParams is what the provider redirect hands back
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// GenerateAuthorizationURL persists a fresh AuthorizationState and builds
// the provider URL for it.
func (m *Manager) GenerateAuthorizationURL(ctx context.Context, platform models.PlatformType, cfg *PlatformConfig, userID, tenantID string, platformData map[string]interface{}) (*AuthorizationURL, error) {
	state, err := randomState()
	if err != nil {
		return nil, err
	}

	authState := &models.AuthorizationState{
		State:        state,
		OwnerUserID:  userID,
		TenantID:     tenantID,
		PlatformType: platform,
		PlatformData: platformData,
		CreatedAt:    m.now(),
	}

	var opts []oauth2.AuthCodeOption
	if cfg.UsePKCE {
		authState.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(authState.CodeVerifier))
	}
	for k, v := range cfg.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	if err := m.states.Save(ctx, authState, m.stateTTL); err != nil {
		return nil, fmt.Errorf("failed to save authorization state: %w", err)
	}

	m.logger.Debug("Authorization started",
		zap.String("platform", string(platform)),
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID))

	return &AuthorizationURL{
		URL:   cfg.oauth2Config().AuthCodeURL(state, opts...),
		State: state,
	}, nil
}

// ExchangeCodeForToken redeems state and exchanges code. With a nil cfg the
// state is only inspected, not consumed, so a caller can learn the platform
// before resolving its config.
func (m *Manager) ExchangeCodeForToken(ctx context.Context, code, state string, cfg *PlatformConfig) (*ExchangeResult, error) {
	if cfg == nil {
		stateData, err := m.lookupState(ctx, state, m.states.Peek)
		if err != nil {
			return nil, err
		}
		return &ExchangeResult{StateData: stateData}, nil
	}

	stateData, err := m.lookupState(ctx, state, m.states.Take)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if stateData.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(stateData.CodeVerifier))
	}

	callCtx, cancel := m.providerContext(ctx)
	defer cancel()

	tok, err := cfg.oauth2Config().Exchange(callCtx, code, opts...)
	if err != nil {
		return nil, &TokenExchangeError{Platform: stateData.PlatformType, Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &TokenExchangeError{Platform: stateData.PlatformType, Err: errors.New("empty access token")}
	}

	return &ExchangeResult{Token: newTokenResponse(tok), StateData: stateData}, nil
}

func (m *Manager) lookupState(ctx context.Context, state string, get func(context.Context, string) (*models.AuthorizationState, error)) (*models.AuthorizationState, error) {
	if state == "" {
		return nil, &AuthorizationError{Reason: "missing state"}
	}

	stateData, err := get(ctx, state)
	if errors.Is(err, statestore.ErrStateNotFound) {
		return nil, &AuthorizationError{Reason: "state not found or expired"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization state: %w", err)
	}
	if stateData.ExpiredAt(m.now(), m.stateTTL) {
		_ = m.states.Delete(ctx, state)
		return nil, &AuthorizationError{Reason: "state not found or expired"}
	}
	return stateData, nil
}

// StoreConnection encrypts the tokens and persists an ACTIVE connection.
func (m *Manager) StoreConnection(ctx context.Context, in NewConnection) (string, error) {
	if in.Token == nil || in.Token.AccessToken == "" {
		return "", errors.New("cannot store connection without an access token")
	}

	id := uuid.NewString()
	access, err := m.cipher.Encrypt(in.Token.AccessToken, id)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refresh *string
	if in.Token.RefreshToken != "" {
		enc, err := m.cipher.Encrypt(in.Token.RefreshToken, id)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refresh = &enc
	}

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = in.Token.Scopes()
	}

	conn := &models.Connection{
		ID:             id,
		TenantID:       in.TenantID,
		OwnerUserID:    in.OwnerUserID,
		PlatformType:   in.PlatformType,
		DisplayName:    in.DisplayName,
		Status:         models.ConnectionStatusActive,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: in.Token.ExpiresAt(m.now()),
		Scopes:         scopes,
		PlatformData:   models.JSONB(in.PlatformData),
	}
	if conn.PlatformData == nil {
		conn.PlatformData = models.JSONB{}
	}

	if err := m.store.Create(ctx, conn); err != nil {
		return "", err
	}

	m.logger.Info("Connection stored",
		zap.String("connection_id", id),
		zap.String("platform", string(in.PlatformType)),
		zap.String("tenant_id", in.TenantID))
	return id, nil
}

// CompleteAuthorization handles the provider callback end to end: denial
// short-circuit, two-phase state lookup, exchange, and storage.
func (m *Manager) CompleteAuthorization(ctx context.Context, params CallbackParams) (*models.Connection, error) {
	if params.Error != "" {
		m.dropState(ctx, params.State)
		reason := "provider denied authorization: " + params.Error
		if params.ErrorDescription != "" {
			reason += " (" + params.ErrorDescription + ")"
		}
		return nil, &AuthorizationError{Reason: reason}
	}
	if params.Code == "" {
		m.dropState(ctx, params.State)
		return nil, &AuthorizationError{Reason: "missing authorization code"}
	}

	peek, err := m.ExchangeCodeForToken(ctx, params.Code, params.State, nil)
	if err != nil {
		return nil, err
	}

	cfg, err := m.configs.PlatformConfig(peek.StateData.PlatformType)
	if err != nil {
		m.dropState(ctx, params.State)
		return nil, &AuthorizationError{Reason: "unsupported platform", Err: err}
	}

	result, err := m.ExchangeCodeForToken(ctx, params.Code, params.State, cfg)
	if err != nil {
		return nil, err
	}

	st := result.StateData
	id, err := m.StoreConnection(ctx, NewConnection{
		OwnerUserID:  st.OwnerUserID,
		TenantID:     st.TenantID,
		PlatformType: st.PlatformType,
		DisplayName:  displayName(st),
		Token:        result.Token,
		PlatformData: st.PlatformData,
	})
	if err != nil {
		return nil, err
	}
	return m.store.GetByID(ctx, id)
}

// dropState consumes a state whose callback can never succeed
func (m *Manager) dropState(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := m.states.Delete(ctx, token); err != nil {
		m.logger.Warn("Failed to drop authorization state", zap.Error(err))
	}
}

// lock takes the in-process lock for the connection, then the shared lock
// when one is configured.
func (m *Manager) lock(ctx context.Context, connectionID string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if m.leases == nil {
		return unlock, nil
	}

	release, err := m.leases.Lock(ctx, connectionID)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

// GetAccessToken returns a usable access token, refreshing first when it
// expires within the refresh buffer. Concurrent callers for one connection,
// in this process or another sharing the lock, share a single provider
// refresh.
func (m *Manager) GetAccessToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := m.store.GetByID(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if err := checkUsable(conn); err != nil {
		return "", err
	}
	if !conn.ExpiresWithin(m.now(), m.refreshBuffer) {
		return m.cipher.Decrypt(conn.AccessToken, conn.ID)
	}

	unlock, err := m.lock(ctx, connectionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Whoever held the lock before us may already have refreshed.
	conn, err = m.store.GetByID(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if err := checkUsable(conn); err != nil {
		return "", err
	}
	if !conn.ExpiresWithin(m.now(), m.refreshBuffer) {
		return m.cipher.Decrypt(conn.AccessToken, conn.ID)
	}

	tok, err := m.refreshLocked(ctx, conn)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// RefreshAccessToken forces a refresh regardless of expiry
func (m *Manager) RefreshAccessToken(ctx context.Context, connectionID string) (*TokenResponse, error) {
	unlock, err := m.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conn, err := m.store.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := checkUsable(conn); err != nil {
		return nil, err
	}
	return m.refreshLocked(ctx, conn)
}

// RefreshIfExpiring refreshes only if the token still expires within the
// window once the lock is held. It reports whether a refresh happened.
func (m *Manager) RefreshIfExpiring(ctx context.Context, connectionID string, within time.Duration) (bool, error) {
	unlock, err := m.lock(ctx, connectionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	conn, err := m.store.GetByID(ctx, connectionID)
	if err != nil {
		return false, err
	}
	if conn.Status != models.ConnectionStatusActive || !conn.HasRefreshToken() {
		return false, nil
	}
	if !conn.ExpiresWithin(m.now(), within) {
		return false, nil
	}

	if _, err := m.refreshLocked(ctx, conn); err != nil {
		return false, err
	}
	return true, nil
}

// refreshLocked must be called with the connection's lock held.
func (m *Manager) refreshLocked(ctx context.Context, conn *models.Connection) (*TokenResponse, error) {
	log := m.logger.With(zap.String("connection_id", conn.ID))

	if !conn.HasRefreshToken() {
		status := models.ConnectionStatusExpired
		if err := m.store.RecordError(ctx, conn.ID, ErrNoRefreshToken.Error(), &status, m.now()); err != nil {
			log.Warn("Failed to mark connection expired", zap.Error(err))
		}
		log.Warn("Access token expired with no refresh token")
		return nil, &TokenRefreshError{ConnectionID: conn.ID, Terminal: true, Err: ErrNoRefreshToken}
	}

	refreshToken, err := m.cipher.Decrypt(*conn.RefreshToken, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	cfg, err := m.configs.PlatformConfig(conn.PlatformType)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := m.providerContext(ctx)
	defer cancel()

	tok, err := cfg.oauth2Config().TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		terminal := isTerminalRefreshError(err)
		var status *models.ConnectionStatus
		if terminal {
			s := models.ConnectionStatusError
			status = &s
		}
		if recErr := m.store.RecordError(ctx, conn.ID, err.Error(), status, m.now()); recErr != nil {
			log.Warn("Failed to record refresh error", zap.Error(recErr))
		}
		if terminal {
			log.Error("Refresh token rejected by provider", zap.Error(err))
		} else {
			log.Warn("Token refresh failed, will retry", zap.Error(err))
		}
		return nil, &TokenRefreshError{ConnectionID: conn.ID, Terminal: terminal, Err: err}
	}

	resp := newTokenResponse(tok)

	access, err := m.cipher.Encrypt(resp.AccessToken, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	// oauth2 copies the old refresh token over when the provider does not
	// rotate it.
	var rotated *string
	if resp.RefreshToken != "" && resp.RefreshToken != refreshToken {
		enc, err := m.cipher.Encrypt(resp.RefreshToken, conn.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		rotated = &enc
	}

	// The provider may already have invalidated the old refresh token, so the
	// new pair is written even if the caller has gone away.
	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), m.requestTimeout)
	defer persistCancel()

	now := m.now()
	if err := m.store.UpdateTokens(persistCtx, conn.ID, access, rotated, resp.ExpiresAt(now), now); err != nil {
		return nil, err
	}

	log.Info("Access token refreshed", zap.Bool("rotated", rotated != nil), zap.Int64("expires_in", resp.ExpiresIn))
	return resp, nil
}

// RevokeConnection moves the connection to REVOKED. Revoking twice is a
// no-op.
func (m *Manager) RevokeConnection(ctx context.Context, connectionID string) error {
	unlock, err := m.lock(ctx, connectionID)
	if err != nil {
		return err
	}
	defer unlock()

	changed, err := m.store.Revoke(ctx, connectionID, m.now())
	if err != nil {
		return err
	}
	if changed {
		m.logger.Info("Connection revoked", zap.String("connection_id", connectionID))
	}
	return nil
}

// TestConnection obtains a token and runs the platform probe, if any.
// Failures are recorded on the connection.
func (m *Manager) TestConnection(ctx context.Context, connectionID string) error {
	conn, err := m.store.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}

	token, err := m.GetAccessToken(ctx, connectionID)
	if err != nil {
		return err
	}

	probe, ok := m.probes[conn.PlatformType]
	if !ok {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	if err := probe(callCtx, token); err != nil {
		if recErr := m.store.RecordError(ctx, connectionID, err.Error(), nil, m.now()); recErr != nil {
			m.logger.Warn("Failed to record probe error", zap.String("connection_id", connectionID), zap.Error(recErr))
		}
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

func (m *Manager) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return ctx, cancel
}

func checkUsable(conn *models.Connection) error {
	switch conn.Status {
	case models.ConnectionStatusActive:
		return nil
	case models.ConnectionStatusRevoked:
		return repository.ErrConnectionRevoked
	default:
		return &TokenRefreshError{
			ConnectionID: conn.ID,
			Terminal:     true,
			Err:          fmt.Errorf("%w: status %s", ErrReauthorizationRequired, conn.Status),
		}
	}
}

// isTerminalRefreshError reports whether the provider rejected the refresh
// token or client outright (RFC 6749 section 5.2).
func isTerminalRefreshError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}

func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func displayName(st *models.AuthorizationState) string {
	if name, ok := st.PlatformData["displayName"].(string); ok && name != "" {
		return name
	}
	return string(st.PlatformType)
}
