package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/connsync/internal/keylock"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/secrets"
	"github.com/vipul43/connsync/internal/statestore"
	"github.com/vipul43/connsync/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tokenServer is a fake provider token endpoint.
type tokenServer struct {
	*httptest.Server

	mu        sync.Mutex
	exchanges int
	refreshes int
	verifiers []string
	// onRefresh overrides the default refresh response when set.
	onRefresh func(w http.ResponseWriter, r *http.Request, n int)
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		ts.mu.Lock()
		ts.exchanges++
		ts.verifiers = append(ts.verifiers, r.PostForm.Get("code_verifier"))
		ts.mu.Unlock()

		if r.PostForm.Get("code") != "abc" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "sheets.readonly drive.readonly",
		})

	case "refresh_token":
		ts.mu.Lock()
		ts.refreshes++
		n := ts.refreshes
		hook := ts.onRefresh
		ts.mu.Unlock()

		if hook != nil {
			hook(w, r, n)
			return
		}
		// Widen the window for racing callers.
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": fmt.Sprintf("refreshed-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (ts *tokenServer) counts() (exchanges, refreshes int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.exchanges, ts.refreshes
}

func (ts *tokenServer) receivedVerifiers() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.verifiers...)
}

func (ts *tokenServer) setRefreshHandler(fn func(w http.ResponseWriter, r *http.Request, n int)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onRefresh = fn
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type testEnv struct {
	mgr    *Manager
	repo   *repository.ConnectionRepository
	states *statestore.MemoryStore
	clock  *fakeClock
	server *tokenServer
	cipher *secrets.TokenCipher
	cfg    PlatformConfig
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	server := newTokenServer(t)
	repo := repository.NewConnectionRepository(testutil.NewTestDB(t))
	states := statestore.NewMemoryStore(clock.Now, 0)
	t.Cleanup(func() { _ = states.Close() })

	cipher, err := secrets.NewTokenCipher("test-encryption-key")
	require.NoError(t, err)

	cfg := PlatformConfig{
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectURI:      "https://app.example.com/oauth/callback",
		AuthorizationURL: "https://provider.example.com/authorize",
		TokenURL:         server.URL + "/token",
		Scopes:           []string{"sheets.readonly", "drive.readonly"},
		UsePKCE:          true,
		ExtraAuthParams:  map[string]string{"access_type": "offline"},
	}

	base := []Option{
		WithClock(clock.Now),
		WithHTTPClient(server.Client()),
	}
	mgr := NewManager(repo, states, cipher, StaticConfigProvider{models.PlatformGoogleSheets: cfg}, append(base, opts...)...)

	return &testEnv{
		mgr:    mgr,
		repo:   repo,
		states: states,
		clock:  clock,
		server: server,
		cipher: cipher,
		cfg:    cfg,
	}
}

func (e *testEnv) authorize(t *testing.T) *AuthorizationURL {
	t.Helper()
	authURL, err := e.mgr.GenerateAuthorizationURL(context.Background(), models.PlatformGoogleSheets, &e.cfg,
		"user-1", "org-1", map[string]interface{}{"spreadsheetId": "sheet-1"})
	require.NoError(t, err)
	return authURL
}

func (e *testEnv) connect(t *testing.T) *models.Connection {
	t.Helper()
	authURL := e.authorize(t)
	conn, err := e.mgr.CompleteAuthorization(context.Background(), CallbackParams{Code: "abc", State: authURL.State})
	require.NoError(t, err)
	return conn
}

// expireIn rewrites the stored expiry relative to the fake clock.
func (e *testEnv) expireIn(t *testing.T, conn *models.Connection, d time.Duration) {
	t.Helper()
	at := e.clock.Now().Add(d)
	require.NoError(t, e.repo.UpdateTokens(context.Background(), conn.ID, conn.AccessToken, nil, &at, e.clock.Now()))
}

func TestGenerateAuthorizationURL(t *testing.T) {
	env := newTestEnv(t)

	authURL := env.authorize(t)

	u, err := url.Parse(authURL.URL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "provider.example.com", u.Host)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, env.cfg.RedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "sheets.readonly drive.readonly", q.Get("scope"))
	assert.Equal(t, authURL.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "offline", q.Get("access_type"))

	// 32 random bytes, unpadded base64url.
	assert.Len(t, authURL.State, 43)

	stored, err := env.states.Peek(context.Background(), authURL.State)
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.OwnerUserID)
	assert.Equal(t, "org-1", stored.TenantID)
	assert.Equal(t, models.PlatformGoogleSheets, stored.PlatformType)

	sum := sha256.Sum256([]byte(stored.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestGenerateAuthorizationURL_WithoutPKCE(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.UsePKCE = false

	authURL, err := env.mgr.GenerateAuthorizationURL(context.Background(), models.PlatformShopify, &cfg, "user-1", "org-1", nil)
	require.NoError(t, err)

	u, err := url.Parse(authURL.URL)
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("code_challenge"))
	assert.Empty(t, u.Query().Get("code_challenge_method"))

	stored, err := env.states.Peek(context.Background(), authURL.State)
	require.NoError(t, err)
	assert.Empty(t, stored.CodeVerifier)
}

func TestGenerateAuthorizationURL_UniqueStates(t *testing.T) {
	env := newTestEnv(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s := env.authorize(t).State
		assert.False(t, seen[s], "state reused")
		seen[s] = true
	}
}

func TestExchangeCodeForToken_PeekDoesNotConsume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authURL := env.authorize(t)

	for i := 0; i < 2; i++ {
		res, err := env.mgr.ExchangeCodeForToken(ctx, "abc", authURL.State, nil)
		require.NoError(t, err)
		assert.Nil(t, res.Token)
		assert.Equal(t, models.PlatformGoogleSheets, res.StateData.PlatformType)
	}

	res, err := env.mgr.ExchangeCodeForToken(ctx, "abc", authURL.State, &env.cfg)
	require.NoError(t, err)
	assert.Equal(t, "access-1", res.Token.AccessToken)
	assert.Equal(t, "refresh-1", res.Token.RefreshToken)
	assert.Equal(t, int64(3600), res.Token.ExpiresIn)
	assert.Equal(t, []string{"sheets.readonly", "drive.readonly"}, res.Token.Scopes())

	exchanges, _ := env.server.counts()
	assert.Equal(t, 1, exchanges)
	verifiers := env.server.receivedVerifiers()
	require.Len(t, verifiers, 1)
	assert.Equal(t, res.StateData.CodeVerifier, verifiers[0])
}

func TestExchangeCodeForToken_StateIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authURL := env.authorize(t)

	_, err := env.mgr.ExchangeCodeForToken(ctx, "abc", authURL.State, &env.cfg)
	require.NoError(t, err)

	_, err = env.mgr.ExchangeCodeForToken(ctx, "abc", authURL.State, &env.cfg)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "state not found or expired", authErr.Reason)

	exchanges, _ := env.server.counts()
	assert.Equal(t, 1, exchanges)
}

func TestExchangeCodeForToken_StateTTL(t *testing.T) {
	env := newTestEnv(t)
	authURL := env.authorize(t)

	env.clock.Advance(DefaultStateTTL + time.Second)

	_, err := env.mgr.ExchangeCodeForToken(context.Background(), "abc", authURL.State, &env.cfg)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	exchanges, _ := env.server.counts()
	assert.Equal(t, 0, exchanges, "no exchange after TTL")
}

func TestExchangeCodeForToken_UnknownState(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.ExchangeCodeForToken(context.Background(), "abc", "forged", &env.cfg)
	var authErr *AuthorizationError
	assert.ErrorAs(t, err, &authErr)

	_, err = env.mgr.ExchangeCodeForToken(context.Background(), "abc", "", nil)
	assert.ErrorAs(t, err, &authErr)
}

func TestExchangeCodeForToken_ProviderError(t *testing.T) {
	env := newTestEnv(t)
	authURL := env.authorize(t)

	_, err := env.mgr.ExchangeCodeForToken(context.Background(), "wrong-code", authURL.State, &env.cfg)
	var exchangeErr *TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, models.PlatformGoogleSheets, exchangeErr.Platform)

	// Failed redemption still consumes the state.
	_, err = env.states.Peek(context.Background(), authURL.State)
	assert.ErrorIs(t, err, statestore.ErrStateNotFound)
}

func TestCompleteAuthorization_ProviderDenial(t *testing.T) {
	env := newTestEnv(t)
	authURL := env.authorize(t)

	_, err := env.mgr.CompleteAuthorization(context.Background(), CallbackParams{
		State:            authURL.State,
		Error:            "access_denied",
		ErrorDescription: "user cancelled",
	})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "access_denied")
	assert.Contains(t, authErr.Reason, "user cancelled")

	exchanges, _ := env.server.counts()
	assert.Equal(t, 0, exchanges)

	_, err = env.states.Peek(context.Background(), authURL.State)
	assert.ErrorIs(t, err, statestore.ErrStateNotFound)
}

func TestCompleteAuthorization_MissingCodeConsumesState(t *testing.T) {
	env := newTestEnv(t)
	authURL := env.authorize(t)

	_, err := env.mgr.CompleteAuthorization(context.Background(), CallbackParams{State: authURL.State})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "missing authorization code", authErr.Reason)

	_, err = env.states.Peek(context.Background(), authURL.State)
	assert.ErrorIs(t, err, statestore.ErrStateNotFound)
}

func TestCompleteAuthorization_UnconfiguredPlatformConsumesState(t *testing.T) {
	env := newTestEnv(t)
	authURL, err := env.mgr.GenerateAuthorizationURL(context.Background(), models.PlatformShopify, &env.cfg,
		"user-1", "org-1", nil)
	require.NoError(t, err)

	_, err = env.mgr.CompleteAuthorization(context.Background(), CallbackParams{Code: "abc", State: authURL.State})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "unsupported platform", authErr.Reason)

	exchanges, _ := env.server.counts()
	assert.Equal(t, 0, exchanges)

	_, err = env.states.Peek(context.Background(), authURL.State)
	assert.ErrorIs(t, err, statestore.ErrStateNotFound)
}

func TestCompleteAuthorization_StoresEncryptedConnection(t *testing.T) {
	env := newTestEnv(t)

	conn := env.connect(t)

	assert.Equal(t, models.ConnectionStatusActive, conn.Status)
	assert.Equal(t, "user-1", conn.OwnerUserID)
	assert.Equal(t, "org-1", conn.TenantID)
	assert.Equal(t, models.PlatformGoogleSheets, conn.PlatformType)
	assert.Equal(t, "sheet-1", conn.PlatformData["spreadsheetId"])
	assert.ElementsMatch(t, []string{"sheets.readonly", "drive.readonly"}, []string(conn.Scopes))

	assert.NotEqual(t, "access-1", conn.AccessToken, "stored in plaintext")
	plain, err := env.cipher.Decrypt(conn.AccessToken, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", plain)

	require.NotNil(t, conn.RefreshToken)
	plain, err = env.cipher.Decrypt(*conn.RefreshToken, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", plain)

	require.NotNil(t, conn.TokenExpiresAt)
	assert.WithinDuration(t, env.clock.Now().Add(time.Hour), *conn.TokenExpiresAt, time.Second)
}

func TestEndToEnd_AuthorizeThenRefreshOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conn := env.connect(t)

	token, err := env.mgr.GetAccessToken(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	_, refreshes := env.server.counts()
	assert.Equal(t, 0, refreshes)

	env.clock.Advance(time.Hour - DefaultRefreshBuffer + time.Second)

	token, err = env.mgr.GetAccessToken(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)

	token, err = env.mgr.GetAccessToken(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)

	_, refreshes = env.server.counts()
	assert.Equal(t, 1, refreshes)

	stored, err := env.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, env.clock.Now().Add(time.Hour), *stored.TokenExpiresAt, time.Second)

	// Provider did not rotate, so the existing refresh token is kept.
	plain, err := env.cipher.Decrypt(*stored.RefreshToken, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", plain)
}

func TestGetAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t)
	env.expireIn(t, conn, 30*time.Second)

	const callers = 20
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = env.mgr.GetAccessToken(context.Background(), conn.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", tokens[i])
	}
	_, refreshes := env.server.counts()
	assert.Equal(t, 1, refreshes)
}

func TestGetAccessToken_SharedLockAcrossManagers(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t)
	env.expireIn(t, conn, 30*time.Second)

	// Two managers stand in for the serve and worker processes: separate
	// in-process locks, one database, one Redis.
	mr := miniredis.RunT(t)
	newManager := func() *Manager {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewManager(env.repo, env.states, env.cipher, StaticConfigProvider{models.PlatformGoogleSheets: env.cfg},
			WithClock(env.clock.Now),
			WithHTTPClient(env.server.Client()),
			WithSharedLock(keylock.NewRedisLease(client, "test:refresh:", time.Minute)),
		)
	}
	managers := []*Manager{newManager(), newManager()}

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = managers[i%2].GetAccessToken(context.Background(), conn.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", tokens[i])
	}
	_, refreshes := env.server.counts()
	assert.Equal(t, 1, refreshes)
	assert.False(t, mr.Exists("test:refresh:"+conn.ID), "lease released")
}

func TestRefresh_InvalidGrantIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)
	env.expireIn(t, conn, 10*time.Second)

	env.server.setRefreshHandler(func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Token has been expired or revoked.",
		})
	})

	_, err := env.mgr.GetAccessToken(ctx, conn.ID)
	var refreshErr *TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.True(t, refreshErr.Terminal)
	assert.True(t, IsTerminal(err))

	stored, err := env.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusError, stored.Status)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Contains(t, *stored.LastErrorMessage, "invalid_grant")

	// ERROR is sticky: no further provider calls until re-authorization.
	_, err = env.mgr.GetAccessToken(ctx, conn.ID)
	assert.True(t, IsTerminal(err))
	_, refreshes := env.server.counts()
	assert.Equal(t, 1, refreshes)
}

func TestRefresh_TimeoutIsTransient(t *testing.T) {
	env := newTestEnv(t, WithRequestTimeout(50*time.Millisecond))
	ctx := context.Background()
	conn := env.connect(t)
	env.expireIn(t, conn, 10*time.Second)

	env.server.setRefreshHandler(func(w http.ResponseWriter, r *http.Request, n int) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := env.mgr.GetAccessToken(ctx, conn.ID)
	var refreshErr *TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.False(t, refreshErr.Terminal)

	stored, err := env.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusActive, stored.Status)
	assert.NotNil(t, stored.LastErrorMessage)
	assert.NotNil(t, stored.LastErrorAt)
}

func TestRefresh_ServerErrorIsTransient(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t)

	env.server.setRefreshHandler(func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"})
	})

	_, err := env.mgr.RefreshAccessToken(context.Background(), conn.ID)
	require.Error(t, err)
	assert.False(t, IsTerminal(err))

	stored, err := env.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusActive, stored.Status)
}

func TestRefresh_RotatedRefreshTokenIsStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	env.server.setRefreshHandler(func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    1800,
		})
	})

	resp, err := env.mgr.RefreshAccessToken(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", resp.AccessToken)

	stored, err := env.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	plain, err := env.cipher.Decrypt(*stored.RefreshToken, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", plain)
	assert.WithinDuration(t, env.clock.Now().Add(30*time.Minute), *stored.TokenExpiresAt, time.Second)
}

// cancelOnUpdate cancels the caller's context as the new tokens are written,
// as when a request is abandoned right after the provider answers.
type cancelOnUpdate struct {
	*repository.ConnectionRepository
	cancel context.CancelFunc
}

func (s *cancelOnUpdate) UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken *string, expiresAt *time.Time, at time.Time) error {
	s.cancel()
	return s.ConnectionRepository.UpdateTokens(ctx, connectionID, accessToken, refreshToken, expiresAt, at)
}

func TestRefresh_RotatedTokenSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t)

	env.server.setRefreshHandler(func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    1800,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelOnUpdate{ConnectionRepository: env.repo, cancel: cancel}
	mgr := NewManager(store, env.states, env.cipher, StaticConfigProvider{models.PlatformGoogleSheets: env.cfg},
		WithClock(env.clock.Now),
		WithHTTPClient(env.server.Client()),
	)

	resp, err := mgr.RefreshAccessToken(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", resp.AccessToken)
	assert.Error(t, ctx.Err())

	stored, err := env.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	plain, err := env.cipher.Decrypt(*stored.RefreshToken, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", plain)
	plain, err = env.cipher.Decrypt(stored.AccessToken, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", plain)
}

func TestRefresh_NoRefreshTokenMarksExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.mgr.StoreConnection(ctx, NewConnection{
		OwnerUserID:  "user-1",
		TenantID:     "org-1",
		PlatformType: models.PlatformGoogleSheets,
		Token:        &TokenResponse{AccessToken: "short-lived", ExpiresIn: 30},
	})
	require.NoError(t, err)

	_, err = env.mgr.GetAccessToken(ctx, id)
	assert.True(t, IsTerminal(err))
	assert.True(t, errors.Is(err, ErrNoRefreshToken))

	stored, err := env.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusExpired, stored.Status)
}

func TestRefreshIfExpiring(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	refreshed, err := env.mgr.RefreshIfExpiring(ctx, conn.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, refreshed, "token still has an hour")

	env.expireIn(t, conn, 10*time.Minute)
	refreshed, err = env.mgr.RefreshIfExpiring(ctx, conn.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)

	refreshed, err = env.mgr.RefreshIfExpiring(ctx, conn.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, refreshed, "already refreshed")

	_, refreshes := env.server.counts()
	assert.Equal(t, 1, refreshes)
}

func TestRevokeConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	require.NoError(t, env.mgr.RevokeConnection(ctx, conn.ID))
	require.NoError(t, env.mgr.RevokeConnection(ctx, conn.ID))

	stored, err := env.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusRevoked, stored.Status)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Equal(t, "revoked", *stored.LastErrorMessage)

	_, err = env.mgr.GetAccessToken(ctx, conn.ID)
	assert.ErrorIs(t, err, repository.ErrConnectionRevoked)

	_, err = env.mgr.RefreshAccessToken(ctx, conn.ID)
	assert.ErrorIs(t, err, repository.ErrConnectionRevoked)

	refreshed, err := env.mgr.RefreshIfExpiring(ctx, conn.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, refreshed)

	_, refreshes := env.server.counts()
	assert.Equal(t, 0, refreshes)
}

func TestTestConnection(t *testing.T) {
	probeErr := errors.New("403 insufficient permissions")
	var probed string
	env := newTestEnv(t, WithProbe(models.PlatformGoogleSheets, func(ctx context.Context, accessToken string) error {
		probed = accessToken
		return probeErr
	}))
	ctx := context.Background()
	conn := env.connect(t)

	err := env.mgr.TestConnection(ctx, conn.ID)
	require.ErrorIs(t, err, probeErr)
	assert.Equal(t, "access-1", probed)

	stored, err := env.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusActive, stored.Status)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Equal(t, probeErr.Error(), *stored.LastErrorMessage)
}

func TestPlatformConfig_Validate(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.cfg.Validate())

	bad := env.cfg
	bad.TokenURL = ""
	bad.Scopes = nil
	assert.Error(t, bad.Validate())

	_, err := StaticConfigProvider{}.PlatformConfig(models.PlatformShopify)
	assert.ErrorIs(t, err, ErrPlatformNotConfigured)
}
