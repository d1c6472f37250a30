// Package webhook manages provider push channels and turns inbound
// notifications into sync operations.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/keylock"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/repository"
)

// ChannelProvider opens and closes push channels with the remote API
type ChannelProvider interface {
	Watch(ctx context.Context, accessToken string, req WatchRequest) (*Channel, error)
	Stop(ctx context.Context, accessToken string, ch Channel) error
}

// AccessTokenSource hands out a valid token for a connection
type AccessTokenSource interface {
	GetAccessToken(ctx context.Context, connectionID string) (string, error)
}

type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) error
	GetByID(ctx context.Context, id string) (*models.WebhookSubscription, error)
	GetActiveByExternalResourceID(ctx context.Context, externalResourceID string) (*models.WebhookSubscription, error)
	GetActiveByChannel(ctx context.Context, externalSubscriptionID, externalResourceID string) (*models.WebhookSubscription, error)
	GetActiveByResource(ctx context.Context, connectionID, resourceID string) (*models.WebhookSubscription, error)
	Deactivate(ctx context.Context, id string, at time.Time) (bool, error)
	FindActiveExpiringBefore(ctx context.Context, before time.Time, limit int) ([]models.WebhookSubscription, error)
	ListActiveByConnection(ctx context.Context, connectionID string) ([]models.WebhookSubscription, error)
}

type ResourceStore interface {
	Create(ctx context.Context, res *models.WatchedResource) error
	GetByConnectionAndResource(ctx context.Context, connectionID, resourceID string) (*models.WatchedResource, error)
	SetSubscription(ctx context.Context, id string, subscriptionID string, at time.Time) error
	ClearSubscription(ctx context.Context, subscriptionID string, at time.Time) error
}

type SyncOperationStore interface {
	GetActive(ctx context.Context, connectionID, resourceID string) (*models.SyncOperation, error)
	CreateIfNoneActive(ctx context.Context, op *models.SyncOperation) (bool, error)
	Fail(ctx context.Context, id string, message string, at time.Time) error
}

// SyncTrigger hands a pending operation to whatever performs the pull
type SyncTrigger interface {
	Trigger(ctx context.Context, op *models.SyncOperation) error
}

// Config holds configuration for the subscription manager
type Config struct {
	// CallbackURL is the address the provider posts notifications to
	CallbackURL string

	// SigningSecret validates X-Webhook-Signature when present
	SigningSecret string

	// SubscriptionTTL is the channel lifetime requested from the provider
	SubscriptionTTL time.Duration

	// RenewalLookahead selects subscriptions to renew ahead of expiry
	RenewalLookahead time.Duration

	// RequestTimeout bounds each provider call
	RequestTimeout time.Duration

	// BatchSize caps rows per sweep
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		SubscriptionTTL:  24 * time.Hour,
		RenewalLookahead: 2 * time.Hour,
		RequestTimeout:   30 * time.Second,
		BatchSize:        200,
	}
}

// SweepResult summarizes a renew or cleanup pass
type SweepResult struct {
	Scanned   int   `json:"scanned"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Err       error `json:"-"`
}

type Manager struct {
	subs      SubscriptionStore
	resources ResourceStore
	ops       SyncOperationStore
	tokens    AccessTokenSource
	provider  ChannelProvider
	trigger   SyncTrigger
	locks     *keylock.KeyedMutex
	config    Config
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(
	subs SubscriptionStore,
	resources ResourceStore,
	ops SyncOperationStore,
	tokens AccessTokenSource,
	provider ChannelProvider,
	trigger SyncTrigger,
	config Config,
	opts ...Option,
) *Manager {
	defaults := DefaultConfig()
	if config.SubscriptionTTL <= 0 {
		config.SubscriptionTTL = defaults.SubscriptionTTL
	}
	if config.RenewalLookahead <= 0 {
		config.RenewalLookahead = defaults.RenewalLookahead
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	m := &Manager{
		subs:      subs,
		resources: resources,
		ops:       ops,
		tokens:    tokens,
		provider:  provider,
		trigger:   trigger,
		locks:     keylock.New(),
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscription and sync dispatch use separate critical sections per
// (connection, resource).
func subscriptionKey(connectionID, resourceID string) string {
	return "subscription:" + connectionID + "/" + resourceID
}

func syncKey(connectionID, resourceID string) string {
	return "sync:" + connectionID + "/" + resourceID
}

// RegisterResource records a remote resource the connection wants watched.
// Registering an existing resource returns the stored row and false.
func (m *Manager) RegisterResource(ctx context.Context, connectionID, resourceID, name string) (*models.WatchedResource, bool, error) {
	existing, err := m.resources.GetByConnectionAndResource(ctx, connectionID, resourceID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrResourceNotFound) {
		return nil, false, err
	}

	now := m.now()
	res := &models.WatchedResource{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		ResourceID:   resourceID,
		Name:         name,
		SyncEnabled:  true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.resources.Create(ctx, res); err != nil {
		if errors.Is(err, repository.ErrResourceExists) {
			existing, err := m.resources.GetByConnectionAndResource(ctx, connectionID, resourceID)
			return existing, false, err
		}
		return nil, false, err
	}

	m.logger.Info("Watched resource registered",
		zap.String("connection_id", connectionID),
		zap.String("resource_id", resourceID))
	return res, true, nil
}

// SetupSubscription opens a push channel for the resource. An active,
// unexpired subscription is returned as is.
func (m *Manager) SetupSubscription(ctx context.Context, connectionID, resourceID string) (*models.WebhookSubscription, error) {
	unlock, err := m.locks.Lock(ctx, subscriptionKey(connectionID, resourceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.setupLocked(ctx, connectionID, resourceID)
}

func (m *Manager) setupLocked(ctx context.Context, connectionID, resourceID string) (*models.WebhookSubscription, error) {
	log := m.logger.With(zap.String("connection_id", connectionID), zap.String("resource_id", resourceID))
	setupErr := func(err error) error {
		return &WebhookSetupError{ConnectionID: connectionID, ResourceID: resourceID, Err: err}
	}

	res, err := m.resources.GetByConnectionAndResource(ctx, connectionID, resourceID)
	if err != nil {
		return nil, setupErr(err)
	}

	existing, err := m.subs.GetActiveByResource(ctx, connectionID, resourceID)
	switch {
	case err == nil && !existing.ExpiredAt(m.now()):
		log.Debug("Active subscription already exists", zap.String("subscription_id", existing.ID))
		return existing, nil
	case err == nil:
		if err := m.removeLocked(ctx, existing); err != nil {
			return nil, setupErr(err)
		}
	case !errors.Is(err, repository.ErrSubscriptionNotFound):
		return nil, setupErr(err)
	}

	token, err := m.tokens.GetAccessToken(ctx, connectionID)
	if err != nil {
		return nil, setupErr(err)
	}

	req := WatchRequest{
		ChannelID:  uuid.NewString(),
		ResourceID: resourceID,
		Address:    m.config.CallbackURL,
		Expiration: m.now().Add(m.config.SubscriptionTTL),
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	ch, err := m.provider.Watch(callCtx, token, req)
	cancel()
	if err != nil {
		return nil, setupErr(fmt.Errorf("failed to open channel: %w", err))
	}

	expiration := ch.Expiration
	if expiration.IsZero() {
		expiration = req.Expiration
	}
	channelID := ch.ID
	if channelID == "" {
		channelID = req.ChannelID
	}

	sub := &models.WebhookSubscription{
		ID:                     uuid.NewString(),
		ConnectionID:           connectionID,
		ResourceID:             resourceID,
		ExternalSubscriptionID: channelID,
		ExternalResourceID:     ch.ResourceID,
		Expiration:             expiration,
		IsActive:               true,
	}
	if err := m.subs.Create(ctx, sub); err != nil {
		m.stopRemote(ctx, token, Channel{ID: channelID, ResourceID: ch.ResourceID}, log)
		return nil, setupErr(err)
	}

	if err := m.resources.SetSubscription(ctx, res.ID, sub.ID, m.now()); err != nil {
		log.Warn("Failed to link subscription to resource", zap.String("subscription_id", sub.ID), zap.Error(err))
	}

	log.Info("Webhook subscription created",
		zap.String("subscription_id", sub.ID),
		zap.Time("expiration", sub.Expiration))
	return sub, nil
}

// RenewSubscription replaces an active subscription with a new one. The old
// row stays inactive. Inactive subscriptions are left alone and nil is
// returned.
func (m *Manager) RenewSubscription(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive {
		return nil, nil
	}

	unlock, err := m.locks.Lock(ctx, subscriptionKey(sub.ConnectionID, sub.ResourceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a concurrent remove or renew may have won.
	sub, err = m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive {
		return nil, nil
	}

	if err := m.removeLocked(ctx, sub); err != nil {
		return nil, err
	}
	return m.setupLocked(ctx, sub.ConnectionID, sub.ResourceID)
}

// RemoveSubscription stops the channel and deactivates the row. The remote
// stop is best effort.
func (m *Manager) RemoveSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	unlock, err := m.locks.Lock(ctx, subscriptionKey(sub.ConnectionID, sub.ResourceID))
	if err != nil {
		return err
	}
	defer unlock()

	sub, err = m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !sub.IsActive {
		return m.resources.ClearSubscription(ctx, sub.ID, m.now())
	}
	return m.removeLocked(ctx, sub)
}

func (m *Manager) removeLocked(ctx context.Context, sub *models.WebhookSubscription) error {
	log := m.logger.With(
		zap.String("subscription_id", sub.ID),
		zap.String("connection_id", sub.ConnectionID),
		zap.String("resource_id", sub.ResourceID))

	token, err := m.tokens.GetAccessToken(ctx, sub.ConnectionID)
	if err != nil {
		log.Warn("No access token, skipping remote channel stop", zap.Error(err))
	} else {
		m.stopRemote(ctx, token, Channel{ID: sub.ExternalSubscriptionID, ResourceID: sub.ExternalResourceID}, log)
	}

	if _, err := m.subs.Deactivate(ctx, sub.ID, m.now()); err != nil {
		return err
	}
	if err := m.resources.ClearSubscription(ctx, sub.ID, m.now()); err != nil {
		return err
	}

	log.Info("Webhook subscription removed")
	return nil
}

func (m *Manager) stopRemote(ctx context.Context, token string, ch Channel, log *zap.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	if err := m.provider.Stop(callCtx, token, ch); err != nil {
		log.Warn("Failed to stop remote channel", zap.String("channel_id", ch.ID), zap.Error(err))
	}
}

// RemoveConnectionSubscriptions removes every active subscription of the
// connection. Run it before the connection is revoked so the remote
// channels can still be stopped with its token.
func (m *Manager) RemoveConnectionSubscriptions(ctx context.Context, connectionID string) (*SweepResult, error) {
	subs, err := m.subs.ListActiveByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, sub := range subs {
		result.Scanned++
		if err := m.RemoveSubscription(ctx, sub.ID); err != nil {
			result.Failed++
			result.Err = multierr.Append(result.Err, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		result.Succeeded++
	}

	if result.Scanned > 0 {
		m.logger.Info("Connection subscriptions removed",
			zap.String("connection_id", connectionID),
			zap.Int("removed", result.Succeeded),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// HandleNotification validates and dispatches one inbound notification.
// Only a failed signature is returned as an error; every other problem is
// logged and reported through the Outcome.
func (m *Manager) HandleNotification(ctx context.Context, n Notification, signature string) (Outcome, error) {
	log := m.logger.With(
		zap.String("channel_id", n.ChannelID),
		zap.String("external_resource_id", n.ResourceID),
		zap.String("resource_state", n.ResourceState))

	if signature != "" {
		if err := VerifySignature(n.Body, signature, m.config.SigningSecret); err != nil {
			log.Warn("Rejected webhook notification", zap.Error(err))
			return OutcomeRejected, err
		}
	}

	if !strings.EqualFold(n.ResourceState, ResourceStateUpdate) {
		log.Debug("Ignoring notification state")
		return OutcomeIgnoredState, nil
	}

	sub, stale, err := m.findSubscription(ctx, n)
	switch {
	case stale:
		log.Info("Dropping notification from stale channel")
		return OutcomeStaleChannel, nil
	case errors.Is(err, repository.ErrSubscriptionNotFound):
		log.Info("No active subscription for notification")
		return OutcomeUnknownResource, nil
	case err != nil:
		log.Error("Failed to look up subscription", zap.Error(err))
		return OutcomeError, nil
	}

	log = log.With(zap.String("subscription_id", sub.ID))

	if sub.ExpiredAt(m.now()) {
		if _, err := m.subs.Deactivate(ctx, sub.ID, m.now()); err != nil {
			log.Error("Failed to deactivate expired subscription", zap.Error(err))
		} else if err := m.resources.ClearSubscription(ctx, sub.ID, m.now()); err != nil {
			log.Warn("Failed to clear resource subscription", zap.Error(err))
		}
		log.Info("Dropping notification for expired subscription")
		return OutcomeExpired, nil
	}

	outcome, _, err := m.dispatch(ctx, sub.ConnectionID, sub.ResourceID, models.SyncTypeWebhook)
	if err != nil {
		log.Error("Failed to dispatch sync", zap.String("outcome", string(outcome)), zap.Error(err))
	}
	return outcome, nil
}

// findSubscription matches a notification to its active subscription. With a
// channel id the match is exact; stale reports a channel that is no longer
// active while another channel still watches the same remote resource.
func (m *Manager) findSubscription(ctx context.Context, n Notification) (*models.WebhookSubscription, bool, error) {
	if n.ChannelID == "" {
		sub, err := m.subs.GetActiveByExternalResourceID(ctx, n.ResourceID)
		return sub, false, err
	}

	sub, err := m.subs.GetActiveByChannel(ctx, n.ChannelID, n.ResourceID)
	if !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return sub, false, err
	}

	if _, err := m.subs.GetActiveByExternalResourceID(ctx, n.ResourceID); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// RequestSync starts a sync outside of a notification, e.g. a user asking
// for one. Unlike HandleNotification it returns trigger failures.
func (m *Manager) RequestSync(ctx context.Context, connectionID, resourceID string, opType models.SyncOperationType) (Outcome, *models.SyncOperation, error) {
	if _, err := m.resources.GetByConnectionAndResource(ctx, connectionID, resourceID); err != nil {
		return OutcomeError, nil, err
	}
	return m.dispatch(ctx, connectionID, resourceID, opType)
}

// dispatch creates at most one active SyncOperation per resource and
// triggers it. The lock serializes callers in this process; the partial
// unique index covers other processes.
func (m *Manager) dispatch(ctx context.Context, connectionID, resourceID string, opType models.SyncOperationType) (Outcome, *models.SyncOperation, error) {
	unlock, err := m.locks.Lock(ctx, syncKey(connectionID, resourceID))
	if err != nil {
		return OutcomeError, nil, err
	}
	defer unlock()

	active, err := m.ops.GetActive(ctx, connectionID, resourceID)
	if err == nil {
		m.logger.Debug("Sync already in flight, coalescing",
			zap.String("connection_id", connectionID),
			zap.String("resource_id", resourceID),
			zap.String("operation_id", active.ID))
		return OutcomeCoalesced, active, nil
	}
	if !errors.Is(err, repository.ErrSyncOperationNotFound) {
		return OutcomeError, nil, err
	}

	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		ConnectionID:  connectionID,
		ResourceID:    resourceID,
		OperationType: opType,
		Status:        models.SyncStatusPending,
		StartedAt:     m.now(),
	}
	created, err := m.ops.CreateIfNoneActive(ctx, op)
	if err != nil {
		return OutcomeError, nil, err
	}
	if !created {
		return OutcomeCoalesced, nil, nil
	}

	if err := m.trigger.Trigger(ctx, op); err != nil {
		trigErr := &SyncTriggerError{OperationID: op.ID, Err: err}
		if failErr := m.ops.Fail(ctx, op.ID, trigErr.Error(), m.now()); failErr != nil {
			m.logger.Error("Failed to mark sync operation failed",
				zap.String("operation_id", op.ID), zap.Error(failErr))
		}
		return OutcomeTriggerFailed, op, trigErr
	}

	m.logger.Info("Sync triggered",
		zap.String("connection_id", connectionID),
		zap.String("resource_id", resourceID),
		zap.String("operation_id", op.ID),
		zap.String("operation_type", string(opType)))
	return OutcomeTriggered, op, nil
}

// RenewExpiringSubscriptions renews active subscriptions expiring within
// the lookahead. Already expired rows are left to the cleanup sweep.
func (m *Manager) RenewExpiringSubscriptions(ctx context.Context) (*SweepResult, error) {
	now := m.now()
	subs, err := m.subs.FindActiveExpiringBefore(ctx, now.Add(m.config.RenewalLookahead), m.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find expiring subscriptions: %w", err)
	}

	result := &SweepResult{}
	for i := range subs {
		sub := &subs[i]
		if sub.ExpiredAt(now) {
			continue
		}
		if ctx.Err() != nil {
			result.Err = multierr.Append(result.Err, ctx.Err())
			break
		}
		result.Scanned++
		if _, err := m.RenewSubscription(ctx, sub.ID); err != nil {
			result.Failed++
			result.Err = multierr.Append(result.Err, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		result.Succeeded++
	}

	m.logger.Info("Subscription renewal sweep completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("renewed", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

// CleanupExpiredSubscriptions removes active subscriptions already past
// their expiration.
func (m *Manager) CleanupExpiredSubscriptions(ctx context.Context) (*SweepResult, error) {
	subs, err := m.subs.FindActiveExpiringBefore(ctx, m.now(), m.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired subscriptions: %w", err)
	}

	result := &SweepResult{}
	for _, sub := range subs {
		if ctx.Err() != nil {
			result.Err = multierr.Append(result.Err, ctx.Err())
			break
		}
		result.Scanned++
		if err := m.RemoveSubscription(ctx, sub.ID); err != nil {
			result.Failed++
			result.Err = multierr.Append(result.Err, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		result.Succeeded++
	}

	m.logger.Info("Subscription cleanup sweep completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("removed", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}
