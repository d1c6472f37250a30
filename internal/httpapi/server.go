// Package httpapi exposes the authorization handshake, inbound webhooks,
// and connection administration over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/logger"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/scheduler"
	"github.com/vipul43/connsync/internal/webhook"
)

// MaxWebhookBody caps inbound notification bodies
const MaxWebhookBody = 64 << 10

type OAuthService interface {
	GenerateAuthorizationURL(ctx context.Context, platform models.PlatformType, cfg *oauth.PlatformConfig, userID, tenantID string, platformData map[string]interface{}) (*oauth.AuthorizationURL, error)
	CompleteAuthorization(ctx context.Context, params oauth.CallbackParams) (*models.Connection, error)
	RevokeConnection(ctx context.Context, connectionID string) error
	TestConnection(ctx context.Context, connectionID string) error
}

type WebhookService interface {
	RegisterResource(ctx context.Context, connectionID, resourceID, name string) (*models.WatchedResource, bool, error)
	SetupSubscription(ctx context.Context, connectionID, resourceID string) (*models.WebhookSubscription, error)
	RenewSubscription(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error)
	RemoveSubscription(ctx context.Context, subscriptionID string) error
	RemoveConnectionSubscriptions(ctx context.Context, connectionID string) (*webhook.SweepResult, error)
	HandleNotification(ctx context.Context, n webhook.Notification, signature string) (webhook.Outcome, error)
	RequestSync(ctx context.Context, connectionID, resourceID string, opType models.SyncOperationType) (webhook.Outcome, *models.SyncOperation, error)
}

type TokenAdmin interface {
	GetTokenHealthStatus(ctx context.Context) (repository.TokenHealthCounts, error)
	TriggerNow(ctx context.Context) (*scheduler.SweepResult, error)
}

type Server struct {
	oauth    OAuthService
	configs  oauth.ConfigProvider
	webhooks WebhookService
	tokens   TokenAdmin
	logger   *zap.Logger
}

func NewServer(oauthSvc OAuthService, configs oauth.ConfigProvider, webhooks WebhookService, tokens TokenAdmin, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		oauth:    oauthSvc,
		configs:  configs,
		webhooks: webhooks,
		tokens:   tokens,
		logger:   log,
	}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(logger.GinMiddleware(s.logger), logger.Recovery(s.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	o := r.Group("/oauth")
	o.POST("/:platform/authorize", s.authorize)
	o.GET("/callback", s.callback)

	conns := r.Group("/connections/:id")
	conns.POST("/revoke", s.revokeConnection)
	conns.POST("/test", s.testConnection)
	conns.POST("/resources", s.registerResource)
	conns.POST("/resources/:resourceId/subscription", s.setupSubscription)
	conns.POST("/resources/:resourceId/sync", s.requestSync)

	subs := r.Group("/subscriptions/:id")
	subs.POST("/renew", s.renewSubscription)
	subs.DELETE("", s.removeSubscription)

	r.POST("/webhooks/:platform", s.receiveWebhook)

	admin := r.Group("/admin/tokens")
	admin.GET("/health", s.tokenHealth)
	admin.POST("/refresh", s.refreshTokens)

	return r
}
