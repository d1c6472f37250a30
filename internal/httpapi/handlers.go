package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/logger"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/webhook"
)

type authorizeRequest struct {
	PlatformData map[string]interface{} `json:"platformData"`
}

type connectionResponse struct {
	ConnectionID string                  `json:"connectionId"`
	Status       models.ConnectionStatus `json:"status"`
	PlatformType models.PlatformType     `json:"platformType"`
	DisplayName  string                  `json:"displayName"`
}

type registerResourceRequest struct {
	ResourceID string `json:"resourceId" binding:"required"`
	Name       string `json:"name"`
}

type resourceResponse struct {
	ID                    string  `json:"id"`
	ConnectionID          string  `json:"connectionId"`
	ResourceID            string  `json:"resourceId"`
	Name                  string  `json:"name"`
	SyncEnabled           bool    `json:"syncEnabled"`
	WebhookSubscriptionID *string `json:"webhookSubscriptionId,omitempty"`
}

type subscriptionResponse struct {
	ID                     string    `json:"id"`
	ConnectionID           string    `json:"connectionId"`
	ResourceID             string    `json:"resourceId"`
	ExternalSubscriptionID string    `json:"externalSubscriptionId"`
	ExternalResourceID     string    `json:"externalResourceId"`
	Expiration             time.Time `json:"expiration"`
	IsActive               bool      `json:"isActive"`
}

func newSubscriptionResponse(sub *models.WebhookSubscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                     sub.ID,
		ConnectionID:           sub.ConnectionID,
		ResourceID:             sub.ResourceID,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		ExternalResourceID:     sub.ExternalResourceID,
		Expiration:             sub.Expiration,
		IsActive:               sub.IsActive,
	}
}

func (s *Server) authorize(c *gin.Context) {
	platform, ok := models.ParsePlatformType(c.Param("platform"))
	if !ok {
		badRequest(c, "unknown platform")
		return
	}

	userID := c.GetHeader("X-User-ID")
	tenantID := c.GetHeader("X-Tenant-ID")
	if userID == "" || tenantID == "" {
		badRequest(c, "X-User-ID and X-Tenant-ID headers are required")
		return
	}

	var req authorizeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	cfg, err := s.configs.PlatformConfig(platform)
	if err != nil {
		writeError(c, err)
		return
	}

	authURL, err := s.oauth.GenerateAuthorizationURL(c.Request.Context(), platform, cfg, userID, tenantID, req.PlatformData)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, authURL)
}

func (s *Server) callback(c *gin.Context) {
	conn, err := s.oauth.CompleteAuthorization(c.Request.Context(), oauth.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, connectionResponse{
		ConnectionID: conn.ID,
		Status:       conn.Status,
		PlatformType: conn.PlatformType,
		DisplayName:  conn.DisplayName,
	})
}

// revokeConnection stops the connection's push channels while its token is
// still usable, then revokes it. Channel cleanup failures do not block the
// revoke.
func (s *Server) revokeConnection(c *gin.Context) {
	ctx := c.Request.Context()
	connectionID := c.Param("id")

	result, err := s.webhooks.RemoveConnectionSubscriptions(ctx, connectionID)
	switch {
	case err != nil:
		logger.FromContext(ctx).Warn("Failed to remove subscriptions before revoke",
			zap.String("connection_id", connectionID), zap.Error(err))
	case result.Err != nil:
		logger.FromContext(ctx).Warn("Some subscriptions were not removed before revoke",
			zap.String("connection_id", connectionID), zap.Int("failed", result.Failed), zap.Error(result.Err))
	}

	if err := s.oauth.RevokeConnection(ctx, connectionID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testConnection(c *gin.Context) {
	if err := s.oauth.TestConnection(c.Request.Context(), c.Param("id")); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) registerResource(c *gin.Context) {
	var req registerResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "resourceId is required")
		return
	}

	res, created, err := s.webhooks.RegisterResource(c.Request.Context(), c.Param("id"), req.ResourceID, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, resourceResponse{
		ID:                    res.ID,
		ConnectionID:          res.ConnectionID,
		ResourceID:            res.ResourceID,
		Name:                  res.Name,
		SyncEnabled:           res.SyncEnabled,
		WebhookSubscriptionID: res.WebhookSubscriptionID,
	})
}

func (s *Server) setupSubscription(c *gin.Context) {
	sub, err := s.webhooks.SetupSubscription(c.Request.Context(), c.Param("id"), c.Param("resourceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSubscriptionResponse(sub))
}

func (s *Server) requestSync(c *gin.Context) {
	outcome, op, err := s.webhooks.RequestSync(c.Request.Context(), c.Param("id"), c.Param("resourceId"), models.SyncTypeManual)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"outcome": outcome}
	if op != nil {
		resp["operationId"] = op.ID
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) renewSubscription(c *gin.Context) {
	sub, err := s.webhooks.RenewSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if sub == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, newSubscriptionResponse(sub))
}

func (s *Server) removeSubscription(c *gin.Context) {
	if err := s.webhooks.RemoveSubscription(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// receiveWebhook answers 200 for everything except a bad signature or an
// oversized body, so the provider does not retry dropped notifications.
func (s *Server) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWebhookBody+1))
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	if len(body) > MaxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	n := webhook.NotificationFromRequest(c.Request.Header, body)
	outcome, err := s.webhooks.HandleNotification(c.Request.Context(), n, c.GetHeader(webhook.HeaderSignature))

	var sigErr *webhook.SignatureValidationError
	if errors.As(err, &sigErr) {
		writeError(c, err)
		return
	}
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Webhook handling failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (s *Server) tokenHealth(c *gin.Context) {
	health, err := s.tokens.GetTokenHealthStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) refreshTokens(c *gin.Context) {
	result, err := s.tokens.TriggerNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"result": result}
	if result.Err != nil {
		resp["errors"] = result.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
