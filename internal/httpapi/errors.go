package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/logger"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/scheduler"
	"github.com/vipul43/connsync/internal/webhook"
)

func statusFor(err error) int {
	var (
		authErr     *oauth.AuthorizationError
		exchangeErr *oauth.TokenExchangeError
		refreshErr  *oauth.TokenRefreshError
		setupErr    *webhook.WebhookSetupError
		sigErr      *webhook.SignatureValidationError
		triggerErr  *webhook.SyncTriggerError
	)

	switch {
	case errors.As(err, &sigErr):
		return http.StatusUnauthorized
	case errors.As(err, &authErr), errors.Is(err, oauth.ErrPlatformNotConfigured):
		return http.StatusBadRequest
	case errors.As(err, &setupErr):
		if isClientSideSetupFailure(err) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case errors.Is(err, repository.ErrConnectionNotFound),
		errors.Is(err, repository.ErrSubscriptionNotFound),
		errors.Is(err, repository.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConnectionRevoked),
		errors.Is(err, scheduler.ErrSweepInProgress):
		return http.StatusConflict
	case errors.As(err, &exchangeErr), errors.As(err, &refreshErr), errors.As(err, &triggerErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// isClientSideSetupFailure covers setup errors the caller must fix (missing
// resource, dead connection) rather than provider outages.
func isClientSideSetupFailure(err error) bool {
	return errors.Is(err, repository.ErrResourceNotFound) ||
		errors.Is(err, repository.ErrConnectionNotFound) ||
		errors.Is(err, repository.ErrConnectionRevoked) ||
		oauth.IsTerminal(err)
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed", zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
