package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/validator"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// EventRouter dispatches decoded webhook envelopes.
type EventRouter interface {
	Route(ctx context.Context, envelope *model.WebhookEnvelope) error
}

// WebhookHandler is the gateway-facing ingress. The gateway retries any
// non-2xx response, so the status code is the retry contract: 400 for bodies
// that will never parse, 404 for instances no clinic owns, 500 only for
// faults a retry can heal. Everything else is acknowledged even when the
// event itself was dropped.
type WebhookHandler struct {
	router EventRouter
}

// NewWebhookHandler creates the ingress handler.
func NewWebhookHandler(router EventRouter) *WebhookHandler {
	return &WebhookHandler{router: router}
}

// Handle receives one gateway webhook POST.
func (h *WebhookHandler) Handle(c *gin.Context) {
	var envelope model.WebhookEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook envelope"})
		return
	}
	if err := validator.Validate(envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.router.Route(c.Request.Context(), &envelope)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case apperrors.IsBadRequestError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.IsNotFoundError(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
	case apperrors.IsRetryable(err):
		logger.FromContext(c.Request.Context()).Error("Webhook processing failed, gateway will retry",
			zap.String("event", envelope.Event),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
	default:
		// Fatal but not the caller's fault: retrying the delivery cannot
		// help, so acknowledge and keep the failure in the logs.
		logger.FromContext(c.Request.Context()).Error("Webhook event absorbed after fatal error",
			zap.String("event", envelope.Event),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
