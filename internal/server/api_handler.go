package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/usecase"
	"github.com/clinicdesk/wa-inbox-service/internal/validator"
)

// Sweeper retries stalled media rows for the clinic in context.
type Sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepResult, error)
}

// ConnectionOps manages a clinic's gateway link and probe visibility.
type ConnectionOps interface {
	Register(ctx context.Context, conn model.Connection) error
	Activate(ctx context.Context, clinicID string) error
	Deactivate(ctx context.Context, clinicID string) error
}

// OutboundSender sends operator messages through the gateway.
type OutboundSender interface {
	SendText(ctx context.Context, conversationID, text string) (*model.Message, error)
	SendMedia(ctx context.Context, conversationID string, input usecase.SendMediaInput) (*model.Message, error)
}

// ConversationOps exposes the read action on conversations.
type ConversationOps interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// APIHandler serves the clinic-scoped operator routes. Every route runs
// behind ClinicAuth, so the request context already carries the tenant.
type APIHandler struct {
	sweeper       Sweeper
	connections   ConnectionOps
	outbound      OutboundSender
	conversations ConversationOps
}

// NewAPIHandler creates the operator API handler.
func NewAPIHandler(sweeper Sweeper, connections ConnectionOps, outbound OutboundSender, conversations ConversationOps) *APIHandler {
	return &APIHandler{
		sweeper:       sweeper,
		connections:   connections,
		outbound:      outbound,
		conversations: conversations,
	}
}

type registerConnectionRequest struct {
	InstanceID  string `json:"instance_id" validate:"required"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type sendTextRequest struct {
	Text string `json:"text" validate:"required"`
}

// RegisterConnection links the clinic to a gateway instance and registers
// the webhook endpoint on it.
func (h *APIHandler) RegisterConnection(c *gin.Context) {
	var req registerConnectionRequest
	if ok := bindAndValidate(c, &req); !ok {
		return
	}

	conn := model.Connection{
		ClinicID:    c.Param("clinicID"),
		InstanceID:  req.InstanceID,
		PhoneNumber: req.PhoneNumber,
	}
	if err := h.connections.Register(c.Request.Context(), conn); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "registered"})
}

// ActivateConnection resumes health probing for the clinic.
func (h *APIHandler) ActivateConnection(c *gin.Context) {
	if err := h.connections.Activate(c.Request.Context(), c.Param("clinicID")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// DeactivateConnection pauses health probing for the clinic.
func (h *APIHandler) DeactivateConnection(c *gin.Context) {
	if err := h.connections.Deactivate(c.Request.Context(), c.Param("clinicID")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "inactive"})
}

// TriggerSweep retries the clinic's stalled media rows right away instead of
// waiting for the scheduled sweep.
func (h *APIHandler) TriggerSweep(c *gin.Context) {
	result, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SendText sends a plain text message into a conversation.
func (h *APIHandler) SendText(c *gin.Context) {
	var req sendTextRequest
	if ok := bindAndValidate(c, &req); !ok {
		return
	}

	msg, err := h.outbound.SendText(c.Request.Context(), c.Param("conversationID"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// SendMedia sends a media message into a conversation.
func (h *APIHandler) SendMedia(c *gin.Context) {
	var input usecase.SendMediaInput
	if ok := bindAndValidate(c, &input); !ok {
		return
	}

	msg, err := h.outbound.SendMedia(c.Request.Context(), c.Param("conversationID"), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead resets the conversation's unread counter and stamps read_at on
// its unread inbound messages.
func (h *APIHandler) MarkRead(c *gin.Context) {
	if err := h.conversations.MarkConversationRead(c.Request.Context(), c.Param("conversationID")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func bindAndValidate(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return false
	}
	if err := validator.Validate(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// respondError maps application errors onto HTTP statuses for operator
// routes. Unlike the webhook ingress, callers here are humans: they get the
// real reason.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		status = http.StatusConflict
	case apperrors.IsValidationError(err) || apperrors.IsBadRequestError(err):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized) || apperrors.IsGatewayError(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": scrubErrorMessage(err)})
}

// scrubErrorMessage drops the retryable/fatal wrapper prefix from messages
// shown to API callers.
func scrubErrorMessage(err error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "retryable: ")
	msg = strings.TrimPrefix(msg, "fatal: ")
	return msg
}
