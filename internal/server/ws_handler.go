package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/realtime"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// WSHandler upgrades operator sessions onto the change feed.
type WSHandler struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates the WebSocket handler. Origin checking is done by the
// CORS layer on the ticket request; the upgrade itself accepts any origin.
func NewWSHandler(hub *realtime.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and pumps the change feed until the session
// closes. ClinicAuth already verified the clinicID parameter against the
// token, so the session is bound to exactly that clinic.
func (h *WSHandler) Handle(c *gin.Context) {
	clinicID := c.Param("clinicID")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client
		logger.FromContext(c.Request.Context()).Warn("WebSocket upgrade failed",
			zap.String("clinic_id", clinicID),
			zap.Error(err))
		return
	}

	client := realtime.NewClient(conn, clinicID)
	h.hub.Register(client)
	logger.FromContext(c.Request.Context()).Info("Dashboard session opened",
		zap.String("clinic_id", clinicID),
		zap.String("client_id", client.ID))

	// The request context dies with this handler, so the write loop runs on
	// its own context and exits via Close when the hub unregisters.
	go client.WriteLoop(context.Background())
	client.ReadLoop(func() {
		h.hub.Unregister(client)
		logger.Log.Info("Dashboard session closed",
			zap.String("clinic_id", clinicID),
			zap.String("client_id", client.ID))
	})
}
