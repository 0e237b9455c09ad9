package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Depado/ginprom"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/config"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// Handlers groups everything the route table needs.
type Handlers struct {
	Webhook *WebhookHandler
	API     *APIHandler
	WS      *WSHandler
}

// Server is the public HTTP surface: the gateway webhook ingress plus the
// clinic-scoped operator API and change feed.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
}

// New builds the engine and wires the route table.
func New(cfg *config.Config, handlers *Handlers) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())

	corsCfg := cors.DefaultConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Server.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Request-ID")
	engine.Use(cors.New(corsCfg))

	if cfg.Metrics.Enabled {
		p := ginprom.New(
			ginprom.Engine(engine),
			ginprom.Subsystem("http"),
			ginprom.Path("/metrics"),
		)
		engine.Use(p.Instrument())
	}

	registerRoutes(engine, cfg, handlers)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
	}
}

func registerRoutes(engine *gin.Engine, cfg *config.Config, h *Handlers) {
	// Canonical ingress plus the path older gateway versions were
	// configured with
	engine.POST("/webhook/whatsapp", h.Webhook.Handle)
	engine.POST("/api/webhook/whatsapp", h.Webhook.Handle)

	clinic := engine.Group("/api/clinics/:clinicID", ClinicAuth(cfg.Auth.JWTSecret))
	{
		clinic.POST("/connection", h.API.RegisterConnection)
		clinic.POST("/connection/activate", h.API.ActivateConnection)
		clinic.POST("/connection/deactivate", h.API.DeactivateConnection)
		clinic.POST("/media/sweep", h.API.TriggerSweep)
		clinic.POST("/conversations/:conversationID/messages/text", h.API.SendText)
		clinic.POST("/conversations/:conversationID/messages/media", h.API.SendMedia)
		clinic.POST("/conversations/:conversationID/read", h.API.MarkRead)
		clinic.GET("/ws", h.WS.Handle)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		logger.Log.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	logger.Log.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}
