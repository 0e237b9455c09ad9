package usecase

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/cache"
	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// webhookEventKinds is the set of gateway events this service subscribes to
// during webhook self-registration.
var webhookEventKinds = []string{
	"MESSAGES_UPSERT",
	"MESSAGES_UPDATE",
	"CONNECTION_UPDATE",
	"QRCODE_UPDATED",
	"SEND_MESSAGE",
}

// ProbeController pauses and resumes health probing for one clinic.
type ProbeController interface {
	Pause(clinicID string)
	Resume(clinicID string)
}

// GatewayAdmin is the slice of the gateway client the connection service needs.
type GatewayAdmin interface {
	InstanceExists(ctx context.Context, instance string) (bool, error)
	ConnectionState(ctx context.Context, instance string) (*gateway.ConnectionStateResult, error)
	SetWebhook(ctx context.Context, instance, url string, events []string) error
}

// ConnectionService manages clinic connection rows and their probe visibility.
type ConnectionService struct {
	connections   storage.ConnectionRepo
	gateway       GatewayAdmin
	probes        ProbeController
	resolver      *cache.ResolverCache
	publicBaseURL string
}

// NewConnectionService creates the connection service. probes may be nil when
// probing is disabled.
func NewConnectionService(
	connections storage.ConnectionRepo,
	gw GatewayAdmin,
	probes ProbeController,
	resolver *cache.ResolverCache,
	publicBaseURL string,
) *ConnectionService {
	return &ConnectionService{
		connections:   connections,
		gateway:       gw,
		probes:        probes,
		resolver:      resolver,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// WebhookURL returns the externally reachable webhook ingress.
func (s *ConnectionService) WebhookURL() string {
	return s.publicBaseURL + "/webhook/whatsapp"
}

// Register binds a clinic to a gateway instance. The instance must exist on
// the gateway; registration also points its webhook at this service and drops
// any stale resolver mapping.
func (s *ConnectionService) Register(ctx context.Context, conn model.Connection) error {
	log := logger.FromContext(ctx)

	exists, err := s.gateway.InstanceExists(ctx, conn.InstanceID)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.NewFatal(apperrors.ErrNotFound, "gateway instance %s does not exist", conn.InstanceID)
	}

	if conn.Status == "" {
		conn.Status = model.ConnectionStatusDisconnected
	}
	if err := s.connections.Upsert(ctx, conn); err != nil {
		return err
	}
	s.resolver.Invalidate(conn.InstanceID)

	if err := s.gateway.SetWebhook(ctx, conn.InstanceID, s.WebhookURL(), webhookEventKinds); err != nil {
		// The row exists; webhook wiring retries on the next startup pass
		log.Warn("Failed to point gateway webhook at this service",
			zap.String("instance_id", conn.InstanceID),
			zap.Error(err))
	}

	if s.probes != nil {
		s.probes.Resume(conn.ClinicID)
	}
	return nil
}

// Activate resumes health probing for a clinic, typically when a dashboard
// session becomes visible.
func (s *ConnectionService) Activate(ctx context.Context, clinicID string) error {
	if _, err := s.connections.FindByClinicID(ctx, clinicID); err != nil {
		return err
	}
	if s.probes != nil {
		s.probes.Resume(clinicID)
	}
	logger.FromContext(ctx).Info("Probing activated", zap.String("clinic_id", clinicID))
	return nil
}

// Deactivate pauses health probing for a clinic. The connection row and
// webhook ingestion are untouched.
func (s *ConnectionService) Deactivate(ctx context.Context, clinicID string) error {
	if _, err := s.connections.FindByClinicID(ctx, clinicID); err != nil {
		return err
	}
	if s.probes != nil {
		s.probes.Pause(clinicID)
	}
	logger.FromContext(ctx).Info("Probing deactivated", zap.String("clinic_id", clinicID))
	return nil
}

// RegisterWebhooks points every known instance's webhook at this service.
// Called once on startup; per-instance failures are logged and skipped so one
// unreachable instance never blocks the rest.
func (s *ConnectionService) RegisterWebhooks(ctx context.Context) {
	log := logger.FromContext(ctx)
	if s.publicBaseURL == "" {
		log.Warn("No public base URL configured, skipping webhook self-registration")
		return
	}

	conns, err := s.connections.FindAll(ctx)
	if err != nil {
		log.Error("Failed to list connections for webhook registration", zap.Error(err))
		return
	}
	for _, conn := range conns {
		if err := s.gateway.SetWebhook(ctx, conn.InstanceID, s.WebhookURL(), webhookEventKinds); err != nil {
			log.Warn("Webhook registration failed for instance",
				zap.String("clinic_id", conn.ClinicID),
				zap.String("instance_id", conn.InstanceID),
				zap.Error(err))
			continue
		}
		log.Info("Webhook registered",
			zap.String("clinic_id", conn.ClinicID),
			zap.String("instance_id", conn.InstanceID))
	}
}
