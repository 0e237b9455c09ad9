package ingestion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// EventHandler defines a function that processes one webhook event
type EventHandler func(ctx context.Context, kind model.EventKind, envelope *model.WebhookEnvelope) error

// RouterInterface allows mocking the router in tests
type RouterInterface interface {
	Register(kind model.EventKind, handler EventHandler)
	RegisterDefault(handler EventHandler)
	Route(ctx context.Context, envelope *model.WebhookEnvelope) error
}

// Router routes webhook events to the appropriate handler based on the
// normalized event kind
type Router struct {
	// Map of event kind to handler
	handlers map[model.EventKind]EventHandler
	// Default handler for unknown event kinds
	defaultHandler EventHandler
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[model.EventKind]EventHandler),
	}
}

// Register registers a handler for an event kind
func (r *Router) Register(kind model.EventKind, handler EventHandler) {
	r.handlers[kind] = handler
}

// RegisterDefault registers a handler for unknown event kinds
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route dispatches one webhook envelope. Unknown event kinds go to the
// default handler, which acknowledges them: the gateway retries on non-2xx
// and an event this service never handles must not loop forever.
func (r *Router) Route(ctx context.Context, envelope *model.WebhookEnvelope) error {
	log := logger.FromContext(ctx).With(
		zap.String("event", envelope.Event),
		zap.String("instance_id", envelope.Instance),
	)
	ctx = logger.WithLogger(ctx, log)

	kind, known := model.NormalizeEventKind(envelope.Event)
	observer.IncWebhookEventsReceived(string(kind), "")

	log.Info("Webhook event received",
		zap.String("kind", string(kind)),
		zap.String("payload_size", utils.ByteCountSI(len(envelope.Data))),
	)

	handler, ok := r.handlers[kind]
	if !known || !ok {
		if r.defaultHandler != nil {
			return r.defaultHandler(ctx, kind, envelope)
		}
		log.Warn("No handler registered for event kind, acknowledging")
		observer.IncWebhookEventsDropped(string(kind), "", "no_handler")
		return nil
	}

	start := time.Now()
	err := handler(ctx, kind, envelope)
	observer.ObserveWebhookProcessingDuration(string(kind), "", time.Since(start))
	if err != nil {
		observer.IncWebhookEventsFailed(string(kind), "")
		return err
	}
	observer.IncWebhookEventsProcessed(string(kind), "")
	return nil
}
