package ingestion

import (
	"github.com/clinicdesk/wa-inbox-service/internal/ingestion/handler"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

// NewWebhookRouter creates a router with the webhook handler registered for
// every dispatched event kind and as the default for everything else.
func NewWebhookRouter(h *handler.WebhookHandler) *Router {
	router := NewRouter()
	router.Register(model.EventMessageUpsert, h.HandleEvent)
	router.Register(model.EventSendAck, h.HandleEvent)
	router.Register(model.EventMessageStatus, h.HandleEvent)
	router.Register(model.EventConnectionUpdate, h.HandleEvent)
	router.Register(model.EventPairingCodeUpdate, h.HandleEvent)
	router.RegisterDefault(h.HandleUnknown)
	return router
}
