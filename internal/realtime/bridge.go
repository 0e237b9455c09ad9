package realtime

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// Bridge subscribes to the change subjects and relays every notification to
// the hub. It is what lets replicas fan out each other's writes: the hub only
// knows local sessions, NATS carries the rest.
type Bridge struct {
	nc     *nats.Conn
	hub    *Hub
	prefix string
	sub    *nats.Subscription
}

// NewBridge creates a bridge between NATS and the hub.
func NewBridge(nc *nats.Conn, hub *Hub, subjectPrefix string) *Bridge {
	return &Bridge{nc: nc, hub: hub, prefix: subjectPrefix}
}

// Start subscribes to every clinic's change subjects.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		var change model.ChangeNotification
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			logger.Log.Warn("Discarding malformed change notification",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if change.ClinicID == "" {
			return
		}
		b.hub.Broadcast(change.ClinicID, msg.Data)
	})
	if err != nil {
		return apperrors.NewRetryable(err, "failed to subscribe to change subjects")
	}
	b.sub = sub
	logger.Log.Info("Change feed bridge started", zap.String("subject", b.prefix+".>"))
	return nil
}

// Stop drains the subscription.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
}
