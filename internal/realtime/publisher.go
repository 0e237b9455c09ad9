package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

// Publisher pushes change notifications onto NATS. Subjects are
// <prefix>.<clinic_id>.<entity>, so consumers can subscribe per clinic or per
// entity with ordinary wildcards.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher creates a change publisher on an established NATS connection.
func NewPublisher(nc *nats.Conn, subjectPrefix string) *Publisher {
	return &Publisher{nc: nc, prefix: subjectPrefix}
}

// ChangeSubject composes the NATS subject for one notification.
func ChangeSubject(prefix, clinicID string, entity model.ChangeEntity) string {
	return fmt.Sprintf("%s.%s.%s", prefix, clinicID, entity)
}

// PublishChange implements usecase.ChangePublisher. The notification is a
// cache-invalidation signal, so delivery is fire-and-forget: at-least-once
// semantics come from the caller publishing on every write, not from broker
// acknowledgement.
func (p *Publisher) PublishChange(_ context.Context, change model.ChangeNotification) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return apperrors.NewFatal(err, "failed to encode change notification")
	}
	subject := ChangeSubject(p.prefix, change.ClinicID, change.Entity)
	if err := p.nc.Publish(subject, payload); err != nil {
		return apperrors.NewRetryable(fmt.Errorf("%w: %v", apperrors.ErrBus, err), "failed to publish change on %s", subject)
	}
	return nil
}
