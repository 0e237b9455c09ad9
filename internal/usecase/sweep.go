package usecase

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// Rows younger than this are presumed still in flight on a worker and are
// left alone by the sweep.
const sweepMinAge = 5 * time.Minute

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// MediaSweeper retries stalled and failed media retrievals in small paced
// batches so a backlog never floods the gateway.
type MediaSweeper struct {
	messages  storage.MessageRepo
	worker    *MediaWorker
	batchSize int
	itemDelay time.Duration
}

// NewMediaSweeper creates a sweeper bound to the shared media worker.
func NewMediaSweeper(messages storage.MessageRepo, worker *MediaWorker, batchSize int, itemDelay time.Duration) *MediaSweeper {
	if batchSize <= 0 || batchSize > 10 {
		batchSize = 10
	}
	if itemDelay <= 0 {
		itemDelay = 500 * time.Millisecond
	}
	return &MediaSweeper{
		messages:  messages,
		worker:    worker,
		batchSize: batchSize,
		itemDelay: itemDelay,
	}
}

// Sweep retries one batch of the calling clinic's stalled media rows. Items
// run concurrently but launches are paced by itemDelay; each outcome is
// independent. The context must carry the tenant.
func (s *MediaSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	log := logger.FromContext(ctx)

	stalled, err := s.messages.FindStalledMedia(ctx, utils.Now().Add(-sweepMinAge), s.batchSize)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Total: len(stalled)}
	if len(stalled) == 0 {
		return result, nil
	}

	log.Info("Sweeping stalled media rows", zap.Int("count", len(stalled)))

	outcomes := make([]string, len(stalled))
	var wg conc.WaitGroup
	for i, msg := range stalled {
		if i > 0 {
			select {
			case <-time.After(s.itemDelay):
			case <-ctx.Done():
				wg.Wait()
				return result, ctx.Err()
			}
		}
		i, msg := i, msg
		wg.Go(func() {
			outcome, err := s.worker.Retrieve(ctx, MediaTask{
				ClinicID:  msg.ClinicID,
				MessageID: msg.ID,
				Kind:      msg.Kind,
			})
			outcomes[i] = outcome
			if err != nil {
				log.Warn("Sweep retrieval failed",
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		})
	}
	wg.Wait()

	for i, outcome := range outcomes {
		observer.IncMediaSweepItems(stalled[i].ClinicID, outcome)
		switch outcome {
		case mediaOutcomeCompleted:
			result.Processed++
		case mediaOutcomeFailed:
			result.Failed++
		}
	}
	return result, nil
}

// SweepAll runs one sweep per clinic that has a connection row. Used by the
// cron schedule; per-clinic failures are logged and do not stop the pass.
func SweepAll(ctx context.Context, connections storage.ConnectionRepo, sweeper *MediaSweeper) {
	conns, err := connections.FindAll(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to list connections for sweep", zap.Error(err))
		return
	}
	for _, conn := range conns {
		clinicCtx := tenant.WithClinicID(ctx, conn.ClinicID)
		if _, err := sweeper.Sweep(clinicCtx); err != nil {
			logger.FromContext(clinicCtx).Error("Scheduled sweep failed",
				zap.String("clinic_id", conn.ClinicID),
				zap.Error(err))
		}
	}
}
