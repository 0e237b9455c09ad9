package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/config"
	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

const (
	// How long one retrieval may hold the per-message lock before it is
	// presumed dead and the sweep may retake the row.
	mediaLockTTL = 2 * time.Minute

	// Upper bound for one retrieval round trip including transcoding.
	mediaFetchTimeout = 90 * time.Second
)

// MediaTask is one asynchronous media retrieval request.
type MediaTask struct {
	ClinicID  string
	MessageID string
	Kind      string
}

// MediaFetcher is the slice of the gateway client the worker needs.
type MediaFetcher interface {
	FetchBase64ForMessage(ctx context.Context, instance, gatewayMessageID string, convertToMp4 bool) (*gateway.Base64Media, error)
}

// MediaLocker serializes retrieval attempts per message across replicas.
type MediaLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// RedisLocker implements MediaLocker on a shared redis instance.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a redis-backed media lock.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// AcquireLock takes the lock with SET NX. false means another replica holds it.
func (l *RedisLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, apperrors.NewRetryable(err, "failed to acquire media lock %s", key)
	}
	return ok, nil
}

// ReleaseLock drops the lock. Expiry covers the failure path, so errors are
// reported but not fatal.
func (l *RedisLocker) ReleaseLock(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return apperrors.NewRetryable(err, "failed to release media lock %s", key)
	}
	return nil
}

// MediaWorker executes media retrieval tasks on a bounded ants pool. A task
// failure marks the row failed and never propagates to the webhook response;
// the sweep retries failed and stalled-pending rows later.
type MediaWorker struct {
	pool        *ants.PoolWithFunc
	messages    storage.MessageRepo
	connections storage.ConnectionRepo
	fetcher     MediaFetcher
	locker      MediaLocker
	publisher   ChangePublisher
	maxEncoded  int64
}

// NewMediaWorker creates the worker and its pool.
func NewMediaWorker(
	cfg config.MediaWorkerPoolConfig,
	maxEncodedBytes int64,
	messages storage.MessageRepo,
	connections storage.ConnectionRepo,
	fetcher MediaFetcher,
	locker MediaLocker,
	publisher ChangePublisher,
) (*MediaWorker, error) {
	w := &MediaWorker{
		messages:    messages,
		connections: connections,
		fetcher:     fetcher,
		locker:      locker,
		publisher:   publisher,
		maxEncoded:  maxEncodedBytes,
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize,
		func(payload interface{}) {
			task, ok := payload.(MediaTask)
			if !ok {
				logger.Log.Error("Media pool received unexpected payload type")
				return
			}
			w.run(task)
		},
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithLogger(newAntsLoggerAdapter(logger.Log.Named("media_pool"))),
		ants.WithPanicHandler(func(r interface{}) {
			logger.Log.Error("Media worker panic caught", zap.Any("panic", r), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create media worker pool: %w", err)
	}
	w.pool = pool
	observer.SetMediaWorkersActive(cfg.PoolSize)
	logger.Log.Info("Media worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
		zap.Duration("max_block_time", cfg.MaxBlock))
	return w, nil
}

// Submit queues a retrieval task. The caller treats a non-nil error as "row
// stays pending for the sweep", never as a processing failure.
func (w *MediaWorker) Submit(task MediaTask) error {
	observer.IncMediaTasksSubmitted(task.ClinicID)
	if err := w.pool.Invoke(task); err != nil {
		return apperrors.NewRetryable(err, "media pool rejected task for message %s", task.MessageID)
	}
	return nil
}

// Close drains the pool.
func (w *MediaWorker) Close() {
	w.pool.Release()
	observer.SetMediaWorkersActive(0)
}

func (w *MediaWorker) run(task MediaTask) {
	ctx, cancel := context.WithTimeout(context.Background(), mediaFetchTimeout)
	defer cancel()
	ctx = tenant.WithClinicID(ctx, task.ClinicID)
	log := logger.Log.With(
		zap.String("clinic_id", task.ClinicID),
		zap.String("message_id", task.MessageID),
	)
	ctx = logger.WithLogger(ctx, log)

	start := time.Now()
	status, err := w.Retrieve(ctx, task)
	observer.ObserveMediaProcessingDuration(task.ClinicID, time.Since(start))
	observer.IncMediaTasksProcessed(task.ClinicID, status)
	if err != nil {
		log.Warn("Media retrieval failed", zap.String("outcome", status), zap.Error(err))
	}
}

// Retrieval outcomes reported to metrics and the sweep.
const (
	mediaOutcomeCompleted = "completed"
	mediaOutcomeFailed    = "failed"
	mediaOutcomeSkipped   = "skipped"
)

// Retrieve performs one retrieval attempt synchronously. It is also the
// sweep's entry point, so every outcome is independent: a failure marks the
// row failed and returns the cause without affecting sibling tasks.
func (w *MediaWorker) Retrieve(ctx context.Context, task MediaTask) (string, error) {
	log := logger.FromContext(ctx)

	lockKey := fmt.Sprintf("media:lock:%s:%s", task.ClinicID, task.MessageID)
	acquired, err := w.locker.AcquireLock(ctx, lockKey, mediaLockTTL)
	if err != nil {
		return mediaOutcomeFailed, err
	}
	if !acquired {
		log.Debug("Media retrieval already in flight elsewhere")
		return mediaOutcomeSkipped, nil
	}
	defer func() {
		if err := w.locker.ReleaseLock(ctx, lockKey); err != nil {
			log.Warn("Failed to release media lock", zap.Error(err))
		}
	}()

	claimed, err := w.messages.ClaimMediaProcessing(ctx, task.MessageID)
	if err != nil {
		return mediaOutcomeFailed, err
	}
	if !claimed {
		// Row is no longer pending or failed, nothing to do
		return mediaOutcomeSkipped, nil
	}

	msg, err := w.messages.FindByID(ctx, task.MessageID)
	if err != nil {
		return mediaOutcomeFailed, err
	}
	if msg.GatewayMessageID == nil || *msg.GatewayMessageID == "" {
		return mediaOutcomeFailed, w.markFailed(ctx, msg,
			apperrors.NewFatal(apperrors.ErrBadRequest, "message %s has no gateway id to fetch media by", msg.ID))
	}

	conn, err := w.connections.FindByClinicID(ctx, task.ClinicID)
	if err != nil {
		return mediaOutcomeFailed, w.markFailed(ctx, msg, err)
	}

	convertToMp4 := msg.Kind == model.MessageKindVideo
	content, err := w.fetcher.FetchBase64ForMessage(ctx, conn.InstanceID, *msg.GatewayMessageID, convertToMp4)
	if err != nil {
		return mediaOutcomeFailed, w.markFailed(ctx, msg, err)
	}

	if int64(len(content.Base64)) > w.maxEncoded {
		observer.IncMediaOversize(task.ClinicID)
		return mediaOutcomeFailed, w.markFailed(ctx, msg,
			apperrors.NewFatal(apperrors.ErrOversize, "media for message %s is %d bytes encoded, cap is %d", msg.ID, len(content.Base64), w.maxEncoded))
	}

	media := msg.Media
	media.ProcessingStatus = model.MediaStatusCompleted
	media.Payload = composeDataURI(pickMimeType(media.MimeType, content.MimeType), content.Base64)
	if media.MimeType == "" {
		media.MimeType = content.MimeType
	}
	if media.Size == 0 {
		media.Size = content.Size
	}
	if err := w.messages.UpdateMediaState(ctx, msg.ID, media); err != nil {
		return mediaOutcomeFailed, err
	}

	w.publishMessageUpdate(ctx, task.ClinicID, msg.ID)
	return mediaOutcomeCompleted, nil
}

// markFailed transitions the row to failed so the sweep can retry it, and
// returns the original cause.
func (w *MediaWorker) markFailed(ctx context.Context, msg *model.Message, cause error) error {
	media := msg.Media
	media.ProcessingStatus = model.MediaStatusFailed
	if err := w.messages.UpdateMediaState(ctx, msg.ID, media); err != nil {
		logger.FromContext(ctx).Error("Failed to mark media row failed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	w.publishMessageUpdate(ctx, msg.ClinicID, msg.ID)
	return cause
}

func (w *MediaWorker) publishMessageUpdate(ctx context.Context, clinicID, messageID string) {
	if w.publisher == nil {
		return
	}
	change := model.ChangeNotification{
		ClinicID: clinicID,
		Entity:   model.ChangeEntityMessage,
		EntityID: messageID,
		Action:   model.ChangeActionUpdate,
	}
	if err := w.publisher.PublishChange(ctx, change); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish media change", zap.Error(err))
		observer.IncChangePublishErrors(string(change.Entity), clinicID)
		return
	}
	observer.IncChangeEventsPublished(string(change.Entity), clinicID)
}

func composeDataURI(mimeType, encoded string) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, encoded)
}

func pickMimeType(stored, fetched string) string {
	if fetched != "" {
		return fetched
	}
	return stored
}

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
