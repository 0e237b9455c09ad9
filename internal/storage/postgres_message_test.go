package storage

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

func strPtr(s string) *string { return &s }

func TestPostgresRepo_CreateMessageWithAggregates_Inbound(t *testing.T) {
	gormDB, mock, teardown := newMockDB(t)
	t.Cleanup(teardown)
	repo := &PostgresRepo{db: gormDB}
	ctx := tenantCtx()

	message := model.Message{
		ID:               "msg-1",
		ConversationID:   "conv-1",
		ClinicID:         testClinicID,
		Direction:        model.MessageDirectionInbound,
		Kind:             model.MessageKindText,
		Content:          "Oi",
		GatewayMessageID: strPtr("ABC123"),
		Status:           model.MessageStatusSent,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Inbound bumps the unread counter alongside preview and timestamp
	mock.ExpectExec(`UPDATE "conversations" SET .*unread_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := repo.CreateMessageWithAggregates(ctx, message)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", saved.ID)
	assert.Equal(t, model.MessageStatusSent, saved.Status)
}

func TestPostgresRepo_CreateMessageWithAggregates_OutboundSkipsUnread(t *testing.T) {
	gormDB, mock, teardown := newMockDB(t)
	t.Cleanup(teardown)
	repo := &PostgresRepo{db: gormDB}
	ctx := tenantCtx()

	message := model.Message{
		ID:             "msg-out-1",
		ConversationID: "conv-1",
		ClinicID:       testClinicID,
		Direction:      model.MessageDirectionOutbound,
		Kind:           model.MessageKindText,
		Content:        "Confirmado, até amanhã",
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "conversations" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := repo.CreateMessageWithAggregates(ctx, message)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDirectionOutbound, saved.Direction)
}

func TestPostgresRepo_CreateMessageWithAggregates_Redelivery(t *testing.T) {
	gormDB, mock, teardown := newMockDB(t)
	t.Cleanup(teardown)
	repo := &PostgresRepo{db: gormDB}
	ctx := tenantCtx()

	message := model.Message{
		ID:               "msg-dup",
		ConversationID:   "conv-1",
		ClinicID:         testClinicID,
		Direction:        model.MessageDirectionInbound,
		Kind:             model.MessageKindText,
		Content:          "Oi",
		GatewayMessageID: strPtr("ABC123"),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_messages_clinic_gateway_id"})
	// Duplicate is absorbed: no aggregate update, transaction commits clean
	mock.ExpectCommit()

	existingCols := []string{"id", "conversation_id", "clinic_id", "direction", "kind", "content", "gateway_message_id", "status"}
	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE gateway_message_id =`).
		WillReturnRows(sqlmock.NewRows(existingCols).
			AddRow("msg-original", "conv-1", testClinicID, "inbound", "text", "Oi", "ABC123", "sent"))

	saved, err := repo.CreateMessageWithAggregates(ctx, message)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	require.NotNil(t, saved)
	assert.Equal(t, "msg-original", saved.ID)
}

func TestPostgresRepo_CreateMessageWithAggregates_TenantMismatch(t *testing.T) {
	gormDB, _, teardown := newMockDB(t)
	t.Cleanup(teardown)
	repo := &PostgresRepo{db: gormDB}
	ctx := tenantCtx()

	message := model.Message{ID: "msg-x", ClinicID: "other-clinic"}
	_, err := repo.CreateMessageWithAggregates(ctx, message)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestPostgresRepo_UpdateMessageStatusByGatewayID(t *testing.T) {
	t.Run("Applies Forward Transition", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		cols := []string{"id", "conversation_id", "clinic_id", "direction", "kind", "status", "gateway_message_id"}
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "messages" WHERE gateway_message_id = .* FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("msg-1", "conv-1", testClinicID, "outbound", "text", "sent", "ABC123"))
		// A delivery ack touches status and updated_at only, never read_at
		mock.ExpectExec(`UPDATE "messages" SET "status"=.*"updated_at"=`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := repo.UpdateMessageStatusByGatewayID(ctx, "ABC123", model.MessageStatusDelivered)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusDelivered, updated.Status)
		assert.Nil(t, updated.ReadAt)
	})

	t.Run("Read Stamps ReadAt", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		cols := []string{"id", "conversation_id", "clinic_id", "direction", "kind", "status", "gateway_message_id"}
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "messages" WHERE gateway_message_id = .* FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("msg-1", "conv-1", testClinicID, "outbound", "text", "delivered", "ABC123"))
		mock.ExpectExec(`UPDATE "messages" SET "read_at"=.*"status"=.*"updated_at"=`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := repo.UpdateMessageStatusByGatewayID(ctx, "ABC123", model.MessageStatusRead)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusRead, updated.Status)
		require.NotNil(t, updated.ReadAt)
		assert.False(t, updated.ReadAt.IsZero())
	})

	t.Run("Ignores Stale Ack", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		cols := []string{"id", "conversation_id", "clinic_id", "direction", "kind", "status", "gateway_message_id"}
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "messages" WHERE gateway_message_id = .* FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("msg-1", "conv-1", testClinicID, "outbound", "text", "read", "ABC123"))
		// No UPDATE expected, the read status outranks delivered
		mock.ExpectCommit()

		updated, err := repo.UpdateMessageStatusByGatewayID(ctx, "ABC123", model.MessageStatusDelivered)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusRead, updated.Status)
	})

	t.Run("Unknown Gateway ID", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "messages" WHERE gateway_message_id = .* FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := repo.UpdateMessageStatusByGatewayID(ctx, "GHOST", model.MessageStatusDelivered)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgresRepo_ClaimMediaProcessing(t *testing.T) {
	t.Run("Claims Pending Row", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		mock.ExpectExec(`UPDATE "messages" SET .*media_processing_status`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		claimed, err := repo.ClaimMediaProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("Already Held Or Terminal", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		mock.ExpectExec(`UPDATE "messages" SET .*media_processing_status`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		claimed, err := repo.ClaimMediaProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestPostgresRepo_UpdateMessageMedia(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		media := model.MessageMedia{
			MimeType:         "image/jpeg",
			Size:             204800,
			ProcessingStatus: model.MediaStatusCompleted,
			Payload:          "data:image/jpeg;base64,AAAA",
		}

		mock.ExpectExec(`UPDATE "messages" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateMessageMedia(ctx, "msg-1", media)
		assert.NoError(t, err)
	})

	t.Run("Not Found", func(t *testing.T) {
		gormDB, mock, teardown := newMockDB(t)
		t.Cleanup(teardown)
		repo := &PostgresRepo{db: gormDB}
		ctx := tenantCtx()

		mock.ExpectExec(`UPDATE "messages" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateMessageMedia(ctx, "msg-ghost", model.MessageMedia{ProcessingStatus: model.MediaStatusFailed})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgresRepo_FindStalledMedia(t *testing.T) {
	gormDB, mock, teardown := newMockDB(t)
	t.Cleanup(teardown)
	repo := &PostgresRepo{db: gormDB}
	ctx := tenantCtx()

	cols := []string{"id", "clinic_id", "kind", "media_processing_status"}
	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE clinic_id = .*media_processing_status IN`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("msg-1", testClinicID, "image", "pending").
			AddRow("msg-2", testClinicID, "audio", "failed"))

	messages, err := repo.FindStalledMedia(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, model.MediaStatusPending, messages[0].Media.ProcessingStatus)
	assert.Equal(t, model.MediaStatusFailed, messages[1].Media.ProcessingStatus)
}
