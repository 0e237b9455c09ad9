package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

func TestSweep_EmptyBacklog(t *testing.T) {
	f := newWorkerFixture(10 * 1024 * 1024)
	f.messages.On("FindStalledMedia", mock.Anything, mock.Anything, 10).
		Return([]model.Message{}, nil).Once()

	sweeper := NewMediaSweeper(f.messages, f.worker, 10, time.Millisecond)
	result, err := sweeper.Sweep(workerCtx())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

func TestSweep_IndependentOutcomes(t *testing.T) {
	f := newWorkerFixture(10 * 1024 * 1024)

	good := pendingMediaMessage("msg-good", model.MessageKindImage)
	bad := pendingMediaMessage("msg-bad", model.MessageKindImage)
	f.messages.On("FindStalledMedia", mock.Anything, mock.Anything, 10).
		Return([]model.Message{*good, *bad}, nil).Once()

	for _, msg := range []*model.Message{good, bad} {
		f.messages.On("ClaimMediaProcessing", mock.Anything, msg.ID).Return(true, nil).Once()
		f.messages.On("FindByID", mock.Anything, msg.ID).Return(msg, nil).Once()
	}
	f.connections.On("FindByClinicID", mock.Anything, fxClinicID).
		Return(&model.Connection{ClinicID: fxClinicID, InstanceID: fxInstanceID}, nil).Twice()

	f.fetcher.On("FetchBase64ForMessage", mock.Anything, fxInstanceID, "GW-msg-good", false).
		Return(&gateway.Base64Media{Base64: "b2s=", MimeType: "image/jpeg"}, nil).Once()
	f.fetcher.On("FetchBase64ForMessage", mock.Anything, fxInstanceID, "GW-msg-bad", false).
		Return(nil, apperrors.ErrGateway).Once()

	f.messages.On("UpdateMediaState", mock.Anything, "msg-good", mock.MatchedBy(func(m model.MessageMedia) bool {
		return m.ProcessingStatus == model.MediaStatusCompleted
	})).Return(nil).Once()
	f.messages.On("UpdateMediaState", mock.Anything, "msg-bad", mock.MatchedBy(func(m model.MessageMedia) bool {
		return m.ProcessingStatus == model.MediaStatusFailed
	})).Return(nil).Once()
	f.publisher.On("PublishChange", mock.Anything, mock.Anything).Return(nil).Twice()

	sweeper := NewMediaSweeper(f.messages, f.worker, 10, time.Millisecond)
	result, err := sweeper.Sweep(workerCtx())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Processed: 1, Failed: 1, Total: 2}, result)
	f.messages.AssertExpectations(t)
}

func TestNewMediaSweeper_ClampsBatchSize(t *testing.T) {
	f := newWorkerFixture(10 * 1024 * 1024)

	sweeper := NewMediaSweeper(f.messages, f.worker, 50, 0)
	assert.Equal(t, 10, sweeper.batchSize)
	assert.Equal(t, 500*time.Millisecond, sweeper.itemDelay)

	sweeper = NewMediaSweeper(f.messages, f.worker, 3, time.Second)
	assert.Equal(t, 3, sweeper.batchSize)
}
