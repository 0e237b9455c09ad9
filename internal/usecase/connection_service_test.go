package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/cache"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	storagemock "github.com/clinicdesk/wa-inbox-service/internal/storage/mock"
)

type probeControllerStub struct {
	mu      sync.Mutex
	paused  []string
	resumed []string
}

func (p *probeControllerStub) Pause(clinicID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = append(p.paused, clinicID)
}

func (p *probeControllerStub) Resume(clinicID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, clinicID)
}

type connectionFixture struct {
	connections *storagemock.ConnectionRepoMock
	gateway     *gatewayMock
	probes      *probeControllerStub
	resolver    *cache.ResolverCache
	service     *ConnectionService
}

func newConnectionFixture() *connectionFixture {
	f := &connectionFixture{
		connections: new(storagemock.ConnectionRepoMock),
		gateway:     new(gatewayMock),
		probes:      &probeControllerStub{},
		resolver:    cache.NewResolverCache(time.Minute),
	}
	f.service = NewConnectionService(f.connections, f.gateway, f.probes, f.resolver, "https://inbox.example.com/")
	return f
}

func TestConnectionService_Register(t *testing.T) {
	f := newConnectionFixture()
	f.resolver.Put(fxInstanceID, "stale-clinic")

	f.gateway.On("InstanceExists", mock.Anything, fxInstanceID).Return(true, nil).Once()
	f.connections.On("Upsert", mock.Anything, mock.MatchedBy(func(c model.Connection) bool {
		return c.ClinicID == fxClinicID && c.Status == model.ConnectionStatusDisconnected
	})).Return(nil).Once()
	f.gateway.On("SetWebhook", mock.Anything, fxInstanceID, "https://inbox.example.com/webhook/whatsapp", webhookEventKinds).
		Return(nil).Once()

	err := f.service.Register(context.Background(), model.Connection{
		ClinicID:   fxClinicID,
		InstanceID: fxInstanceID,
	})
	require.NoError(t, err)

	// The stale resolver mapping is gone
	_, found := f.resolver.Get(fxInstanceID)
	assert.False(t, found)
	assert.Equal(t, []string{fxClinicID}, f.probes.resumed)
	f.gateway.AssertExpectations(t)
}

func TestConnectionService_RegisterUnknownInstance(t *testing.T) {
	f := newConnectionFixture()
	f.gateway.On("InstanceExists", mock.Anything, "ghost-inst").Return(false, nil).Once()

	err := f.service.Register(context.Background(), model.Connection{
		ClinicID:   fxClinicID,
		InstanceID: "ghost-inst",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
	f.connections.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestConnectionService_ActivateDeactivate(t *testing.T) {
	f := newConnectionFixture()
	f.connections.On("FindByClinicID", mock.Anything, fxClinicID).
		Return(&model.Connection{ClinicID: fxClinicID, InstanceID: fxInstanceID}, nil).Twice()

	require.NoError(t, f.service.Activate(context.Background(), fxClinicID))
	require.NoError(t, f.service.Deactivate(context.Background(), fxClinicID))

	assert.Equal(t, []string{fxClinicID}, f.probes.resumed)
	assert.Equal(t, []string{fxClinicID}, f.probes.paused)
}

func TestConnectionService_ActivateUnknownClinic(t *testing.T) {
	f := newConnectionFixture()
	f.connections.On("FindByClinicID", mock.Anything, "ghost-clinic").
		Return(nil, apperrors.ErrNotFound).Once()

	err := f.service.Activate(context.Background(), "ghost-clinic")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
	assert.Empty(t, f.probes.resumed)
}

func TestConnectionService_RegisterWebhooksSkipsFailures(t *testing.T) {
	f := newConnectionFixture()
	f.connections.On("FindAll", mock.Anything).Return([]model.Connection{
		{ClinicID: "clinic-a", InstanceID: "inst-a"},
		{ClinicID: "clinic-b", InstanceID: "inst-b"},
	}, nil).Once()

	f.gateway.On("SetWebhook", mock.Anything, "inst-a", mock.Anything, mock.Anything).
		Return(apperrors.ErrGateway).Once()
	f.gateway.On("SetWebhook", mock.Anything, "inst-b", mock.Anything, mock.Anything).
		Return(nil).Once()

	// inst-a failing must not stop inst-b from registering
	f.service.RegisterWebhooks(context.Background())
	f.gateway.AssertExpectations(t)
}
