package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	storagemock "github.com/clinicdesk/wa-inbox-service/internal/storage/mock"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

func init() {
	logger.Log = zap.NewNop()
}

type proberMock struct {
	mock.Mock
}

func (p *proberMock) ConnectionState(ctx context.Context, instance string) (*gateway.ConnectionStateResult, error) {
	args := p.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ConnectionStateResult), args.Error(1)
}

type publisherMock struct {
	mock.Mock
}

func (p *publisherMock) PublishChange(ctx context.Context, change model.ChangeNotification) error {
	args := p.Called(ctx, change)
	return args.Error(0)
}

type managerFixture struct {
	connections *storagemock.ConnectionRepoMock
	prober      *proberMock
	publisher   *publisherMock
	manager     *Manager
}

func newManagerFixture() *managerFixture {
	f := &managerFixture{
		connections: new(storagemock.ConnectionRepoMock),
		prober:      new(proberMock),
		publisher:   new(publisherMock),
	}
	f.manager = NewManager(f.connections, f.prober, f.publisher, DefaultIntervals())
	f.manager.baseCtx, f.manager.stop = context.WithCancel(context.Background())
	return f
}

func TestIntervals_For(t *testing.T) {
	iv := DefaultIntervals()

	assert.Equal(t, 10*time.Minute, iv.For(model.ConnectionStatusConnected))
	assert.Equal(t, 30*time.Second, iv.For(model.ConnectionStatusPairing))
	assert.Equal(t, 2*time.Minute, iv.For(model.ConnectionStatusDisconnected))
	// Error and anything else fall back to the disconnected cadence
	assert.Equal(t, 2*time.Minute, iv.For(model.ConnectionStatusError))
	assert.Equal(t, 2*time.Minute, iv.For("something-new"))
}

func TestManager_ProbeOnce_HealthyConnection(t *testing.T) {
	f := newManagerFixture()

	f.prober.On("ConnectionState", mock.Anything, "inst-clinic-7f3a").
		Return(&gateway.ConnectionStateResult{
			Instance: gateway.ConnectionStateInstance{InstanceName: "inst-clinic-7f3a", State: "open"},
		}, nil)
	f.connections.On("RecordProbeResult", mock.Anything, "clinic-7f3a", mock.MatchedBy(func(r model.ProbeResult) bool {
		return r.Status == model.ConnectionStatusConnected &&
			r.Err == "" &&
			r.NextInterval == 10*time.Minute &&
			!r.CheckedAt.IsZero()
	})).Return(nil)
	f.connections.On("FindByClinicID", mock.Anything, "clinic-7f3a").
		Return(&model.Connection{ClinicID: "clinic-7f3a", Status: model.ConnectionStatusConnected}, nil)
	f.publisher.On("PublishChange", mock.Anything, model.ChangeNotification{
		ClinicID: "clinic-7f3a",
		Entity:   model.ChangeEntityConnection,
		EntityID: "clinic-7f3a",
		Action:   model.ChangeActionUpdate,
	}).Return(nil)

	status := f.manager.probeOnce("clinic-7f3a", "inst-clinic-7f3a")

	assert.Equal(t, model.ConnectionStatusConnected, status)
	// Stored status already matches, nothing to reconcile
	f.connections.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.connections.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func TestManager_ProbeOnce_GatewayDown(t *testing.T) {
	f := newManagerFixture()

	f.prober.On("ConnectionState", mock.Anything, "inst-clinic-7f3a").
		Return(nil, errors.New("connection refused"))
	f.connections.On("RecordProbeResult", mock.Anything, "clinic-7f3a", mock.MatchedBy(func(r model.ProbeResult) bool {
		return r.Status == model.ConnectionStatusError &&
			r.Err == "connection refused" &&
			r.NextInterval == 2*time.Minute
	})).Return(nil)
	f.connections.On("FindByClinicID", mock.Anything, "clinic-7f3a").
		Return(&model.Connection{ClinicID: "clinic-7f3a", Status: model.ConnectionStatusConnected}, nil)
	// A connection last seen healthy gets reconciled to the probed state
	f.connections.On("UpdateStatus", mock.Anything, "clinic-7f3a", model.ConnectionStatusError, "").Return(nil)
	f.publisher.On("PublishChange", mock.Anything, mock.Anything).Return(nil)

	status := f.manager.probeOnce("clinic-7f3a", "inst-clinic-7f3a")

	assert.Equal(t, model.ConnectionStatusError, status)
	f.connections.AssertExpectations(t)
}

func TestManager_ProbeOnce_PairingKeepsTightCadence(t *testing.T) {
	f := newManagerFixture()

	f.prober.On("ConnectionState", mock.Anything, "inst-clinic-7f3a").
		Return(&gateway.ConnectionStateResult{
			Instance: gateway.ConnectionStateInstance{State: "connecting"},
		}, nil)
	f.connections.On("RecordProbeResult", mock.Anything, "clinic-7f3a", mock.MatchedBy(func(r model.ProbeResult) bool {
		return r.Status == model.ConnectionStatusPairing && r.NextInterval == 30*time.Second
	})).Return(nil)
	f.connections.On("FindByClinicID", mock.Anything, "clinic-7f3a").
		Return(&model.Connection{ClinicID: "clinic-7f3a", Status: model.ConnectionStatusPairing}, nil)
	f.publisher.On("PublishChange", mock.Anything, mock.Anything).Return(nil)

	status := f.manager.probeOnce("clinic-7f3a", "inst-clinic-7f3a")

	assert.Equal(t, model.ConnectionStatusPairing, status)
}

func TestManager_ProbeOnce_ReconcilesSilentDisconnect(t *testing.T) {
	f := newManagerFixture()

	// Gateway answers, but the session it reports is gone. The stored row
	// still says connected because no close event ever arrived.
	f.prober.On("ConnectionState", mock.Anything, "inst-clinic-7f3a").
		Return(&gateway.ConnectionStateResult{
			Instance: gateway.ConnectionStateInstance{State: "close"},
		}, nil)
	f.connections.On("RecordProbeResult", mock.Anything, "clinic-7f3a", mock.MatchedBy(func(r model.ProbeResult) bool {
		return r.Status == model.ConnectionStatusDisconnected
	})).Return(nil)
	f.connections.On("FindByClinicID", mock.Anything, "clinic-7f3a").
		Return(&model.Connection{ClinicID: "clinic-7f3a", Status: model.ConnectionStatusConnected}, nil)
	f.connections.On("UpdateStatus", mock.Anything, "clinic-7f3a", model.ConnectionStatusDisconnected, "").Return(nil)
	f.publisher.On("PublishChange", mock.Anything, mock.Anything).Return(nil)

	status := f.manager.probeOnce("clinic-7f3a", "inst-clinic-7f3a")

	assert.Equal(t, model.ConnectionStatusDisconnected, status)
	f.connections.AssertExpectations(t)
}

func TestManager_PauseStopsLoop(t *testing.T) {
	f := newManagerFixture()
	defer f.manager.Stop()

	f.manager.Track("clinic-7f3a", "inst-clinic-7f3a")

	f.manager.Pause("clinic-7f3a")

	f.manager.mu.Lock()
	probe, ok := f.manager.probes["clinic-7f3a"]
	f.manager.mu.Unlock()
	require.True(t, ok)
	assert.True(t, probe.paused)

	// Pausing twice is harmless
	f.manager.Pause("clinic-7f3a")
}

func TestManager_ResumeCatchesUpAfterLongPause(t *testing.T) {
	f := newManagerFixture()
	defer f.manager.Stop()

	probed := make(chan struct{})
	var once sync.Once
	f.prober.On("ConnectionState", mock.Anything, "inst-clinic-7f3a").
		Run(func(mock.Arguments) { once.Do(func() { close(probed) }) }).
		Return(&gateway.ConnectionStateResult{
			Instance: gateway.ConnectionStateInstance{State: "open"},
		}, nil)
	f.connections.On("RecordProbeResult", mock.Anything, "clinic-7f3a", mock.Anything).Return(nil)
	f.connections.On("FindByClinicID", mock.Anything, "clinic-7f3a").
		Return(&model.Connection{ClinicID: "clinic-7f3a", Status: model.ConnectionStatusConnected}, nil)
	f.publisher.On("PublishChange", mock.Anything, mock.Anything).Return(nil)

	f.manager.Track("clinic-7f3a", "inst-clinic-7f3a")
	f.manager.Pause("clinic-7f3a")

	// Never probed before pausing, so resuming fires a probe right away
	f.manager.Resume("clinic-7f3a")

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an immediate probe after resume")
	}
}

func TestManager_ResumeRecentlyProbedClinicWaits(t *testing.T) {
	f := newManagerFixture()
	defer f.manager.Stop()

	f.manager.Track("clinic-7f3a", "inst-clinic-7f3a")
	f.manager.Pause("clinic-7f3a")

	f.manager.mu.Lock()
	f.manager.probes["clinic-7f3a"].lastRun = time.Now()
	f.manager.mu.Unlock()

	f.manager.Resume("clinic-7f3a")

	// No immediate probe: the loop waits out its interval instead
	time.Sleep(50 * time.Millisecond)
	f.prober.AssertNotCalled(t, "ConnectionState", mock.Anything, mock.Anything)
}

func TestManager_ResumeUnknownClinicLooksUpConnection(t *testing.T) {
	f := newManagerFixture()
	defer f.manager.Stop()

	f.connections.On("FindByClinicID", mock.Anything, "clinic-unknown").
		Return(nil, errors.New("not found"))

	f.manager.Resume("clinic-unknown")

	f.manager.mu.Lock()
	_, ok := f.manager.probes["clinic-unknown"]
	f.manager.mu.Unlock()
	assert.False(t, ok)
	f.connections.AssertExpectations(t)
}

func TestManager_StartProbesEveryKnownConnection(t *testing.T) {
	f := newManagerFixture()

	f.connections.On("FindAll", mock.Anything).Return([]model.Connection{
		{ClinicID: "clinic-a", InstanceID: "inst-a", Status: model.ConnectionStatusConnected},
		{ClinicID: "clinic-b", InstanceID: "inst-b", Status: model.ConnectionStatusPairing},
	}, nil)

	require.NoError(t, f.manager.Start(context.Background()))
	defer f.manager.Stop()

	f.manager.mu.Lock()
	assert.Len(t, f.manager.probes, 2)
	f.manager.mu.Unlock()
}
