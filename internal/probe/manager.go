package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/internal/usecase"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// Intervals is the probe cadence per connection state, plus the catch-up
// threshold applied when a paused clinic resumes.
type Intervals struct {
	Connected    time.Duration
	Pairing      time.Duration
	Disconnected time.Duration
	CatchUpAfter time.Duration
}

// DefaultIntervals returns the standard cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Connected:    10 * time.Minute,
		Pairing:      30 * time.Second,
		Disconnected: 2 * time.Minute,
		CatchUpAfter: 5 * time.Minute,
	}
}

// For returns the probe interval for one connection status. Pairing needs
// tight feedback, a healthy connection barely any.
func (iv Intervals) For(status string) time.Duration {
	switch status {
	case model.ConnectionStatusConnected:
		return iv.Connected
	case model.ConnectionStatusPairing:
		return iv.Pairing
	default:
		return iv.Disconnected
	}
}

// StateProber is the slice of the gateway client probing needs.
type StateProber interface {
	ConnectionState(ctx context.Context, instance string) (*gateway.ConnectionStateResult, error)
}

type clinicProbe struct {
	clinicID   string
	instanceID string
	cancel     context.CancelFunc
	paused     bool
	lastRun    time.Time
}

// Manager runs one probe loop per clinic connection. It implements
// usecase.ProbeController so dashboard visibility can pause and resume loops.
type Manager struct {
	connections storage.ConnectionRepo
	prober      StateProber
	publisher   usecase.ChangePublisher
	intervals   Intervals

	mu      sync.Mutex
	probes  map[string]*clinicProbe
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

var _ usecase.ProbeController = (*Manager)(nil)

// NewManager creates the probe manager.
func NewManager(connections storage.ConnectionRepo, prober StateProber, publisher usecase.ChangePublisher, intervals Intervals) *Manager {
	return &Manager{
		connections: connections,
		prober:      prober,
		publisher:   publisher,
		intervals:   intervals,
		probes:      make(map[string]*clinicProbe),
	}
}

// Start loads every known connection and begins probing it.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.stop = context.WithCancel(ctx)

	conns, err := m.connections.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		m.startLoop(conn.ClinicID, conn.InstanceID, m.intervals.For(conn.Status))
	}
	logger.Log.Info("Probe manager started", zap.Int("connections", len(conns)))
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (m *Manager) Stop() {
	if m.stop != nil {
		m.stop()
	}
	m.wg.Wait()
}

// Track begins probing a newly registered connection.
func (m *Manager) Track(clinicID, instanceID string) {
	m.startLoop(clinicID, instanceID, m.intervals.Pairing)
}

// Pause suspends probing for one clinic, typically because no dashboard
// session is watching it.
func (m *Manager) Pause(clinicID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	probe, ok := m.probes[clinicID]
	if !ok || probe.paused {
		return
	}
	probe.paused = true
	probe.cancel()
	logger.Log.Info("Probing paused", zap.String("clinic_id", clinicID))
}

// Resume restarts probing for one clinic. A clinic that went unprobed longer
// than the catch-up threshold is probed immediately instead of waiting out a
// full interval.
func (m *Manager) Resume(clinicID string) {
	m.mu.Lock()
	probe, ok := m.probes[clinicID]
	if ok && !probe.paused {
		m.mu.Unlock()
		return
	}
	var instanceID string
	var lastRun time.Time
	if ok {
		instanceID = probe.instanceID
		lastRun = probe.lastRun
	}
	m.mu.Unlock()

	if !ok {
		// Unknown clinic: look the connection up and start fresh
		conn, err := m.connections.FindByClinicID(tenant.WithClinicID(m.baseCtx, clinicID), clinicID)
		if err != nil {
			logger.Log.Warn("Cannot resume probing for unknown clinic",
				zap.String("clinic_id", clinicID),
				zap.Error(err))
			return
		}
		instanceID = conn.InstanceID
	}

	catchUp := lastRun.IsZero() || time.Since(lastRun) > m.intervals.CatchUpAfter
	m.startLoop(clinicID, instanceID, m.intervals.Disconnected)
	if catchUp {
		utils.SafeGo(func() {
			m.probeOnce(clinicID, instanceID)
		}, nil)
	}
	logger.Log.Info("Probing resumed",
		zap.String("clinic_id", clinicID),
		zap.Bool("catch_up", catchUp))
}

// startLoop (re)creates the probe goroutine for a clinic.
func (m *Manager) startLoop(clinicID, instanceID string, initialInterval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.probes[clinicID]; ok {
		existing.cancel()
	}
	loopCtx, cancel := context.WithCancel(m.baseCtx)
	probe := &clinicProbe{
		clinicID:   clinicID,
		instanceID: instanceID,
		cancel:     cancel,
	}
	m.probes[clinicID] = probe

	m.wg.Add(1)
	utils.SafeGo(func() {
		defer m.wg.Done()
		m.loop(loopCtx, clinicID, instanceID, initialInterval)
	}, nil)
}

func (m *Manager) loop(ctx context.Context, clinicID, instanceID string, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		status := m.probeOnce(clinicID, instanceID)
		timer.Reset(m.intervals.For(status))
	}
}

// probeOnce runs one health check, records its outcome and reconciles the
// stored status against what the gateway reported. Returns the resulting
// connection status so the loop can reschedule.
func (m *Manager) probeOnce(clinicID, instanceID string) string {
	ctx, cancel := context.WithTimeout(m.baseCtx, 30*time.Second)
	defer cancel()
	ctx = tenant.WithClinicID(ctx, clinicID)

	start := time.Now()
	state, err := m.prober.ConnectionState(ctx, instanceID)
	observer.ObserveProbeDuration(clinicID, time.Since(start))

	result := model.ProbeResult{CheckedAt: utils.Now()}
	status := model.ConnectionStatusError
	if err != nil {
		result.Status = model.ConnectionStatusError
		result.Err = err.Error()
		observer.IncProbeRuns(clinicID, "error")
		logger.Log.Warn("Health probe failed",
			zap.String("clinic_id", clinicID),
			zap.String("instance_id", instanceID),
			zap.Error(err))
	} else {
		status = model.MapConnectionState(state.Instance.State)
		result.Status = status
		observer.IncProbeRuns(clinicID, "success")
	}
	result.NextInterval = m.intervals.For(status)

	if err := m.connections.RecordProbeResult(ctx, clinicID, result); err != nil {
		logger.Log.Error("Failed to record probe result",
			zap.String("clinic_id", clinicID),
			zap.Error(err))
	}
	m.reconcileStatus(ctx, clinicID, status)
	if m.publisher != nil {
		_ = m.publisher.PublishChange(ctx, model.ChangeNotification{
			ClinicID: clinicID,
			Entity:   model.ChangeEntityConnection,
			EntityID: clinicID,
			Action:   model.ChangeActionUpdate,
		})
	}

	m.mu.Lock()
	if probe, ok := m.probes[clinicID]; ok {
		probe.lastRun = utils.Now()
	}
	m.mu.Unlock()
	return status
}

// reconcileStatus overwrites the stored connection status when a probe
// observes a different one. A gateway that dies without emitting a close
// event would otherwise stay connected forever.
func (m *Manager) reconcileStatus(ctx context.Context, clinicID, observed string) {
	conn, err := m.connections.FindByClinicID(ctx, clinicID)
	if err != nil {
		logger.Log.Warn("Cannot reconcile connection status",
			zap.String("clinic_id", clinicID),
			zap.Error(err))
		return
	}
	if conn.Status == observed {
		return
	}
	if err := m.connections.UpdateStatus(ctx, clinicID, observed, ""); err != nil {
		logger.Log.Error("Failed to reconcile connection status",
			zap.String("clinic_id", clinicID),
			zap.String("from", conn.Status),
			zap.String("to", observed),
			zap.Error(err))
		return
	}
	logger.Log.Info("Connection status reconciled from probe",
		zap.String("clinic_id", clinicID),
		zap.String("from", conn.Status),
		zap.String("to", observed))
}
