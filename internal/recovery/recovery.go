// Package recovery implements the crash-detection and bounded-retry
// recovery loop: a ticker goroutine in the shape of the
// teacher's internal/cron.Scheduler and internal/engine.HeartbeatManager,
// combined with per-agent attempt bookkeeping modeled on
// internal/engine.FailoverBrain's breakers map.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/model"
	apmotel "github.com/apm-auto/coordinator/internal/otel"
	"github.com/apm-auto/coordinator/internal/persistence"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetActiveAgents(ctx context.Context) ([]model.Agent, error)
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	UpdateAgentState(ctx context.Context, id string, to model.AgentStatus, opts persistence.UpdateAgentStateOpts) error
	GetLatestSessionForProject(ctx context.Context, projectID string) (model.Session, error)
	GetLatestCheckpoint(ctx context.Context, sessionID string) (model.SessionCheckpoint, error)
}

// markTerminated writes the Terminated transition unless the agent is
// already terminated from an earlier attempt in this retry sequence, in
// which case it is a no-op: repeated attemptRecovery calls for the same
// crashed agent would otherwise all try to re-write an edge the agent
// state machine forbids (Terminated has no outgoing or self edge).
func (m *Manager) markTerminated(ctx context.Context, agentID string, opts persistence.UpdateAgentStateOpts) bool {
	if a, err := m.store.GetAgent(ctx, agentID); err == nil && a.Status == model.AgentTerminated {
		return true
	}
	err := m.store.UpdateAgentState(ctx, agentID, model.AgentTerminated, opts)
	if err != nil {
		var it *persistence.InvalidTransitionError
		if !errors.As(err, &it) {
			m.logger.Error("recovery: failed to mark agent terminated", "agent_id", agentID, "error", err)
		}
		return false
	}
	return true
}

// Spawner respawns a crashed agent, optionally restoring it from a
// checkpoint. It is a plug-in point, not part of the core contract.
type Spawner interface {
	Respawn(ctx context.Context, agentID string, checkpoint *model.SessionCheckpoint) error
}

// Config configures the Manager. Zero values take the standard defaults.
type Config struct {
	MonitoringInterval time.Duration // default 10s
	HeartbeatTimeout   time.Duration // default 60s
	MaxRetryAttempts   int           // default 3
	RetryBaseDelay     time.Duration // default 5s
	AutoRecovery       bool
	ProjectID          string

	// Metrics is optional; nil skips recovery-attempt/escalation counters.
	Metrics *apmotel.Metrics
}

func (c Config) withDefaults() Config {
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	return c
}

// attemptState tracks per-agent recovery bookkeeping, mirroring
// engine.CircuitBreaker's failures/lastFailure/tripped fields.
type attemptState struct {
	attempts      int
	lastAttemptAt time.Time
}

// Statistics accumulates recovery outcomes across the manager's lifetime.
type Statistics struct {
	TotalCrashes          int
	TotalAttempts         int
	SuccessfulRecoveries  int
	FailedRecoveries      int
	CleanTeardowns        int
	TotalRecoveryDuration time.Duration
}

// SuccessRate returns SuccessfulRecoveries / TotalAttempts, or 0 if no
// attempts have been made.
func (s Statistics) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulRecoveries) / float64(s.TotalAttempts)
}

// AverageRecoveryTime returns the mean duration of successful recoveries.
func (s Statistics) AverageRecoveryTime() time.Duration {
	if s.SuccessfulRecoveries == 0 {
		return 0
	}
	return s.TotalRecoveryDuration / time.Duration(s.SuccessfulRecoveries)
}

// Manager owns the monitor goroutine, per-agent attempt counters, and
// cumulative statistics. Safe for concurrent use.
type Manager struct {
	store   Store
	spawner Spawner
	bus     *eventbus.Bus
	logger  *slog.Logger
	cfg     Config

	mu       sync.Mutex
	attempts map[string]*attemptState
	stats    Statistics

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is overridable in tests so a scenario can simulate "heartbeat 5s
	// in the past" without a real sleep.
	now func() time.Time
}

// New builds a Manager. bus may be nil (events are simply not published).
func New(store Store, spawner Spawner, bus *eventbus.Bus, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		spawner:  spawner,
		bus:      bus,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

// Start begins the monitor loop in a background goroutine, mirroring the
// teacher's Scheduler.Start/HeartbeatManager.Start shape.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("recovery manager started", "monitoring_interval", m.cfg.MonitoringInterval, "heartbeat_timeout", m.cfg.HeartbeatTimeout)
}

// Stop cancels the monitor loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("recovery manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitor pass synchronously: scan for stale agents, record
// each as crashed, and (if AutoRecovery) attempt recovery. Exported so
// tests can drive deterministic ticks without waiting on a real ticker.
func (m *Manager) Tick(ctx context.Context) {
	agents, err := m.store.GetActiveAgents(ctx)
	if err != nil {
		m.logger.Error("recovery: failed to query active agents", "error", err)
		return
	}

	cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
	for _, a := range agents {
		if a.LastActivityAt.After(cutoff) {
			continue
		}
		seconds := int(m.cfg.HeartbeatTimeout.Seconds())
		reason := fmt.Sprintf("no heartbeat for %d seconds", seconds)

		m.mu.Lock()
		m.stats.TotalCrashes++
		m.mu.Unlock()

		m.logger.Warn("recovery: agent crash detected", "agent_id", a.ID, "reason", reason)

		if m.cfg.AutoRecovery {
			m.attemptRecovery(ctx, a.ID, reason)
		}
	}
}

// RecoveryOutcome is the result of one attemptRecovery call.
type RecoveryOutcome struct {
	Success bool
	Error   string
}

// attemptRecovery implements the bounded-retry algorithm: on
// attempt k+1 (1-indexed), if k >= maxRetryAttempts the agent is marked
// Terminated with recoveryFailed and escalated; otherwise it is marked
// Terminated with the crash reason, a backoff sleep is applied for k>=2,
// and the spawner is invoked to respawn and restore the last checkpoint.
func (m *Manager) attemptRecovery(ctx context.Context, agentID, reason string) RecoveryOutcome {
	m.mu.Lock()
	state, ok := m.attempts[agentID]
	if !ok {
		state = &attemptState{}
		m.attempts[agentID] = state
	}
	k := state.attempts
	state.attempts++
	state.lastAttemptAt = m.now()
	m.mu.Unlock()

	m.mu.Lock()
	m.stats.TotalAttempts++
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecoveryAttempts.Add(ctx, 1)
	}

	if k >= m.cfg.MaxRetryAttempts {
		if m.markTerminated(ctx, agentID, persistence.UpdateAgentStateOpts{
			Trigger: model.TriggerError,
			Metadata: map[string]any{
				"reason":         reason,
				"recoveryFailed": true,
			},
		}) {
			m.mu.Lock()
			m.stats.CleanTeardowns++
			m.mu.Unlock()
		}
		m.mu.Lock()
		m.stats.FailedRecoveries++
		m.mu.Unlock()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecoveryEscalated.Add(ctx, 1)
		}
		m.publish(eventbus.TopicRecoveryEscalated, agentID, reason)
		return RecoveryOutcome{Success: false, Error: "max attempts exceeded"}
	}

	if m.markTerminated(ctx, agentID, persistence.UpdateAgentStateOpts{
		Trigger:  model.TriggerError,
		Metadata: map[string]any{"reason": reason},
	}) {
		m.mu.Lock()
		m.stats.CleanTeardowns++
		m.mu.Unlock()
	}

	if k >= 1 {
		delay := m.cfg.RetryBaseDelay * time.Duration(1<<uint(k-1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return RecoveryOutcome{Success: false, Error: ctx.Err().Error()}
		}
	}

	start := m.now()
	checkpoint := m.loadCheckpoint(ctx)
	err := m.spawner.Respawn(ctx, agentID, checkpoint)
	if err != nil {
		// An interim respawn failure is not yet a "failed recovery": the
		// next tick gets another attempt until maxRetryAttempts escalates.
		m.logger.Warn("recovery: respawn failed", "agent_id", agentID, "attempt", k+1, "error", err)
		m.publish(eventbus.TopicRecoveryFailed, agentID, err.Error())
		return RecoveryOutcome{Success: false, Error: err.Error()}
	}

	m.mu.Lock()
	m.stats.SuccessfulRecoveries++
	m.stats.TotalRecoveryDuration += m.now().Sub(start)
	delete(m.attempts, agentID)
	m.mu.Unlock()
	m.publish(eventbus.TopicRecoverySucceeded, agentID, "")
	return RecoveryOutcome{Success: true}
}

// AttemptRecovery exposes attemptRecovery for direct test/orchestrator
// invocation outside the ticker loop.
func (m *Manager) AttemptRecovery(ctx context.Context, agentID, reason string) RecoveryOutcome {
	return m.attemptRecovery(ctx, agentID, reason)
}

func (m *Manager) loadCheckpoint(ctx context.Context) *model.SessionCheckpoint {
	if m.cfg.ProjectID == "" {
		return nil
	}
	session, err := m.store.GetLatestSessionForProject(ctx, m.cfg.ProjectID)
	if err != nil {
		return nil
	}
	cp, err := m.store.GetLatestCheckpoint(ctx, session.ID)
	if err != nil {
		return nil
	}
	return &cp
}

func (m *Manager) publish(topic, agentID, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Topic: topic,
		Payload: map[string]any{
			"agent_id": agentID,
			"error":    errMsg,
		},
	})
}

// Statistics returns a snapshot of cumulative recovery statistics.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
