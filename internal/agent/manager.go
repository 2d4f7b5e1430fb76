// Package agent manages the population of live conversation sessions: it
// bounds concurrency, feeds inbound messages into new or suspended sessions,
// expires idle sessions, and aggregates operational counters.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/tablerelay/tablerelay/internal/auth"
	"github.com/tablerelay/tablerelay/internal/llm"
	"github.com/tablerelay/tablerelay/internal/state"
	"github.com/tablerelay/tablerelay/internal/telemetry"
	"github.com/tablerelay/tablerelay/internal/tools"
	"github.com/tablerelay/tablerelay/internal/workflow"
)

// ErrCapacityExceeded is returned when starting a session would exceed the
// configured concurrent-session limit. Starts are rejected, never queued.
var ErrCapacityExceeded = errors.New("maximum concurrent sessions reached")

// Archiver receives the final conversation snapshot when a session stops.
type Archiver interface {
	Archive(ctx context.Context, conv *state.Conversation) error
}

// Config bounds the session population.
type Config struct {
	Model                 string
	MaxConcurrentSessions int
	SweepInterval         time.Duration
	IdleTimeout           time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 100
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
}

// Status is the externally visible view of one session.
type Status struct {
	SessionID       string          `json:"session_id"`
	User            string          `json:"user"`
	Lifecycle       state.Lifecycle `json:"lifecycle"`
	MessageCount    int             `json:"message_count"`
	PendingActions  int             `json:"pending_actions"`
	ErrorCount      int             `json:"error_count"`
	DurationMinutes float64         `json:"duration_minutes"`
}

// Snapshot aggregates the manager's counters.
type Snapshot struct {
	TotalSessions      int64            `json:"total_sessions"`
	SuccessfulSessions int64            `json:"successful_sessions"`
	FailedSessions     int64            `json:"failed_sessions"`
	ActiveSessions     int              `json:"active_sessions"`
	AverageDuration    time.Duration    `json:"average_duration"`
	ToolUsage          map[string]int64 `json:"tool_usage"`
	ErrorCount         int64            `json:"error_count"`
}

// Manager owns the session population. The workflow engine, tool registry,
// and store are shared across all sessions; the manager serializes turns per
// session and bounds the number of sessions alive at once.
type Manager struct {
	cfg      Config
	store    *state.Store
	engine   *workflow.Engine
	sem      *semaphore.Weighted
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	archiver Archiver
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	turnMu   map[string]*sync.Mutex
	total    int64
	success  int64
	failed   int64
	errors   int64
	durSum   time.Duration
	durCount int64
	tools    map[string]int64
}

// ManagerOption configures optional manager collaborators.
type ManagerOption func(*Manager)

// WithArchiver persists each session's transcript when the session stops.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// NewManager wires a manager and its workflow engine, and starts the idle
// sweep. Call Shutdown to release everything.
func NewManager(cfg Config, client llm.Client, registry *tools.Registry, authn auth.Authenticator, messenger workflow.Messenger, store *state.Store, metrics *telemetry.Metrics, logger *slog.Logger, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		store:   store,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		turnMu:  make(map[string]*sync.Mutex),
		tools:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracer = telemetry.NewTracer(telemetry.SpanExporterFunc(func(span telemetry.Span) {
		logger.Debug("turn span",
			"trace_id", span.TraceID,
			"operation", span.Operation,
			"duration", span.Duration,
			"status", span.Status)
	}))

	m.engine = workflow.NewEngine(cfg.Model, client, registry, store, authn, logger,
		workflow.WithMessenger(messenger),
		workflow.WithToolHook(m.noteToolUse),
		workflow.WithErrorHook(m.noteError),
	)

	m.wg.Add(1)
	go m.sweep()

	return m
}

// StartSession allocates a session for the user and, when an initial message
// is present, runs the first turn asynchronously.
func (m *Manager) StartSession(user, initialMessage string, context map[string]interface{}) (string, error) {
	if !m.sem.TryAcquire(1) {
		m.metrics.SessionsRejected.Inc()
		m.logger.Warn("session rejected at capacity",
			"user", user, "limit", m.cfg.MaxConcurrentSessions)
		return "", ErrCapacityExceeded
	}

	sessionID := ulid.Make().String()
	if _, err := m.store.Create(sessionID, user, initialMessage, context); err != nil {
		m.sem.Release(1)
		return "", fmt.Errorf("start session: %w", err)
	}

	m.mu.Lock()
	m.total++
	m.mu.Unlock()
	m.metrics.SessionsStarted.Inc()
	m.metrics.ActiveSessions.Inc()

	if initialMessage != "" {
		m.spawnTurn(sessionID, user)
	}
	return sessionID, nil
}

// SendMessage feeds a message into an existing session, resuming it if it
// was suspended. Returns false when the session is unknown; the caller
// decides whether to start a fresh session instead.
func (m *Manager) SendMessage(sessionID, text, msgType string, metadata map[string]interface{}) bool {
	conv, err := m.store.Get(sessionID)
	if err != nil {
		return false
	}

	if msgType == "" {
		msgType = "text"
	}
	fields := map[string]interface{}{
		"current_message": text,
		"message_type":    msgType,
	}
	if len(metadata) > 0 {
		fields["metadata"] = metadata
	}
	if err := m.store.Update(sessionID, fields); err != nil {
		return false
	}

	// Resume re-enters the graph from the top; the lifecycle moves to
	// Processing first so a suspended or errored session is live again.
	m.store.Transition(sessionID, state.LifecycleProcessing)

	m.spawnTurn(sessionID, conv.User)
	return true
}

// GetStatus reports the session's current shape, or nil when unknown.
func (m *Manager) GetStatus(sessionID string) *Status {
	summary, err := m.store.Summarize(sessionID)
	if err != nil {
		return nil
	}
	return &Status{
		SessionID:       summary.SessionID,
		User:            summary.User,
		Lifecycle:       summary.Lifecycle,
		MessageCount:    summary.MessageCount,
		PendingActions:  summary.PendingActions,
		ErrorCount:      summary.ErrorCount,
		DurationMinutes: time.Since(summary.CreatedAt).Minutes(),
	}
}

// Sessions reports the status of every active session.
func (m *Manager) Sessions() []Status {
	ids := m.store.SessionIDs()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if status := m.GetStatus(id); status != nil {
			out = append(out, *status)
		}
	}
	return out
}

// SessionForUser returns the active session ID for a user address, or ""
// when the user has none. Each user holds at most one session at a time.
func (m *Manager) SessionForUser(user string) string {
	for _, id := range m.store.SessionIDs() {
		summary, err := m.store.Summarize(id)
		if err != nil {
			continue
		}
		if summary.User == user {
			return id
		}
	}
	return ""
}

// StopSession removes the session and releases its capacity slot.
func (m *Manager) StopSession(sessionID, reason string) bool {
	conv, err := m.store.Get(sessionID)
	if err != nil {
		return false
	}

	failed := conv.Lifecycle == state.LifecycleError || conv.LastError != ""
	duration := time.Since(conv.CreatedAt)

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.archiver.Archive(ctx, conv); err != nil {
			m.logger.Error("transcript archive failed",
				"session_id", sessionID, "error", err)
		}
		cancel()
	}

	if !m.store.Remove(sessionID) {
		return false
	}
	m.sem.Release(1)
	m.metrics.ActiveSessions.Dec()

	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.metrics.SessionsStopped.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	if failed {
		m.failed++
	} else {
		m.success++
	}
	m.durSum += duration
	m.durCount++
	delete(m.turnMu, sessionID)
	m.mu.Unlock()

	m.logger.Info("session stopped",
		"session_id", sessionID, "reason", reason,
		"outcome", outcome, "duration", duration)
	return true
}

// Metrics returns a snapshot of the aggregate counters.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.durCount > 0 {
		avg = m.durSum / time.Duration(m.durCount)
	}

	usage := make(map[string]int64, len(m.tools))
	for name, n := range m.tools {
		usage[name] = n
	}

	return Snapshot{
		TotalSessions:      m.total,
		SuccessfulSessions: m.success,
		FailedSessions:     m.failed,
		ActiveSessions:     m.store.Len(),
		AverageDuration:    avg,
		ToolUsage:          usage,
		ErrorCount:         m.errors,
	}
}

// Shutdown stops the sweep, force-stops every remaining session, and waits
// for in-flight turns to finish or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	for _, id := range m.store.SessionIDs() {
		m.StopSession(id, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// spawnTurn runs one turn asynchronously. Turns for the same session are
// serialized; turns for different sessions run independently.
func (m *Manager) spawnTurn(sessionID, user string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTurn(sessionID, user)
	}()
}

func (m *Manager) runTurn(sessionID, user string) {
	lock := m.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := m.tracer.StartSpan(m.ctx, "turn", telemetry.TurnTags(sessionID, user))
	logger := telemetry.SessionLogger(m.logger, ctx, sessionID)
	start := time.Now()

	err := m.engine.Run(ctx, sessionID)

	m.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		// The session vanished mid-turn, typically a concurrent stop.
		status = "aborted"
		logger.Debug("turn aborted", "error", err)
	}
	m.tracer.EndSpan(span, status)
}

func (m *Manager) turnLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.turnMu[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.turnMu[sessionID] = lock
	}
	return lock
}

func (m *Manager) noteToolUse(name string) {
	m.metrics.ToolCalls.WithLabelValues(name).Inc()
	m.mu.Lock()
	m.tools[name]++
	m.mu.Unlock()
}

func (m *Manager) noteError() {
	m.metrics.SessionErrors.Inc()
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// sweep periodically force-stops sessions that have been idle longer than
// the configured timeout.
func (m *Manager) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.IdleTimeout)
			for _, id := range m.store.SessionIDs() {
				summary, err := m.store.Summarize(id)
				if err != nil {
					continue
				}
				if summary.UpdatedAt.Before(cutoff) {
					m.logger.Info("sweeping idle session",
						"session_id", id, "idle_since", summary.UpdatedAt)
					m.StopSession(id, "idle timeout")
				}
			}
		}
	}
}
