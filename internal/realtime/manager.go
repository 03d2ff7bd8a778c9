// Package realtime manages one live rule-synchronization channel per
// tenant: it subscribes to remote rule-change notifications, tracks
// presence of other connected clients, applies version-gated updates to
// the rule cache, and runs a reconnect state machine with exponential
// backoff. Tenant sessions are fully independent: a failure on one
// tenant's channel never affects another's.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/slotgrid/bookcore/internal/cache"
	"github.com/slotgrid/bookcore/internal/domain"
)

// ErrAlreadySubscribed is returned when a tenant already has a live
// (non-failed) session. A failed session may be re-subscribed.
var ErrAlreadySubscribed = errors.New("tenant already subscribed")

// Callbacks receive channel lifecycle and data events. All callbacks
// are fire-and-forget: no return value is expected and nil entries are
// skipped.
type Callbacks struct {
	OnSubscribed         func(tenantID string)
	OnRuleUpdate         func(tenantID string, rs domain.RuleSet)
	OnPresenceSync       func(tenantID string, entries []domain.PresenceEntry)
	OnError              func(tenantID string, err error)
	OnMaxReconnectFailed func(tenantID string)
}

// ReconnectPolicy bounds connect attempts and backoff growth.
type ReconnectPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	Jitter         bool
}

// DefaultReconnectPolicy returns the production defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    8,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Jitter:         true,
	}
}

// delay computes the backoff before the given attempt (1-based):
// base doubling per attempt, capped, with optional jitter to avoid
// thundering-herd reconnects.
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter && d > 0 {
		// Up to 25% early or late.
		half := int64(d) / 4
		d = time.Duration(int64(d) - half + rand.Int63n(2*half+1))
	}
	return d
}

// session is the per-tenant channel state. mu serializes transitions,
// presence replacement and retry bookkeeping for this tenant only.
type session struct {
	tenantID  string
	callbacks Callbacks
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	status     domain.SyncStatus
	presence   []domain.PresenceEntry
	retryCount int
	timer      *time.Timer
	closed     bool
}

// Manager owns all tenant sessions.
type Manager struct {
	transport domain.RealtimeTransport
	validator domain.SyncTransitionValidator
	cache     *cache.RuleCache
	policy    ReconnectPolicy
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a sync manager applying updates to the given cache.
func NewManager(transport domain.RealtimeTransport, validator domain.SyncTransitionValidator, ruleCache *cache.RuleCache, policy ReconnectPolicy, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		transport: transport,
		validator: validator,
		cache:     ruleCache,
		policy:    policy,
		log:       log,
		sessions:  make(map[string]*session),
	}
}

// Subscribe opens the tenant's channel. The first connect attempt runs
// synchronously and its error is returned; on failure the session stays
// alive and keeps retrying with backoff until the attempt cap, so a nil
// error is not required for eventual delivery. Subscribing a tenant with
// a live session returns ErrAlreadySubscribed; a failed session is torn
// down and replaced, which is the explicit re-subscription the terminal
// state requires.
func (m *Manager) Subscribe(ctx context.Context, tenantID string, callbacks Callbacks) error {
	m.mu.Lock()
	if existing, ok := m.sessions[tenantID]; ok {
		existing.mu.Lock()
		failed := existing.status == domain.SyncFailed
		existing.mu.Unlock()
		if !failed {
			m.mu.Unlock()
			return fmt.Errorf("subscribing tenant %q: %w", tenantID, ErrAlreadySubscribed)
		}
		m.mu.Unlock()
		m.Unsubscribe(tenantID)
		m.mu.Lock()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		tenantID:  tenantID,
		callbacks: callbacks,
		ctx:       sessCtx,
		cancel:    cancel,
		status:    domain.SyncDisconnected,
	}
	m.sessions[tenantID] = s
	m.mu.Unlock()

	s.mu.Lock()
	if err := m.transitionLocked(s, domain.SyncEventConnect); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return m.connect(s)
}

// Unsubscribe tears down the tenant's session and cancels any in-flight
// reconnect timer. Idempotent: safe to call when already disconnected.
func (m *Manager) Unsubscribe(tenantID string) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.status = domain.SyncDisconnected
	s.presence = nil
	s.mu.Unlock()

	s.cancel()
	m.log.Debug("realtime unsubscribed", "tenant_id", tenantID)
}

// Status reports the tenant's current channel status.
func (m *Manager) Status(tenantID string) domain.SyncStatus {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if !ok {
		return domain.SyncDisconnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Presence returns a copy of the tenant's last presence snapshot.
func (m *Manager) Presence(tenantID string) []domain.PresenceEntry {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PresenceEntry, len(s.presence))
	copy(out, s.presence)
	return out
}

// connect performs one connect attempt for a session already in the
// connecting state. On success it starts the read loop; on failure it
// records the error and schedules the next backoff attempt.
func (m *Manager) connect(s *session) error {
	dialCtx, cancel := context.WithTimeout(s.ctx, m.policy.ConnectTimeout)
	conn, err := m.transport.Connect(dialCtx, s.tenantID)
	cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	if err != nil {
		syncErr := &domain.SyncError{TenantID: s.tenantID, Err: err}
		_ = m.transitionLocked(s, domain.SyncEventChannelError)
		s.mu.Unlock()

		if s.callbacks.OnError != nil {
			s.callbacks.OnError(s.tenantID, syncErr)
		}
		m.scheduleReconnect(s)
		return syncErr
	}

	_ = m.transitionLocked(s, domain.SyncEventConnected)
	s.retryCount = 0
	s.mu.Unlock()

	m.log.Info("realtime connected", "tenant_id", s.tenantID)
	if s.callbacks.OnSubscribed != nil {
		s.callbacks.OnSubscribed(s.tenantID)
	}

	go m.readLoop(s, conn)
	return nil
}

// readLoop consumes messages until the channel drops or the session is
// torn down. An unexpected drop feeds the reconnect path.
func (m *Manager) readLoop(s *session, conn domain.RealtimeConn) {
	defer conn.Close()

	// Unblock Receive when the session is cancelled.
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	for {
		msg, err := conn.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			_ = m.transitionLocked(s, domain.SyncEventChannelError)
			s.mu.Unlock()

			if s.callbacks.OnError != nil {
				s.callbacks.OnError(s.tenantID, &domain.SyncError{TenantID: s.tenantID, Err: err})
			}
			m.scheduleReconnect(s)
			return
		}

		m.apply(s, msg)
	}
}

// apply dispatches one decoded channel message.
func (m *Manager) apply(s *session, msg domain.SyncMessage) {
	switch msg.Type {
	case domain.MessageRuleUpdate:
		if msg.RuleSet == nil {
			return
		}
		if !m.cache.SetIfNewer(s.tenantID, *msg.RuleSet) {
			m.log.Debug("discarding stale rule update",
				"tenant_id", s.tenantID,
				"version", msg.RuleSet.Version,
				"cached_version", m.cache.Version(s.tenantID),
			)
			return
		}
		if s.callbacks.OnRuleUpdate != nil {
			s.callbacks.OnRuleUpdate(s.tenantID, *msg.RuleSet)
		}

	case domain.MessagePresence:
		s.mu.Lock()
		s.presence = msg.Presence
		s.mu.Unlock()
		if s.callbacks.OnPresenceSync != nil {
			s.callbacks.OnPresenceSync(s.tenantID, msg.Presence)
		}

	default:
		m.log.Warn("unknown sync message type", "tenant_id", s.tenantID, "type", string(msg.Type))
	}
}

// scheduleReconnect arms the backoff timer for a session in the error
// state, or gives up once the attempt cap is exceeded.
func (m *Manager) scheduleReconnect(s *session) {
	s.mu.Lock()
	if s.closed || s.status != domain.SyncErrored {
		s.mu.Unlock()
		return
	}

	s.retryCount++
	if s.retryCount > m.policy.MaxAttempts {
		_ = m.transitionLocked(s, domain.SyncEventGiveUp)
		s.mu.Unlock()

		m.log.Warn("realtime reconnect attempts exhausted", "tenant_id", s.tenantID, "attempts", m.policy.MaxAttempts)
		if s.callbacks.OnMaxReconnectFailed != nil {
			s.callbacks.OnMaxReconnectFailed(s.tenantID)
		}
		return
	}

	delay := m.policy.delay(s.retryCount)
	m.log.Debug("scheduling realtime reconnect",
		"tenant_id", s.tenantID,
		"attempt", s.retryCount,
		"delay", delay,
	)

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if err := m.transitionLocked(s, domain.SyncEventRetry); err != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		_ = m.connect(s)
	})
	s.mu.Unlock()
}

// transitionLocked applies a state-machine event. The caller must hold
// s.mu. An invalid transition leaves the status untouched.
func (m *Manager) transitionLocked(s *session, event domain.SyncEvent) error {
	next, err := m.validator.Apply(s.ctx, s.status, event)
	if err != nil {
		m.log.Debug("rejected sync transition",
			"tenant_id", s.tenantID,
			"status", string(s.status),
			"event", string(event),
		)
		return err
	}
	s.status = next
	return nil
}
