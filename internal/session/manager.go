package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/doctalk/internal/observability"
)

// State is the relay lifecycle of one session.
type State string

const (
	StateAwaitingSetup State = "awaiting_setup"
	StateHandshaking   State = "handshaking"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrShuttingDown = errors.New("session manager is shutting down")
	ErrPanicked     = errors.New("session panicked")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	State          State     `json:"state"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	s      Session
	cancel context.CancelFunc
}

// Manager owns every live session. One session failing, even by panic,
// never affects the others.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	closing           bool
	wg                sync.WaitGroup
	inactivityTimeout time.Duration
	metrics           *observability.Metrics
	log               *zap.Logger
}

func NewManager(inactivityTimeout time.Duration, metrics *observability.Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		metrics:           metrics,
		log:               log,
	}
}

// Handle is the view of a session handed to the code running it.
type Handle struct {
	m  *Manager
	id string
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) SetUser(userID string) {
	h.m.update(h.id, func(s *Session) { s.UserID = userID })
}

func (h *Handle) SetState(state State) {
	h.m.update(h.id, func(s *Session) { s.State = state })
}

func (h *Handle) Touch() {
	h.m.update(h.id, func(*Session) {})
}

func (h *Handle) State() State {
	s, err := h.m.Get(h.id)
	if err != nil {
		return StateClosed
	}
	return s.State
}

// Serve registers a session, runs it and tears it down. The transport is
// always closed when run returns or panics.
func (m *Manager) Serve(ctx context.Context, remoteAddr string, transport io.Closer, run func(ctx context.Context, h *Handle) error) (err error) {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{
		s: Session{
			ID:             uuid.NewString(),
			State:          StateAwaitingSetup,
			RemoteAddr:     remoteAddr,
			StartedAt:      now,
			LastActivityAt: now,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel()
		if transport != nil {
			_ = transport.Close()
		}
		return ErrShuttingDown
	}
	m.sessions[e.s.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	m.observe("started")
	log := m.log.With(zap.String("session_id", e.s.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("session panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
			m.observe("panicked")
		}
		cancel()
		if transport != nil {
			_ = transport.Close()
		}
		m.remove(e.s.ID)
		m.wg.Done()
		m.observe("ended")
	}()

	return run(ctx, &Handle{m: m, id: e.s.ID})
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.s, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot lists live sessions, oldest first.
func (m *Manager) Snapshot() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// End cancels one session. It returns once cancellation is requested, not
// once the session has finished.
func (m *Manager) End(sessionID string) error {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel()
	return nil
}

// StartJanitor cancels sessions idle for longer than the inactivity
// timeout. A zero timeout disables it.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.inactivityTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

// Shutdown refuses new sessions, cancels live ones and waits for them to
// finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, e := range m.sessions {
		e.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	m.mu.RLock()
	var expired []*entry
	for _, e := range m.sessions {
		if now.Sub(e.s.LastActivityAt) >= m.inactivityTimeout {
			expired = append(expired, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range expired {
		m.log.Info("session idle, closing", zap.String("session_id", e.s.ID))
		m.observe("expired")
		e.cancel()
	}
}

func (m *Manager) update(sessionID string, fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	fn(&e.s)
	e.s.LastActivityAt = time.Now().UTC()
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	count := len(m.sessions)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(count))
	}
}

func (m *Manager) observe(event string) {
	if m.metrics == nil {
		return
	}
	m.metrics.SessionEvents.WithLabelValues(event).Inc()
	if event == "started" {
		m.metrics.ActiveSessions.Set(float64(m.ActiveCount()))
	}
}
