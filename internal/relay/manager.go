package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrShuttingDown is returned by [Manager.Track] once Shutdown has begun.
var ErrShuttingDown = errors.New("relay: shutting down")

// SessionInfo holds metadata about a tracked session.
type SessionInfo struct {
	// SessionID is the relay session id.
	SessionID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// StartedAt is when the client connected.
	StartedAt time.Time

	// Stats is the session's latest counter snapshot.
	Stats Stats
}

type tracked struct {
	sess       *Session
	remoteAddr string
	startedAt  time.Time
	cancel     context.CancelFunc
}

// Manager tracks live relay sessions so that they can be listed and shut
// down together. All exported methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*tracked
	closing  bool
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*tracked),
		now:      time.Now,
	}
}

// Track registers sess and returns the context it must run under together
// with a release function the caller invokes once Run has returned.
func (m *Manager) Track(ctx context.Context, sess *Session, remoteAddr string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, nil, ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(ctx)
	m.sessions[sess.ID()] = &tracked{
		sess:       sess,
		remoteAddr: remoteAddr,
		startedAt:  m.now().UTC(),
		cancel:     cancel,
	}
	m.wg.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			delete(m.sessions, sess.ID())
			m.mu.Unlock()
			m.wg.Done()
		})
	}
	return ctx, release, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Active returns the live sessions, oldest first.
func (m *Manager) Active() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, t := range m.sessions {
		out = append(out, SessionInfo{
			SessionID:  id,
			RemoteAddr: t.remoteAddr,
			StartedAt:  t.startedAt,
			Stats:      t.sess.Stats(),
		})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.SessionID < b.SessionID {
			return -1
		}
		if a.SessionID > b.SessionID {
			return 1
		}
		return 0
	})
	return out
}

// Shutdown refuses new sessions, cancels every live one and waits until all
// have been released or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	n := len(m.sessions)
	for _, t := range m.sessions {
		t.cancel()
	}
	m.mu.Unlock()

	if n > 0 {
		slog.Info("relay: closing sessions", "count", n)
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
		return ctx.Err()
	}
}
