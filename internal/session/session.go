// Package session tracks per-client state: the session's own region
// handler, in-flight compute tasks, and teardown ordering. Closing a
// session cancels its context and blocks until every task has
// acknowledged the cancellation, so no task touches session state
// after Close returns.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/astroview/server/internal/cache"
	"github.com/astroview/server/internal/handler"
)

// ErrClosed indicates the session is shutting down and accepts no new
// work.
var ErrClosed = errors.New("session is closed")

// Session is one connected client. Each session owns a private region
// handler, so its open files, regions, and requirements are invisible
// to other sessions. Tasks run under the session context and must be
// registered through Go or Track.
type Session struct {
	id      string
	handler *handler.Handler
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

func newSession(id string, h *handler.Handler) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		handler: h,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Handler returns the session's private region handler.
func (s *Session) Handler() *handler.Handler { return s.handler }

// Context returns the session context; it is cancelled on Close.
func (s *Session) Context() context.Context { return s.ctx }

// Created returns the session creation time.
func (s *Session) Created() time.Time { return s.created }

// Track registers an externally-started task. The returned func must be
// called exactly once when the task finishes.
func (s *Session) Track() (done func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.tasks.Add(1)
	var once sync.Once
	return func() { once.Do(s.tasks.Done) }, nil
}

// Go runs fn as a tracked session task in its own goroutine. fn
// receives the session context and should return promptly once it is
// cancelled.
func (s *Session) Go(fn func(ctx context.Context)) error {
	done, err := s.Track()
	if err != nil {
		return err
	}
	go func() {
		defer done()
		fn(s.ctx)
	}()
	return nil
}

// Close cancels the session context and blocks until all tracked tasks
// have finished. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.tasks.Wait()
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	slices   *cache.Manager
}

// NewManager creates a session manager. Every session gets its own
// region handler backed by the shared slice cache; nil disables plane
// caching.
func NewManager(slices *cache.Manager) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		slices:   slices,
	}
}

// Create opens a new session with a random identifier and a fresh
// region handler.
func (m *Manager) Create() (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	s := newSession(id, handler.New(m.slices))
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Printf("[SessionManager] session %s opened", id)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears down one session, blocking until its tasks finish.
// Closing an unknown id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	log.Printf("[SessionManager] session %s closed", id)
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
