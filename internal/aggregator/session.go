package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"compass/internal/mcpclient"
	"compass/pkg/logging"
)

// SessionState is the lifecycle state of one backend session.
type SessionState string

const (
	SessionInitializing SessionState = "INITIALIZING"
	SessionReady        SessionState = "READY"
	SessionDraining     SessionState = "DRAINING"
	SessionClosed       SessionState = "CLOSED"
	SessionFailed       SessionState = "FAILED"
)

// sessionRequest is one unit of work for the session's driver goroutine.
// err is set before done closes when the request was abandoned.
type sessionRequest struct {
	run  func()
	err  error
	done chan struct{}
}

// Session serializes all traffic to one backend through a single driver
// goroutine over a bounded queue, so a slow backend saturates its own queue
// instead of growing goroutines without bound.
type Session struct {
	ServerID string
	Name     string

	client mcpclient.Client

	mu       sync.RWMutex
	state    SessionState
	degraded bool

	queue    chan *sessionRequest
	quit     chan struct{}
	inflight sync.WaitGroup
}

// NewSession wraps a client. Open must succeed before the session accepts
// requests.
func NewSession(serverID, name string, client mcpclient.Client, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Session{
		ServerID: serverID,
		Name:     name,
		client:   client,
		state:    SessionInitializing,
		queue:    make(chan *sessionRequest, queueSize),
		quit:     make(chan struct{}),
	}
}

// Open performs the MCP handshake and starts the driver. A failed handshake
// leaves the session FAILED with the underlying client torn down.
func (s *Session) Open(ctx context.Context) error {
	if err := s.client.Initialize(ctx); err != nil {
		s.mu.Lock()
		s.state = SessionFailed
		s.mu.Unlock()
		return fmt.Errorf("initialize %s: %w", s.Name, err)
	}

	s.mu.Lock()
	s.state = SessionReady
	s.mu.Unlock()

	go s.drive()
	logging.Info("Aggregator", "Session for %s ready", s.Name)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetDegraded flips the degraded flag, set by the health monitor.
func (s *Session) SetDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// Degraded reports whether the health monitor currently considers the
// backend slow or flaky.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// drive executes queued requests one at a time until the session closes.
// Remaining queued requests are failed, never silently dropped.
func (s *Session) drive() {
	for {
		select {
		case <-s.quit:
			for {
				select {
				case req := <-s.queue:
					req.err = ErrServerDrained
					close(req.done)
					s.inflight.Done()
				default:
					return
				}
			}
		case req := <-s.queue:
			req.run()
			close(req.done)
			s.inflight.Done()
		}
	}
}

// submit enqueues work and waits for it to run. A full queue fails fast
// with ErrServerBusy.
func (s *Session) submit(ctx context.Context, run func()) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch state {
	case SessionReady:
	case SessionDraining:
		return ErrServerDrained
	default:
		return ErrServerUnavailable
	}

	req := &sessionRequest{run: run, done: make(chan struct{})}
	s.inflight.Add(1)
	select {
	case s.queue <- req:
	default:
		s.inflight.Done()
		return ErrServerBusy
	}

	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallTool invokes a tool by its original (un-namespaced) name.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var (
		res *mcp.CallToolResult
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.client.CallTool(ctx, name, args)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// GetPrompt fetches a prompt by its original name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var (
		res *mcp.GetPromptResult
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.client.GetPrompt(ctx, name, args)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// ReadResource reads a resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var (
		res *mcp.ReadResourceResult
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.client.ReadResource(ctx, uri)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// ListTools lists the backend's tools through the session queue, so sync
// shares ordering with live traffic.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		res []mcp.Tool
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.client.ListTools(ctx)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// ListPrompts lists the backend's prompts.
func (s *Session) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var (
		res []mcp.Prompt
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.client.ListPrompts(ctx)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// ListResources lists the backend's resources.
func (s *Session) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var (
		res []mcp.Resource
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.client.ListResources(ctx)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// Ping probes the backend outside the request queue, so a saturated queue
// does not mask liveness.
func (s *Session) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close drains in-flight work up to the timeout, then stops the driver and
// closes the client. Safe to call more than once.
func (s *Session) Close(drainTimeout time.Duration) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = SessionDraining
	s.mu.Unlock()

	if prev == SessionReady {
		waited := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(drainTimeout):
			logging.Warn("Aggregator", "Session %s drain timed out after %s", s.Name, drainTimeout)
		}
	}

	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
	close(s.quit)

	err := s.client.Close()
	logging.Info("Aggregator", "Session for %s closed", s.Name)
	return err
}

// SessionManager tracks live sessions by server name. Safe for concurrent
// use.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Put installs a session under the server name, replacing and closing any
// previous one.
func (m *SessionManager) Put(s *Session, drainTimeout time.Duration) {
	m.mu.Lock()
	prev := m.sessions[s.Name]
	m.sessions[s.Name] = s
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close(drainTimeout)
	}
}

// Get returns the session for a server name.
func (m *SessionManager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Remove detaches and returns the session, if present.
func (m *SessionManager) Remove(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	return s, ok
}

// All returns a snapshot of live sessions.
func (m *SessionManager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll closes every session, used at shutdown.
func (m *SessionManager) CloseAll(drainTimeout time.Duration) {
	for _, s := range m.All() {
		_ = s.Close(drainTimeout)
	}
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}
