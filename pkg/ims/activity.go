package ims

import (
	"sync"
	"time"
)

// SessionActivityManager aborts a session whose media and dialog stayed idle
// for the configured idle timeout
type SessionActivityManager struct {
	session *Session

	mu           sync.Mutex
	timeout      time.Duration
	lastActivity time.Time
	running      bool
	timer        *time.Timer
	generation   uint64
}

func newSessionActivityManager(s *Session) *SessionActivityManager {
	return &SessionActivityManager{session: s}
}

// Start arms the watchdog. A zero idle timeout disables it.
func (a *SessionActivityManager) Start() {
	timeout := a.session.settings().IdleTimeout
	if timeout <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = timeout
	a.lastActivity = time.Now()
	a.running = true
	a.scheduleLocked(timeout)
}

// Stop disarms the watchdog
func (a *SessionActivityManager) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// UpdateActivity records media traffic or an in-dialog exchange
func (a *SessionActivityManager) UpdateActivity() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *SessionActivityManager) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

func (a *SessionActivityManager) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *SessionActivityManager) scheduleLocked(delay time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	gen := a.generation
	a.timer = time.AfterFunc(delay, func() { a.check(gen) })
}

func (a *SessionActivityManager) check(gen uint64) {
	a.mu.Lock()
	if !a.running || gen != a.generation {
		a.mu.Unlock()
		return
	}
	idle := time.Since(a.lastActivity)
	if idle < a.timeout {
		a.scheduleLocked(a.timeout - idle)
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	s := a.session
	s.log().WithField("idle", idle.String()).Info("Session inactive")
	if h, ok := s.media.(InactivityHandler); ok {
		h.HandleInactivity(s)
		return
	}
	s.TerminateSession(TerminationByInactivity)
}
