package ims

import (
	"sync"
	"time"
)

// answerMonitor holds a one-shot invitation answer. Waiters are released
// when the status leaves InvitationNotAnswered; later updates are ignored.
type answerMonitor struct {
	mu     sync.Mutex
	status InvitationStatus
	done   chan struct{}
}

func newAnswerMonitor() *answerMonitor {
	return &answerMonitor{done: make(chan struct{})}
}

func (m *answerMonitor) Status() InvitationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// set records the answer and reports whether it was the first one
func (m *answerMonitor) set(status InvitationStatus) bool {
	if status == InvitationNotAnswered {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != InvitationNotAnswered {
		return false
	}
	m.status = status
	close(m.done)
	return true
}

// wait blocks until the answer is set, the timeout elapses or interrupt is
// closed. On interruption the status returned by onInterrupt is recorded.
func (m *answerMonitor) wait(timeout time.Duration, interrupt <-chan struct{}, onInterrupt func() InvitationStatus) InvitationStatus {
	if status := m.Status(); status != InvitationNotAnswered {
		return status
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.done:
	case <-timer.C:
		m.set(InvitationTimeout)
	case <-interrupt:
		m.set(onInterrupt())
	}
	return m.Status()
}
