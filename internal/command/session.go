package command

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepmind9/obhub/internal/logger"
	"github.com/keepmind9/obhub/internal/protocol"
)

var (
	// ErrDuplicateWait is returned when a session already waits for the
	// same source identity. The original waiter keeps its slot.
	ErrDuplicateWait = errors.New("command: a session is already waiting for this identity")

	// ErrWaitTimeout is returned when no matching message arrives before
	// the wait deadline.
	ErrWaitTimeout = errors.New("command: wait timed out")
)

// DefaultWaitTimeout is used when a WaitSpec omits the timeout.
const DefaultWaitTimeout = 60 * time.Second

// Identity is the source tuple a continuation session is keyed by. At most
// one session may wait per distinct identity at a time.
type Identity struct {
	ConnID  string
	Source  protocol.SourceKind
	UserID  int64
	GroupID int64
}

// IdentityOf derives the session key from a message event. The group id
// only participates for group-sourced messages.
func IdentityOf(ev *protocol.Event) Identity {
	id := Identity{
		ConnID: ev.ConnID,
		Source: ev.Source,
		UserID: ev.UserID,
	}
	if ev.Source == protocol.SourceGroup {
		id.GroupID = ev.GroupID
	}
	return id
}

// WaitSpec describes what a continuation session waits for.
type WaitSpec struct {
	// Expressions match against the next message's raw text (ANY matches).
	Expressions []string

	// Predicate is the alternative matcher over the full event.
	Predicate func(ev *protocol.Event) bool

	// Timeout bounds the wait; DefaultWaitTimeout when zero.
	Timeout time.Duration

	// OnTimeout, when set, is invoked asynchronously exactly once if the
	// wait times out.
	OnTimeout func()
}

type waitingSession struct {
	compiled  []*regexp.Regexp
	predicate func(ev *protocol.Event) bool
	ch        chan *protocol.Event
}

func (w *waitingSession) matches(ev *protocol.Event) bool {
	for _, re := range w.compiled {
		if re.MatchString(ev.RawText) {
			return true
		}
	}
	if w.predicate != nil {
		return w.predicate(ev)
	}
	return len(w.compiled) == 0
}

// SessionManager registers, signals, and times out one-shot continuation
// waits keyed by source identity.
type SessionManager struct {
	mu      sync.Mutex
	waiting map[Identity]*waitingSession
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{waiting: make(map[Identity]*waitingSession)}
}

// Wait suspends the caller until the next message matching spec arrives
// from identity, or the timeout elapses. A second Wait for an identical
// identity while the first is outstanding returns ErrDuplicateWait
// immediately without touching the original session. The session is
// removed exactly once, at resolution or timeout, whichever comes first.
func (m *SessionManager) Wait(id Identity, spec WaitSpec) (*protocol.Event, error) {
	w := &waitingSession{
		predicate: spec.Predicate,
		ch:        make(chan *protocol.Event, 1),
	}
	for _, expr := range spec.Expressions {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("command: compile wait expression %q: %w", expr, err)
		}
		w.compiled = append(w.compiled, re)
	}

	m.mu.Lock()
	if _, exists := m.waiting[id]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateWait
	}
	m.waiting[id] = w
	m.mu.Unlock()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		m.mu.Lock()
		_, still := m.waiting[id]
		if still {
			delete(m.waiting, id)
		}
		m.mu.Unlock()

		if !still {
			// Offer won the race; the event is already committed to the
			// buffered channel.
			return <-w.ch, nil
		}

		logger.WithFields(logrus.Fields{
			"conn_id": id.ConnID,
			"user_id": id.UserID,
			"group":   id.GroupID,
			"timeout": timeout,
		}).Debug("continuation-session-timed-out")

		if spec.OnTimeout != nil {
			go spec.OnTimeout()
		}
		return nil, ErrWaitTimeout
	}
}

// Offer hands an inbound message to a waiting session. When a session for
// the event's identity exists and its spec matches, the session consumes
// the event and is removed before the command engine ever sees the frame.
// Returns whether the event was consumed.
func (m *SessionManager) Offer(ev *protocol.Event) bool {
	if ev.Kind != protocol.KindMessage {
		return false
	}
	id := IdentityOf(ev)

	m.mu.Lock()
	w, ok := m.waiting[id]
	if !ok || !w.matches(ev) {
		m.mu.Unlock()
		return false
	}
	delete(m.waiting, id)
	m.mu.Unlock()

	w.ch <- ev
	return true
}

// WaitingCount returns the number of outstanding sessions.
func (m *SessionManager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}
