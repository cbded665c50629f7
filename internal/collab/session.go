package collab

import (
	"sync"
)

const sessionBufferSize = 16

// Session represents one live connection with a resolved identity. A session
// belongs to at most one room at a time.
type Session struct {
	id     string
	userID string

	outbound  chan Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	roomID string
}

// NewSession constructs a session for the given transport identifier and
// resolved user identity.
func NewSession(id, userID string) *Session {
	return &Session{
		id:       id,
		userID:   userID,
		outbound: make(chan Envelope, sessionBufferSize),
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the identity attached to the session.
func (s *Session) UserID() string {
	return s.userID
}

// Outbound returns the channel of envelopes to write to the transport.
func (s *Session) Outbound() <-chan Envelope {
	return s.outbound
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close marks the session as finished. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// deliver enqueues an envelope without blocking room operations. Presence
// envelopes are advisory and dropped when the buffer is full; dropping a
// document envelope would leave the peer's replica stale, so the session is
// closed instead and the client reconnects with a fresh full-state sync.
func (s *Session) deliver(envelope Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- envelope:
		return true
	default:
	}
	if envelope.Type == MessageTypePresence {
		return false
	}
	s.Close()
	return false
}

func (s *Session) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

func (s *Session) clearRoom(roomID string) {
	s.mu.Lock()
	if s.roomID == roomID {
		s.roomID = ""
	}
	s.mu.Unlock()
}
