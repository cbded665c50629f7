package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cowrite-labs/cowrite/backend/internal/crdt"
)

// room is the in-memory unit of collaboration for one document. All mutating
// operations against a room run under its mutex; cross-room operations
// proceed independently.
type room struct {
	id string

	mu       sync.Mutex
	loaded   bool
	evicted  bool
	state    crdt.State
	sessions map[string]*Session
	presence map[string]json.RawMessage

	// Debounced materialization. The timer is owned by the room; firing and
	// resetting are mutually exclusive via mu and the generation counter.
	pending     []byte
	debounceGen uint64
	timer       *time.Timer

	// Snapshot saves run off the critical section; saveSeq orders them so a
	// slow earlier save never clobbers a newer snapshot.
	saveSeq   uint64
	persistMu sync.Mutex
	persisted uint64
}

func newRoom(id string) *room {
	return &room{
		id:       id,
		sessions: make(map[string]*Session),
		presence: make(map[string]json.RawMessage),
	}
}

// peersOf returns every member except the given session. Callers must hold mu.
func (r *room) peersOf(sessionID string) []*Session {
	peers := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id != sessionID {
			peers = append(peers, sess)
		}
	}
	return peers
}

// takePending clears and returns the pending materialization and cancels the
// timer. Callers must hold mu.
func (r *room) takePending() []byte {
	content := r.pending
	r.pending = nil
	r.debounceGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return content
}
