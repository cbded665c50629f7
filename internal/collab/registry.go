package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cowrite-labs/cowrite/backend/internal/crdt"
)

const defaultDebounceWindow = 2 * time.Second

var (
	// ErrAccessDenied indicates the identity may not join or edit the document.
	// It does not reveal whether the document exists.
	ErrAccessDenied = errors.New("collab: access denied")
	// ErrNotJoined indicates the session is not a member of the room.
	ErrNotJoined = errors.New("collab: session not joined to room")
	// ErrRegistryClosed indicates the registry has been shut down.
	ErrRegistryClosed = errors.New("collab: registry closed")

	errMissingEngine    = errors.New("collab: convergent engine is required")
	errMissingSnapshots = errors.New("collab: snapshot store is required")
	errMissingAccess    = errors.New("collab: access checker is required")
	errMissingCanonical = errors.New("collab: canonical writer is required")
)

// AccessChecker is the authorization gate consulted on join and on every
// mutating update.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, documentID string) (bool, error)
}

// SnapshotStore loads and saves full convergent-state snapshots.
type SnapshotStore interface {
	Load(ctx context.Context, documentID string) ([]byte, bool, error)
	Save(ctx context.Context, documentID string, snapshot []byte) error
}

// CanonicalWriter receives the materialized JSON tree for the system of record.
type CanonicalWriter interface {
	UpdateContent(ctx context.Context, documentID string, contentJSON []byte) error
}

// PresenceEntry is one member's last-known presence payload.
type PresenceEntry struct {
	SessionID string
	UserID    string
	Payload   json.RawMessage
}

// JoinResult is returned to a joining session: the document's full state and
// the presence of every other member.
type JoinResult struct {
	FullState []byte
	Presence  []PresenceEntry
}

// RegistryConfig describes the collaborators of the room registry.
type RegistryConfig struct {
	Engine         crdt.Engine
	Snapshots      SnapshotStore
	Access         AccessChecker
	Canonical      CanonicalWriter
	DebounceWindow time.Duration
	Logger         *zap.Logger
}

// Registry owns all room state. Rooms are created lazily on first join,
// loaded from the snapshot store, and evicted (after flushing) when their
// last member leaves.
type Registry struct {
	engine    crdt.Engine
	snapshots SnapshotStore
	access    AccessChecker
	canonical CanonicalWriter
	debounce  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	saves sync.WaitGroup
}

// NewRegistry validates dependencies and constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	if cfg.Canonical == nil {
		return nil, errMissingCanonical
	}
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = defaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		engine:    cfg.Engine,
		snapshots: cfg.Snapshots,
		access:    cfg.Access,
		canonical: cfg.Canonical,
		debounce:  debounce,
		logger:    logger,
		rooms:     make(map[string]*room),
	}, nil
}

// Join authorizes the session against the document, loads the room if it is
// not resident, registers the session, and returns the full state plus the
// presence of the other members. A session already joined to another room
// leaves it first.
func (r *Registry) Join(ctx context.Context, documentID string, sess *Session) (JoinResult, error) {
	allowed, err := r.access.CheckAccess(ctx, sess.UserID(), documentID)
	if err != nil {
		r.logger.Warn("join authorization check failed",
			zap.String("document_id", documentID), zap.Error(err))
		return JoinResult{}, fmt.Errorf("%w: authorization unavailable", ErrAccessDenied)
	}
	if !allowed {
		r.logger.Warn("join denied", zap.String("document_id", documentID))
		return JoinResult{}, ErrAccessDenied
	}

	if current := sess.currentRoom(); current != "" && current != documentID {
		if err := r.Leave(ctx, current, sess); err != nil && !errors.Is(err, ErrNotJoined) {
			return JoinResult{}, err
		}
	}

	for {
		joinedRoom, err := r.roomFor(documentID)
		if err != nil {
			return JoinResult{}, err
		}

		joinedRoom.mu.Lock()
		if joinedRoom.evicted {
			joinedRoom.mu.Unlock()
			continue
		}
		if !joinedRoom.loaded {
			if err := r.loadRoomLocked(ctx, joinedRoom); err != nil {
				joinedRoom.mu.Unlock()
				return JoinResult{}, err
			}
		}
		joinedRoom.sessions[sess.ID()] = sess
		sess.setRoom(documentID)

		result := JoinResult{Presence: make([]PresenceEntry, 0, len(joinedRoom.presence))}
		for sessionID, payload := range joinedRoom.presence {
			if sessionID == sess.ID() {
				continue
			}
			member, ok := joinedRoom.sessions[sessionID]
			if !ok {
				continue
			}
			result.Presence = append(result.Presence, PresenceEntry{
				SessionID: sessionID,
				UserID:    member.UserID(),
				Payload:   payload,
			})
		}
		full, err := joinedRoom.state.EncodeFull()
		joinedRoom.mu.Unlock()
		if err != nil {
			return JoinResult{}, fmt.Errorf("collab: encode full state: %w", err)
		}
		result.FullState = full
		return result, nil
	}
}

// ApplyUpdate re-authorizes the session, merges the update into the room's
// convergent state, schedules a snapshot save and the debounced canonical
// write, and broadcasts the raw update to the other members. Broadcast
// happens after the in-memory merge but does not wait for persistence.
func (r *Registry) ApplyUpdate(ctx context.Context, documentID string, sess *Session, update []byte) error {
	allowed, err := r.access.CheckAccess(ctx, sess.UserID(), documentID)
	if err != nil {
		r.logger.Warn("update authorization check failed",
			zap.String("document_id", documentID), zap.Error(err))
		return fmt.Errorf("%w: authorization unavailable", ErrAccessDenied)
	}
	if !allowed {
		return ErrAccessDenied
	}

	activeRoom := r.lookup(documentID)
	if activeRoom == nil {
		return ErrNotJoined
	}

	activeRoom.mu.Lock()
	if _, member := activeRoom.sessions[sess.ID()]; !member {
		activeRoom.mu.Unlock()
		return ErrNotJoined
	}
	if err := activeRoom.state.ApplyUpdate(update); err != nil {
		activeRoom.mu.Unlock()
		return err
	}

	encoded, encodeErr := activeRoom.state.EncodeFull()
	materialized, materializeErr := activeRoom.state.MaterializeJSON()
	if materializeErr == nil {
		activeRoom.pending = materialized
		r.resetDebounceLocked(activeRoom)
	}
	activeRoom.saveSeq++
	saveSeq := activeRoom.saveSeq
	peers := activeRoom.peersOf(sess.ID())
	activeRoom.mu.Unlock()

	if materializeErr != nil {
		r.logger.Error("materialization failed",
			zap.String("document_id", documentID), zap.Error(materializeErr))
	}

	echo := Envelope{
		Type:       MessageTypeUpdate,
		DocumentID: documentID,
		Update:     update,
		SessionID:  sess.ID(),
		UserID:     sess.UserID(),
	}
	for _, peer := range peers {
		peer.deliver(echo)
	}

	if encodeErr != nil {
		r.logger.Error("snapshot encode failed",
			zap.String("document_id", documentID), zap.Error(encodeErr))
		return nil
	}
	r.saves.Add(1)
	go func() {
		defer r.saves.Done()
		r.persistSnapshot(activeRoom, saveSeq, encoded)
	}()
	return nil
}

// UpdatePresence replaces the session's presence payload and broadcasts it.
// Presence is advisory: no authorization re-check and no persistence.
func (r *Registry) UpdatePresence(_ context.Context, documentID string, sess *Session, payload json.RawMessage) error {
	activeRoom := r.lookup(documentID)
	if activeRoom == nil {
		return ErrNotJoined
	}

	activeRoom.mu.Lock()
	if _, member := activeRoom.sessions[sess.ID()]; !member {
		activeRoom.mu.Unlock()
		return ErrNotJoined
	}
	activeRoom.presence[sess.ID()] = payload
	peers := activeRoom.peersOf(sess.ID())
	activeRoom.mu.Unlock()

	envelope := Envelope{
		Type:       MessageTypePresence,
		DocumentID: documentID,
		Presence:   payload,
		SessionID:  sess.ID(),
		UserID:     sess.UserID(),
	}
	for _, peer := range peers {
		peer.deliver(envelope)
	}
	return nil
}

// Leave removes the session from the room and broadcasts its presence
// removal. When the last member leaves, pending materialization is flushed
// synchronously, a final snapshot is written, and the room is evicted.
func (r *Registry) Leave(ctx context.Context, documentID string, sess *Session) error {
	departedRoom := r.lookup(documentID)
	if departedRoom == nil {
		return ErrNotJoined
	}

	departedRoom.mu.Lock()
	if _, member := departedRoom.sessions[sess.ID()]; !member {
		departedRoom.mu.Unlock()
		return ErrNotJoined
	}
	delete(departedRoom.sessions, sess.ID())
	delete(departedRoom.presence, sess.ID())
	sess.clearRoom(documentID)
	peers := departedRoom.peersOf("")
	empty := len(departedRoom.sessions) == 0
	departedRoom.mu.Unlock()

	removal := Envelope{
		Type:       MessageTypePresence,
		DocumentID: documentID,
		SessionID:  sess.ID(),
		UserID:     sess.UserID(),
		Removed:    true,
	}
	for _, peer := range peers {
		peer.deliver(removal)
	}

	if empty {
		r.evictIfEmpty(ctx, documentID, departedRoom)
	}
	return nil
}

// Disconnect performs room cleanup for whatever room the session currently
// belongs to. Called by the connection manager on any transport disconnect.
func (r *Registry) Disconnect(ctx context.Context, sess *Session) {
	if roomID := sess.currentRoom(); roomID != "" {
		if err := r.Leave(ctx, roomID, sess); err != nil && !errors.Is(err, ErrNotJoined) {
			r.logger.Error("disconnect cleanup failed",
				zap.String("document_id", roomID), zap.Error(err))
		}
	}
}

// Shutdown flushes every room's pending materialization and a final snapshot,
// closes every session, and waits for outstanding background saves.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.closed = true
	remaining := make([]*room, 0, len(r.rooms))
	for _, activeRoom := range r.rooms {
		remaining = append(remaining, activeRoom)
	}
	r.rooms = make(map[string]*room)
	r.mu.Unlock()

	for _, activeRoom := range remaining {
		activeRoom.mu.Lock()
		activeRoom.evicted = true
		content := activeRoom.takePending()
		var encoded []byte
		var encodeErr error
		if activeRoom.loaded {
			encoded, encodeErr = activeRoom.state.EncodeFull()
		}
		activeRoom.saveSeq++
		saveSeq := activeRoom.saveSeq
		sessions := activeRoom.peersOf("")
		activeRoom.mu.Unlock()

		if content != nil {
			r.writeCanonical(activeRoom.id, content)
		}
		if encodeErr != nil {
			r.logger.Error("snapshot encode failed",
				zap.String("document_id", activeRoom.id), zap.Error(encodeErr))
		} else if encoded != nil {
			r.persistSnapshot(activeRoom, saveSeq, encoded)
		}
		for _, sess := range sessions {
			sess.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		r.saves.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoomCount reports the number of resident rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) roomFor(documentID string) (*room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	existing, ok := r.rooms[documentID]
	if ok {
		return existing, nil
	}
	created := newRoom(documentID)
	r.rooms[documentID] = created
	return created, nil
}

func (r *Registry) lookup(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

// loadRoomLocked initializes the room's state from the snapshot store.
// Callers must hold the room's mutex.
func (r *Registry) loadRoomLocked(ctx context.Context, cold *room) error {
	snapshot, found, err := r.snapshots.Load(ctx, cold.id)
	if err != nil {
		r.logger.Error("snapshot load failed",
			zap.String("document_id", cold.id), zap.Error(err))
		return fmt.Errorf("collab: load snapshot: %w", err)
	}
	if found {
		state, decodeErr := r.engine.DecodeFull(snapshot)
		if decodeErr != nil {
			r.logger.Error("snapshot decode failed",
				zap.String("document_id", cold.id), zap.Error(decodeErr))
			return fmt.Errorf("collab: decode snapshot: %w", decodeErr)
		}
		cold.state = state
	} else {
		cold.state = r.engine.NewState()
	}
	cold.loaded = true
	return nil
}

// resetDebounceLocked restarts the room's debounce timer. Callers must hold
// the room's mutex.
func (r *Registry) resetDebounceLocked(activeRoom *room) {
	activeRoom.debounceGen++
	generation := activeRoom.debounceGen
	if activeRoom.timer != nil {
		activeRoom.timer.Stop()
	}
	activeRoom.timer = time.AfterFunc(r.debounce, func() {
		r.fireDebounce(activeRoom, generation)
	})
}

// fireDebounce performs the trailing canonical write if no newer update has
// reset the timer since it was scheduled.
func (r *Registry) fireDebounce(activeRoom *room, generation uint64) {
	activeRoom.mu.Lock()
	if activeRoom.debounceGen != generation || activeRoom.pending == nil {
		activeRoom.mu.Unlock()
		return
	}
	content := activeRoom.pending
	activeRoom.pending = nil
	activeRoom.timer = nil
	activeRoom.mu.Unlock()

	r.writeCanonical(activeRoom.id, content)
}

func (r *Registry) writeCanonical(documentID string, content []byte) {
	if err := r.canonical.UpdateContent(context.Background(), documentID, content); err != nil {
		r.logger.Error("canonical document write failed",
			zap.String("document_id", documentID), zap.Error(err))
	}
}

// persistSnapshot writes a snapshot unless a newer one has already been
// written. Failures are logged; the in-memory room stays authoritative until
// a later save succeeds.
func (r *Registry) persistSnapshot(activeRoom *room, saveSeq uint64, encoded []byte) {
	activeRoom.persistMu.Lock()
	defer activeRoom.persistMu.Unlock()
	if saveSeq < activeRoom.persisted {
		return
	}
	activeRoom.persisted = saveSeq
	if err := r.snapshots.Save(context.Background(), activeRoom.id, encoded); err != nil {
		r.logger.Error("snapshot save failed",
			zap.String("document_id", activeRoom.id), zap.Error(err))
	}
}

// evictIfEmpty flushes and drops the room if it still has no members.
func (r *Registry) evictIfEmpty(_ context.Context, documentID string, emptyRoom *room) {
	r.mu.Lock()
	emptyRoom.mu.Lock()
	if len(emptyRoom.sessions) > 0 || emptyRoom.evicted || r.rooms[documentID] != emptyRoom {
		emptyRoom.mu.Unlock()
		r.mu.Unlock()
		return
	}
	emptyRoom.evicted = true
	delete(r.rooms, documentID)
	content := emptyRoom.takePending()
	var encoded []byte
	var encodeErr error
	if emptyRoom.loaded {
		encoded, encodeErr = emptyRoom.state.EncodeFull()
	}
	emptyRoom.saveSeq++
	saveSeq := emptyRoom.saveSeq
	emptyRoom.mu.Unlock()
	r.mu.Unlock()

	if content != nil {
		r.writeCanonical(documentID, content)
	}
	if encodeErr != nil {
		r.logger.Error("snapshot encode failed",
			zap.String("document_id", documentID), zap.Error(encodeErr))
	} else if encoded != nil {
		r.persistSnapshot(emptyRoom, saveSeq, encoded)
	}
	r.logger.Info("room evicted", zap.String("document_id", documentID))
}
