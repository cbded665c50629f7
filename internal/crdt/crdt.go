package crdt

import "errors"

var (
	// ErrMalformedUpdate indicates that an update payload failed to decode or validate.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedState indicates that a full-state encoding failed to decode.
	ErrMalformedState = errors.New("crdt: malformed state encoding")
)

// Engine creates and decodes convergent document states. Implementations must
// guarantee that replicas applying the same set of updates in any order and
// with any duplication converge to byte-identical full-state encodings.
type Engine interface {
	// NewState returns an empty document state.
	NewState() State
	// DecodeFull reconstructs a state from a full-state encoding.
	DecodeFull(encoded []byte) (State, error)
}

// State is a single mergeable replica of a document.
type State interface {
	// ApplyUpdate merges an encoded update into the state. The merge is
	// commutative, associative, and idempotent; on error the state is
	// unchanged.
	ApplyUpdate(update []byte) error
	// EncodeFull produces a deterministic full-state encoding.
	EncodeFull() ([]byte, error)
	// EncodeDelta produces an update carrying every write newer than the
	// provided per-actor version vector.
	EncodeDelta(since map[string]uint64) ([]byte, error)
	// MaterializeJSON derives the canonical JSON document tree. Identical
	// states materialize to byte-identical JSON regardless of update order.
	MaterializeJSON() ([]byte, error)
}
