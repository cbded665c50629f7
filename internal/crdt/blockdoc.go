package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// BlockWrite is the unit of change in the block document: the full intended
// value of one block, stamped with the writer's lamport clock and actor id.
// Concurrent writes to the same block resolve last-writer-wins under the
// total order (lamport, actor, deleted, position, node bytes).
type BlockWrite struct {
	BlockID  string          `json:"block_id"`
	Position string          `json:"position"`
	Node     json.RawMessage `json:"node,omitempty"`
	Lamport  uint64          `json:"lamport"`
	Actor    string          `json:"actor"`
	Deleted  bool            `json:"deleted,omitempty"`
}

// Update is the wire payload merged into a block document state.
type Update struct {
	Writes []BlockWrite `json:"writes"`
}

// EncodeUpdate serializes an update for transmission.
func EncodeUpdate(update Update) ([]byte, error) {
	if len(update.Writes) == 0 {
		return nil, fmt.Errorf("%w: no writes", ErrMalformedUpdate)
	}
	for _, write := range update.Writes {
		if err := validateWrite(write); err != nil {
			return nil, err
		}
	}
	return json.Marshal(update)
}

// BlockEngine builds block document states. The document is a set of blocks
// ordered by fractional position; removed blocks remain as tombstones so that
// deletion commutes with concurrent edits.
type BlockEngine struct{}

// NewBlockEngine returns the block document engine.
func NewBlockEngine() BlockEngine {
	return BlockEngine{}
}

// NewState returns an empty block document.
func (BlockEngine) NewState() State {
	return &blockState{blocks: make(map[string]BlockWrite)}
}

// DecodeFull reconstructs a block document from its full-state encoding.
func (BlockEngine) DecodeFull(encoded []byte) (State, error) {
	var full fullState
	if err := json.Unmarshal(encoded, &full); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	state := &blockState{blocks: make(map[string]BlockWrite, len(full.Blocks))}
	for _, write := range full.Blocks {
		if err := validateWrite(write); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
		}
		state.merge(write)
	}
	return state, nil
}

type fullState struct {
	Blocks []BlockWrite `json:"blocks"`
}

type blockState struct {
	blocks map[string]BlockWrite
}

// ApplyUpdate merges every write of the update, validating the whole payload
// before the first merge so a malformed update leaves the state untouched.
func (s *blockState) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var decoded Update
	if err := json.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if len(decoded.Writes) == 0 {
		return fmt.Errorf("%w: no writes", ErrMalformedUpdate)
	}
	for _, write := range decoded.Writes {
		if err := validateWrite(write); err != nil {
			return err
		}
	}
	for _, write := range decoded.Writes {
		s.merge(write)
	}
	return nil
}

// EncodeFull encodes the blocks sorted by block id so two converged replicas
// produce byte-identical output.
func (s *blockState) EncodeFull() ([]byte, error) {
	blocks := make([]BlockWrite, 0, len(s.blocks))
	for _, write := range s.blocks {
		blocks = append(blocks, write)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockID < blocks[j].BlockID
	})
	return json.Marshal(fullState{Blocks: blocks})
}

// EncodeDelta encodes the winning writes newer than the caller's version
// vector. A replica that applied the delta on top of the vector's state holds
// every write this replica holds.
func (s *blockState) EncodeDelta(since map[string]uint64) ([]byte, error) {
	writes := make([]BlockWrite, 0)
	for _, write := range s.blocks {
		if write.Lamport > since[write.Actor] {
			writes = append(writes, write)
		}
	}
	sort.Slice(writes, func(i, j int) bool {
		return writes[i].BlockID < writes[j].BlockID
	})
	return json.Marshal(Update{Writes: writes})
}

type materializedDoc struct {
	Type    string            `json:"type"`
	Content []json.RawMessage `json:"content"`
}

// MaterializeJSON derives the canonical document tree: visible blocks ordered
// by (position, block id) wrapped in a single doc node.
func (s *blockState) MaterializeJSON() ([]byte, error) {
	visible := make([]BlockWrite, 0, len(s.blocks))
	for _, write := range s.blocks {
		if !write.Deleted {
			visible = append(visible, write)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].Position != visible[j].Position {
			return visible[i].Position < visible[j].Position
		}
		return visible[i].BlockID < visible[j].BlockID
	})
	doc := materializedDoc{Type: "doc", Content: make([]json.RawMessage, 0, len(visible))}
	for _, write := range visible {
		doc.Content = append(doc.Content, write.Node)
	}
	return json.Marshal(doc)
}

func (s *blockState) merge(incoming BlockWrite) {
	existing, ok := s.blocks[incoming.BlockID]
	if !ok || supersedes(incoming, existing) {
		s.blocks[incoming.BlockID] = incoming
	}
}

// supersedes reports whether a wins over b. The comparison is a strict total
// order over distinct writes, which makes the merge commutative and
// re-applying an already-held write a no-op.
func supersedes(a, b BlockWrite) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.Actor != b.Actor {
		return a.Actor > b.Actor
	}
	if a.Deleted != b.Deleted {
		return a.Deleted
	}
	if a.Position != b.Position {
		return a.Position > b.Position
	}
	return bytes.Compare(a.Node, b.Node) > 0
}

func validateWrite(write BlockWrite) error {
	if write.BlockID == "" {
		return fmt.Errorf("%w: empty block id", ErrMalformedUpdate)
	}
	if write.Position == "" {
		return fmt.Errorf("%w: empty position", ErrMalformedUpdate)
	}
	if write.Lamport == 0 {
		return fmt.Errorf("%w: zero lamport clock", ErrMalformedUpdate)
	}
	if write.Actor == "" {
		return fmt.Errorf("%w: empty actor", ErrMalformedUpdate)
	}
	if !write.Deleted && len(write.Node) == 0 {
		return fmt.Errorf("%w: live block without node", ErrMalformedUpdate)
	}
	return nil
}
