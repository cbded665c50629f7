package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func mustEncodeUpdate(t *testing.T, writes ...BlockWrite) []byte {
	t.Helper()
	encoded, err := EncodeUpdate(Update{Writes: writes})
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	return encoded
}

func mustApply(t *testing.T, state State, update []byte) {
	t.Helper()
	if err := state.ApplyUpdate(update); err != nil {
		t.Fatalf("apply update: %v", err)
	}
}

func mustEncodeFull(t *testing.T, state State) []byte {
	t.Helper()
	encoded, err := state.EncodeFull()
	if err != nil {
		t.Fatalf("encode full: %v", err)
	}
	return encoded
}

func mustMaterialize(t *testing.T, state State) []byte {
	t.Helper()
	materialized, err := state.MaterializeJSON()
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return materialized
}

func paragraph(text string) json.RawMessage {
	node, _ := json.Marshal(map[string]string{"type": "paragraph", "text": text})
	return node
}

func TestApplyUpdateConvergesAcrossOrders(t *testing.T) {
	engine := NewBlockEngine()
	updates := [][]byte{
		mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "V", Node: paragraph("first"), Lamport: 1, Actor: "alice"}),
		mustEncodeUpdate(t, BlockWrite{BlockID: "b2", Position: "k", Node: paragraph("second"), Lamport: 1, Actor: "bob"}),
		mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "V", Node: paragraph("first revised"), Lamport: 2, Actor: "bob"}),
	}

	forward := engine.NewState()
	for _, update := range updates {
		mustApply(t, forward, update)
	}

	reversed := engine.NewState()
	for i := len(updates) - 1; i >= 0; i-- {
		mustApply(t, reversed, updates[i])
	}

	if !bytes.Equal(mustEncodeFull(t, forward), mustEncodeFull(t, reversed)) {
		t.Fatalf("replicas diverged:\n%s\n%s", mustEncodeFull(t, forward), mustEncodeFull(t, reversed))
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	engine := NewBlockEngine()
	state := engine.NewState()
	update := mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "V", Node: paragraph("hello"), Lamport: 3, Actor: "alice"})

	mustApply(t, state, update)
	once := mustEncodeFull(t, state)
	mustApply(t, state, update)
	twice := mustEncodeFull(t, state)

	if !bytes.Equal(once, twice) {
		t.Fatalf("re-applying an update changed the state:\n%s\n%s", once, twice)
	}
}

func TestConcurrentWritesResolveByActorTiebreak(t *testing.T) {
	engine := NewBlockEngine()
	a := mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "V", Node: paragraph("from alice"), Lamport: 5, Actor: "alice"})
	b := mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "V", Node: paragraph("from zed"), Lamport: 5, Actor: "zed"})

	first := engine.NewState()
	mustApply(t, first, a)
	mustApply(t, first, b)

	second := engine.NewState()
	mustApply(t, second, b)
	mustApply(t, second, a)

	if !bytes.Equal(mustEncodeFull(t, first), mustEncodeFull(t, second)) {
		t.Fatalf("tiebreak depends on arrival order")
	}
	if !bytes.Contains(mustMaterialize(t, first), []byte("from zed")) {
		t.Fatalf("expected the higher actor id to win, got %s", mustMaterialize(t, first))
	}
}

func TestConcurrentMovesResolveByPositionTiebreak(t *testing.T) {
	engine := NewBlockEngine()
	// Same block, same clock, same actor, same node: the writes differ only
	// in position, as when a block is moved twice without a clock advance.
	node := paragraph("moved block")
	a := mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "A", Node: node, Lamport: 1, Actor: "alice"})
	b := mustEncodeUpdate(t, BlockWrite{BlockID: "b1", Position: "B", Node: node, Lamport: 1, Actor: "alice"})

	first := engine.NewState()
	mustApply(t, first, a)
	mustApply(t, first, b)

	second := engine.NewState()
	mustApply(t, second, b)
	mustApply(t, second, a)

	if !bytes.Equal(mustEncodeFull(t, first), mustEncodeFull(t, second)) {
		t.Fatalf("position-only tie depends on arrival order:\n%s\n%s",
			mustEncodeFull(t, first), mustEncodeFull(t, second))
	}
	if !bytes.Contains(mustEncodeFull(t, first), []byte(`"position":"B"`)) {
		t.Fatalf("expected the higher position to win, got %s", mustEncodeFull(t, first))
	}
}

func TestTombstoneHidesBlockFromMaterialization(t *testing.T) {
	engine := NewBlockEngine()
	state := engine.NewState()
	mustApply(t, state, mustEncodeUpdate(t,
		BlockWrite{BlockID: "b1", Position: "G", Node: paragraph("keep"), Lamport: 1, Actor: "alice"},
		BlockWrite{BlockID: "b2", Position: "V", Node: paragraph("remove"), Lamport: 1, Actor: "alice"},
	))
	mustApply(t, state, mustEncodeUpdate(t,
		BlockWrite{BlockID: "b2", Position: "V", Lamport: 2, Actor: "alice", Deleted: true},
	))

	materialized := mustMaterialize(t, state)
	if bytes.Contains(materialized, []byte("remove")) {
		t.Fatalf("deleted block still visible: %s", materialized)
	}
	if !bytes.Contains(materialized, []byte("keep")) {
		t.Fatalf("live block missing: %s", materialized)
	}

	// The tombstone stays in the full state so a concurrent late edit with a
	// lower clock cannot resurrect the block.
	full := mustEncodeFull(t, state)
	if !bytes.Contains(full, []byte("b2")) {
		t.Fatalf("tombstone dropped from full state: %s", full)
	}
}

func TestMaterializeOrdersByPosition(t *testing.T) {
	engine := NewBlockEngine()
	state := engine.NewState()
	mustApply(t, state, mustEncodeUpdate(t,
		BlockWrite{BlockID: "late", Position: "k", Node: paragraph("third"), Lamport: 1, Actor: "alice"},
		BlockWrite{BlockID: "early", Position: "G", Node: paragraph("first"), Lamport: 1, Actor: "alice"},
		BlockWrite{BlockID: "middle", Position: "GV", Node: paragraph("second"), Lamport: 1, Actor: "alice"},
	))

	var doc struct {
		Type    string `json:"type"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(mustMaterialize(t, state), &doc); err != nil {
		t.Fatalf("decode materialized doc: %v", err)
	}
	if doc.Type != "doc" {
		t.Fatalf("unexpected root type %q", doc.Type)
	}
	if len(doc.Content) != 3 {
		t.Fatalf("expected 3 visible blocks, got %d", len(doc.Content))
	}
	got := []string{doc.Content[0].Text, doc.Content[1].Text, doc.Content[2].Text}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("materialized order %v, want %v", got, want)
		}
	}
}

func TestMalformedUpdateLeavesStateUntouched(t *testing.T) {
	engine := NewBlockEngine()
	state := engine.NewState()
	mustApply(t, state, mustEncodeUpdate(t,
		BlockWrite{BlockID: "b1", Position: "V", Node: paragraph("original"), Lamport: 1, Actor: "alice"},
	))
	before := mustEncodeFull(t, state)

	// Second write is invalid, so the valid first write must not land either.
	mixed, err := json.Marshal(Update{Writes: []BlockWrite{
		{BlockID: "b1", Position: "V", Node: paragraph("changed"), Lamport: 2, Actor: "alice"},
		{BlockID: "", Position: "V", Node: paragraph("bad"), Lamport: 2, Actor: "alice"},
	}})
	if err != nil {
		t.Fatalf("marshal mixed update: %v", err)
	}

	cases := [][]byte{nil, []byte("not json"), []byte(`{"writes":[]}`), mixed}
	for _, payload := range cases {
		if err := state.ApplyUpdate(payload); !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("payload %q: expected ErrMalformedUpdate, got %v", payload, err)
		}
	}

	if !bytes.Equal(before, mustEncodeFull(t, state)) {
		t.Fatalf("rejected update mutated the state")
	}
}

func TestDecodeFullRoundTrip(t *testing.T) {
	engine := NewBlockEngine()
	state := engine.NewState()
	mustApply(t, state, mustEncodeUpdate(t,
		BlockWrite{BlockID: "b1", Position: "G", Node: paragraph("alpha"), Lamport: 4, Actor: "alice"},
		BlockWrite{BlockID: "b2", Position: "V", Lamport: 2, Actor: "bob", Deleted: true},
	))

	encoded := mustEncodeFull(t, state)
	decoded, err := engine.DecodeFull(encoded)
	if err != nil {
		t.Fatalf("decode full: %v", err)
	}
	if !bytes.Equal(encoded, mustEncodeFull(t, decoded)) {
		t.Fatalf("round trip changed the encoding")
	}

	if _, err := engine.DecodeFull([]byte("garbage")); !errors.Is(err, ErrMalformedState) {
		t.Fatalf("expected ErrMalformedState, got %v", err)
	}
}

func TestEncodeDeltaSkipsWritesTheCallerHolds(t *testing.T) {
	engine := NewBlockEngine()
	state := engine.NewState()
	mustApply(t, state, mustEncodeUpdate(t,
		BlockWrite{BlockID: "b1", Position: "G", Node: paragraph("old"), Lamport: 1, Actor: "alice"},
		BlockWrite{BlockID: "b2", Position: "V", Node: paragraph("new"), Lamport: 3, Actor: "alice"},
		BlockWrite{BlockID: "b3", Position: "k", Node: paragraph("other"), Lamport: 2, Actor: "bob"},
	))

	delta, err := state.EncodeDelta(map[string]uint64{"alice": 2})
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	var decoded Update
	if err := json.Unmarshal(delta, &decoded); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if len(decoded.Writes) != 2 {
		t.Fatalf("expected 2 writes in delta, got %d: %s", len(decoded.Writes), delta)
	}
	for _, write := range decoded.Writes {
		if write.BlockID == "b1" {
			t.Fatalf("delta contains a write the caller already holds")
		}
	}

	receiver := engine.NewState()
	mustApply(t, receiver, mustEncodeUpdate(t,
		BlockWrite{BlockID: "b1", Position: "G", Node: paragraph("old"), Lamport: 1, Actor: "alice"},
	))
	mustApply(t, receiver, delta)
	if !bytes.Equal(mustEncodeFull(t, state), mustEncodeFull(t, receiver)) {
		t.Fatalf("delta application did not converge")
	}
}
