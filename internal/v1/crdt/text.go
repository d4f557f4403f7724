package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// opID uniquely identifies one character insertion. Counter is per-replica
// and monotonically increasing, so (replica, counter) pairs are globally
// unique without coordination.
type opID struct {
	Replica string
	Counter uint64
}

var rootID = opID{}

// charOp is one RGA element: a character inserted immediately after
// another (identified by After), tombstoned in place on delete rather
// than removed, so concurrent operations referencing it still resolve.
type charOp struct {
	ID      opID
	After   opID
	Value   rune
	Deleted bool
}

// Text is a concurrent, convergent replicated text buffer (a
// Replicated Growable Array). It satisfies Doc.
type Text struct {
	mu      sync.RWMutex
	replica string
	counter uint64
	ops     map[opID]*charOp
	// children maps a parent opID to the IDs of characters inserted
	// immediately after it, used to reconstruct total order.
	children map[opID][]opID
}

// NewText creates an empty Text CRDT for the given replica identifier.
func NewText(replicaID string) *Text {
	return &Text{
		replica:  replicaID,
		ops:      make(map[opID]*charOp),
		children: make(map[opID][]opID),
	}
}

// Insert inserts text at the given rune offset into the locally
// materialized document, returning an opaque update blob that encodes
// the new operations for broadcast to peers.
func (t *Text) Insert(pos int, text string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var order []opID
	for _, id := range t.orderLocked() {
		if op := t.ops[id]; op != nil && !op.Deleted {
			order = append(order, id)
		}
	}
	after := rootID
	if pos > 0 && pos <= len(order) {
		after = order[pos-1]
	} else if pos > len(order) {
		if len(order) > 0 {
			after = order[len(order)-1]
		}
	}

	var newOps []charOp
	for _, r := range text {
		t.counter++
		op := charOp{ID: opID{Replica: t.replica, Counter: t.counter}, After: after, Value: r}
		t.insertLocked(op)
		newOps = append(newOps, op)
		after = op.ID
	}

	return encodeOps(newOps)
}

// Delete tombstones the length runes starting at the given offset in the
// locally materialized document, returning an opaque update blob.
func (t *Text) Delete(pos, length int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var order []opID
	for _, id := range t.orderLocked() {
		if op := t.ops[id]; op != nil && !op.Deleted {
			order = append(order, id)
		}
	}
	var deleted []charOp
	for i := pos; i < pos+length && i < len(order); i++ {
		op := t.ops[order[i]]
		if op == nil || op.Deleted {
			continue
		}
		op.Deleted = true
		deleted = append(deleted, *op)
	}

	return encodeOps(deleted)
}

// Apply merges a batch of operations from an update blob. Unknown
// operations are inserted; operations matching an existing ID whose
// Deleted flag is set tombstone the local copy. Both are idempotent.
func (t *Text) Apply(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return fmt.Errorf("crdt: decode update: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, op := range ops {
		if op.ID.Counter > t.counter {
			t.counter = op.ID.Counter
		}
		existing, ok := t.ops[op.ID]
		if !ok {
			t.insertLocked(op)
			continue
		}
		if op.Deleted {
			existing.Deleted = true
		}
	}
	return nil
}

// StateAsUpdate encodes every operation currently known, in an order
// that applies cleanly to an empty Text (parents always precede
// children).
func (t *Text) StateAsUpdate() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []charOp
	var walk func(parent opID)
	walk = func(parent opID) {
		for _, child := range t.children[parent] {
			all = append(all, *t.ops[child])
			walk(child)
		}
	}
	walk(rootID)

	return encodeOps(all)
}

// Snapshot renders the current materialized text, skipping tombstones.
func (t *Text) Snapshot() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b []rune
	for _, id := range t.orderLocked() {
		op := t.ops[id]
		if op != nil && !op.Deleted {
			b = append(b, op.Value)
		}
	}
	return string(b)
}

// insertLocked adds op into the ops/children indexes. Caller must hold mu.
func (t *Text) insertLocked(op charOp) {
	if _, exists := t.ops[op.ID]; exists {
		return
	}
	stored := op
	t.ops[op.ID] = &stored
	siblings := t.children[op.After]
	// Children of the same parent are ordered by descending (counter,
	// replica) so the tie-break is a pure function of the IDs involved,
	// independent of arrival order — this is what makes concurrent
	// inserts at the same position converge to the same total order on
	// every replica.
	idx := sort.Search(len(siblings), func(i int) bool {
		return less(op.ID, siblings[i])
	})
	siblings = append(siblings, opID{})
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = op.ID
	t.children[op.After] = siblings
}

// orderLocked returns the current total order of character IDs (including
// tombstones). Caller must hold mu (read or write).
func (t *Text) orderLocked() []opID {
	var order []opID
	var walk func(parent opID)
	walk = func(parent opID) {
		for _, child := range t.children[parent] {
			order = append(order, child)
			walk(child)
		}
	}
	walk(rootID)
	return order
}

// less defines the deterministic sibling tie-break: higher counter first,
// then lexicographically larger replica ID first.
func less(a, b opID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Replica > b.Replica
}

func encodeOps(ops []charOp) []byte {
	if len(ops) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		panic(fmt.Sprintf("crdt: encode ops: %v", err))
	}
	return buf.Bytes()
}

func decodeOps(update []byte) ([]charOp, error) {
	if len(update) == 0 {
		return nil, nil
	}
	var ops []charOp
	if err := gob.NewDecoder(bytes.NewReader(update)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
