package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText_InsertLocal(t *testing.T) {
	doc := NewText("r1")
	doc.Insert(0, "hello")
	assert.Equal(t, "hello", doc.Snapshot())

	doc.Insert(5, " world")
	assert.Equal(t, "hello world", doc.Snapshot())
}

func TestText_DeleteLocal(t *testing.T) {
	doc := NewText("r1")
	doc.Insert(0, "hello world")
	doc.Delete(5, 6)
	assert.Equal(t, "hello", doc.Snapshot())
}

func TestText_ApplyRemoteUpdate(t *testing.T) {
	a := NewText("a")
	b := NewText("b")

	update := a.Insert(0, "hello")
	require.NoError(t, b.Apply(update))

	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestText_ConcurrentInsertsConverge(t *testing.T) {
	a := NewText("alice")
	b := NewText("bob")

	base := a.Insert(0, "hi")
	require.NoError(t, b.Apply(base))

	// Concurrent edits from each replica, neither has seen the other's yet.
	updateA := a.Insert(2, "!")
	updateB := b.Insert(0, "? ")

	// Cross-apply in different orders on each side.
	require.NoError(t, a.Apply(updateB))
	require.NoError(t, b.Apply(updateA))

	assert.Equal(t, a.Snapshot(), b.Snapshot(), "replicas must converge regardless of application order")
}

func TestText_ApplyIsIdempotent(t *testing.T) {
	a := NewText("a")
	b := NewText("b")

	update := a.Insert(0, "idempotent")
	require.NoError(t, b.Apply(update))
	require.NoError(t, b.Apply(update))
	require.NoError(t, b.Apply(update))

	assert.Equal(t, "idempotent", b.Snapshot())
}

func TestText_StateAsUpdateReproducesState(t *testing.T) {
	a := NewText("a")
	a.Insert(0, "hello")
	a.Delete(1, 1) // "hllo"

	snapshot := a.StateAsUpdate()

	fresh := NewText("fresh")
	require.NoError(t, fresh.Apply(snapshot))

	assert.Equal(t, a.Snapshot(), fresh.Snapshot())
}

func TestText_DeleteThenConcurrentApplyConverges(t *testing.T) {
	a := NewText("a")
	a.Insert(0, "abcdef")
	b := NewText("b")
	require.NoError(t, b.Apply(a.StateAsUpdate()))

	delUpdate := a.Delete(2, 2) // removes "cd"
	insUpdate := b.Insert(6, "!")

	require.NoError(t, b.Apply(delUpdate))
	require.NoError(t, a.Apply(insUpdate))

	assert.Equal(t, a.Snapshot(), b.Snapshot())
}
