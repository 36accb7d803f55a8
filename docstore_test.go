package collab

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montarion/VantageNotes-sub000/crdt"
	"github.com/montarion/VantageNotes-sub000/persistence"
)

func testLog(t *testing.T) persistence.Log {
	t.Helper()
	log, err := persistence.OpenPebble(filepath.Join(t.TempDir(), "pebble"), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// edit produces a delta the way a remote peer would: merge into a
// scratch replica, splice, return the diff.
func edit(t *testing.T, state crdt.State, at, del int, text string) []byte {
	t.Helper()
	delta, err := state.Splice(at, del, text)
	require.NoError(t, err)
	return delta
}

func TestApplyLocalConverges(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	defer store.Close()

	peer := crdt.Logoot{}.New(7)
	_, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "hello"))
	require.NoError(t, err)
	_, err = store.ApplyLocal(ctx, "note", edit(t, peer, 5, 0, " world"))
	require.NoError(t, err)

	text, err := store.SnapshotText(ctx, "note")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestApplyLocalBadDelta(t *testing.T) {
	store := NewStore(Options{})
	defer store.Close()
	_, err := store.ApplyLocal(context.Background(), "note", []byte{0xff})
	assert.Error(t, err)
}

func TestVersionCountsDeltas(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	defer store.Close()

	peer := crdt.Logoot{}.New(7)
	v1, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "a"))
	require.NoError(t, err)
	v2, err := store.ApplyLocal(ctx, "note", edit(t, peer, 1, 0, "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
}

func TestHydrationFromLog(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	store := NewStore(Options{Log: log, SyncPersist: true})
	peer := crdt.Logoot{}.New(7)
	_, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "persisted"))
	require.NoError(t, err)
	store.Close()

	fresh := NewStore(Options{Log: log})
	defer fresh.Close()
	text, err := fresh.SnapshotText(ctx, "note")
	require.NoError(t, err)
	assert.Equal(t, "persisted", text)
}

func TestHydrationFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	require.NoError(t, log.Store(ctx, "note", []byte{0xff, 0xff}))

	store := NewStore(Options{Log: log})
	defer store.Close()
	_, err := store.Get(ctx, "note")
	assert.ErrorIs(t, err, ErrHydration)
}

func TestEvictRehydrates(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	store := NewStore(Options{Log: log, SyncPersist: true})
	defer store.Close()

	peer := crdt.Logoot{}.New(7)
	_, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "survives"))
	require.NoError(t, err)

	store.Evict("note")
	_, loaded := store.Loaded("note")
	assert.False(t, loaded)

	text, err := store.SnapshotText(ctx, "note")
	require.NoError(t, err)
	assert.Equal(t, "survives", text)
}

func TestAsyncPersistDrainsOnEvict(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	store := NewStore(Options{Log: log})

	peer := crdt.Logoot{}.New(7)
	for i := 0; i < 20; i++ {
		_, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "x"))
		require.NoError(t, err)
	}
	store.Close() // waits for the persist queue

	fresh := NewStore(Options{Log: log})
	defer fresh.Close()
	text, err := fresh.SnapshotText(ctx, "note")
	require.NoError(t, err)
	assert.Equal(t, peer.String(), text)
}

func TestApplyTextSplices(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	defer store.Close()

	delta, _, err := store.ApplyText(ctx, "note", "from a file")
	require.NoError(t, err)
	require.NotNil(t, delta)

	// the delta must replay on an independent replica
	other := crdt.Logoot{}.New(9)
	require.NoError(t, other.Merge(delta))
	assert.Equal(t, "from a file", other.String())

	// unchanged content is a no-op
	delta, _, err = store.ApplyText(ctx, "note", "from a file")
	require.NoError(t, err)
	assert.Nil(t, delta)
}

func TestOnPersistedDeliversText(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{Log: testLog(t), SyncPersist: true})
	defer store.Close()

	var gotDoc, gotText string
	store.OnPersisted(func(doc, text string) {
		gotDoc, gotText = doc, text
	})

	peer := crdt.Logoot{}.New(7)
	_, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "mirrored"))
	require.NoError(t, err)
	assert.Equal(t, "note", gotDoc)
	assert.Equal(t, "mirrored", gotText)
}

func TestEvictMarksDocumentClosed(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})

	peer := crdt.Logoot{}.New(7)
	_, err := store.ApplyLocal(ctx, "note", edit(t, peer, 0, 0, "x"))
	require.NoError(t, err)

	d, err := store.Get(ctx, "note")
	require.NoError(t, err)
	store.Evict("note")

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	assert.True(t, closed)
}
