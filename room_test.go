package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montarion/VantageNotes-sub000/protocol"
)

func testRooms(t *testing.T) *Rooms {
	t.Helper()
	store := NewStore(Options{})
	t.Cleanup(store.Close)
	return NewRooms(store, store.logger, nil)
}

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	rooms := testRooms(t)

	a := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	b := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}

	r1, err := rooms.Subscribe(ctx, "note", a)
	require.NoError(t, err)
	r2, err := rooms.Subscribe(ctx, "note", b)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, rooms.RoomCount())
	assert.Equal(t, 2, r1.SessionCount())

	rooms.Leave(r1, a)
	assert.Equal(t, 1, rooms.RoomCount())
	rooms.Leave(r1, b)
	assert.Equal(t, 0, rooms.RoomCount())

	// the room's document left memory with it
	_, loaded := rooms.store.Loaded("note")
	assert.False(t, loaded)
}

func TestBroadcastSkipsSender(t *testing.T) {
	ctx := context.Background()
	rooms := testRooms(t)

	a := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	b := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	r, err := rooms.Subscribe(ctx, "note", a)
	require.NoError(t, err)
	_, err = rooms.Subscribe(ctx, "note", b)
	require.NoError(t, err)

	r.Broadcast(a, []byte("frame"))
	assert.Len(t, b.send, 1)
	assert.Len(t, a.send, 0)

	// a nil sender reaches everyone
	r.Broadcast(nil, []byte("frame"))
	assert.Len(t, b.send, 2)
	assert.Len(t, a.send, 1)
}

func TestAwarenessTable(t *testing.T) {
	ctx := context.Background()
	rooms := testRooms(t)

	a := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	b := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	r, err := rooms.Subscribe(ctx, "note", a)
	require.NoError(t, err)
	_, err = rooms.Subscribe(ctx, "note", b)
	require.NoError(t, err)

	blob := protocol.EncodeAwarenessBlob([]protocol.AwarenessEntry{
		{ClientID: 42, State: []byte("cursor:3")},
	})
	require.NoError(t, r.ApplyAwareness(a, blob))

	// rebroadcast went to b only
	assert.Len(t, b.send, 1)
	assert.Len(t, a.send, 0)

	// snapshot carries the live entry
	snap := r.AwarenessSnapshot()
	require.NotNil(t, snap)
	msg, err := protocol.Decode(snap)
	require.NoError(t, err)
	entries, err := protocol.DecodeAwarenessBlob(msg.Body)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(42), entries[0].ClientID)
	assert.Equal(t, []byte("cursor:3"), entries[0].State)

	// an empty state clears the slot
	clear := protocol.EncodeAwarenessBlob([]protocol.AwarenessEntry{{ClientID: 42}})
	require.NoError(t, r.ApplyAwareness(a, clear))
	assert.Nil(t, r.AwarenessSnapshot())
}

func TestLeaveRemovesOwnedAwareness(t *testing.T) {
	ctx := context.Background()
	rooms := testRooms(t)

	a := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	b := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	r, err := rooms.Subscribe(ctx, "note", a)
	require.NoError(t, err)
	_, err = rooms.Subscribe(ctx, "note", b)
	require.NoError(t, err)

	blob := protocol.EncodeAwarenessBlob([]protocol.AwarenessEntry{
		{ClientID: 42, State: []byte("here")},
	})
	require.NoError(t, r.ApplyAwareness(a, blob))
	require.Len(t, b.send, 1)

	rooms.Leave(r, a)
	assert.Nil(t, r.AwarenessSnapshot())

	// b saw a removal broadcast
	require.Len(t, b.send, 2)
	msg, err := protocol.Decode(<-b.send)
	require.NoError(t, err)
	msg, err = protocol.Decode(<-b.send)
	require.NoError(t, err)
	entries, err := protocol.DecodeAwarenessBlob(msg.Body)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(42), entries[0].ClientID)
	assert.Empty(t, entries[0].State)
}

func TestResubscribeDuringTeardownGetsLiveDoc(t *testing.T) {
	ctx := context.Background()
	rooms := testRooms(t)

	type result struct {
		room *Room
		err  error
	}

	// hammer the window between the last leave and eviction: whatever
	// the interleaving, the room a new subscriber lands in must serve
	// the document the store holds live
	for i := 0; i < 200; i++ {
		a := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
		b := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}

		r1, err := rooms.Subscribe(ctx, "note", a)
		require.NoError(t, err)

		sub := make(chan result, 1)
		go func() {
			r2, err := rooms.Subscribe(ctx, "note", b)
			sub <- result{r2, err}
		}()
		rooms.Leave(r1, a)

		got := <-sub
		require.NoError(t, got.err)
		d, loaded := rooms.store.Loaded("note")
		require.True(t, loaded)
		require.Same(t, d, got.room.Doc())

		rooms.Leave(got.room, b)
	}
}

func TestBadAwarenessBlobRejected(t *testing.T) {
	ctx := context.Background()
	rooms := testRooms(t)
	a := &Session{send: make(chan []byte, 8), closed: make(chan struct{}), aware: map[uint64]struct{}{}}
	r, err := rooms.Subscribe(ctx, "note", a)
	require.NoError(t, err)
	assert.Error(t, r.ApplyAwareness(a, []byte{0x05}))
}
