package collab

import (
	"context"
	"sync"

	"github.com/montarion/VantageNotes-sub000/protocol"
	"github.com/montarion/VantageNotes-sub000/utils"
)

// Room fans one document out to its subscribed sessions. It also keeps
// the room's awareness table: the last non-empty state each client
// announced, so a late joiner sees everyone already present.
type Room struct {
	id  string
	doc *Document

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	awareness map[uint64][]byte
}

// ID is the document id this room serves.
func (r *Room) ID() string { return r.id }

// Doc is the live replica behind this room.
func (r *Room) Doc() *Document { return r.doc }

func (r *Room) add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

// remove drops s and reports whether the room is now empty. The
// awareness states s introduced leave with it; the removal entries are
// returned so the caller can broadcast them after releasing the lock.
func (r *Room) remove(s *Session) (empty bool, removed []protocol.AwarenessEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	for id := range s.aware {
		if _, ok := r.awareness[id]; ok {
			delete(r.awareness, id)
			removed = append(removed, protocol.AwarenessEntry{ClientID: id})
		}
	}
	return len(r.sessions) == 0, removed
}

// Broadcast queues frame on every session except from. Enqueueing never
// blocks: a session that cannot keep up is kicked, and recovers what it
// missed through the sync handshake on reconnect.
func (r *Room) Broadcast(from *Session, frame []byte) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != from {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.enqueue(frame)
	}
}

// ApplyAwareness folds blob into the room's awareness table and
// rebroadcasts the frame verbatim to everyone else. Entries with an
// empty state clear that client's slot. A blob that does not parse is
// dropped; awareness is best-effort.
func (r *Room) ApplyAwareness(from *Session, blob []byte) error {
	entries, err := protocol.DecodeAwarenessBlob(blob)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, e := range entries {
		if len(e.State) == 0 {
			delete(r.awareness, e.ClientID)
			if from != nil {
				delete(from.aware, e.ClientID)
			}
			continue
		}
		state := make([]byte, len(e.State))
		copy(state, e.State)
		r.awareness[e.ClientID] = state
		if from != nil {
			from.aware[e.ClientID] = struct{}{}
		}
	}
	r.mu.Unlock()

	r.Broadcast(from, protocol.EncodeAwareness(blob))
	return nil
}

// AwarenessSnapshot packs the room's current awareness table into one
// frame, or nil when nobody has announced presence.
func (r *Room) AwarenessSnapshot() []byte {
	r.mu.Lock()
	entries := make([]protocol.AwarenessEntry, 0, len(r.awareness))
	for id, state := range r.awareness {
		entries = append(entries, protocol.AwarenessEntry{ClientID: id, State: state})
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	return protocol.EncodeAwareness(protocol.EncodeAwarenessBlob(entries))
}

// SessionCount is the number of live subscribers (metrics).
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Rooms is the registry mapping docId to its single live Room. Rooms
// appear on first subscribe and vanish, together with their in-memory
// replica, when the last session leaves.
type Rooms struct {
	store   *Store
	logger  utils.Logger
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRooms(store *Store, logger utils.Logger, metrics *Metrics) *Rooms {
	if logger == nil {
		logger = store.logger
	}
	return &Rooms{
		store:   store,
		logger:  logger,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// Subscribe attaches s to the room for doc, creating the room (and
// hydrating the document) on first use.
func (rs *Rooms) Subscribe(ctx context.Context, doc string, s *Session) (*Room, error) {
	rs.mu.Lock()
	r, ok := rs.rooms[doc]
	if !ok {
		d, err := rs.store.Get(ctx, doc)
		if err != nil {
			rs.mu.Unlock()
			return nil, err
		}
		r = &Room{
			id:        doc,
			doc:       d,
			sessions:  make(map[*Session]struct{}),
			awareness: make(map[uint64][]byte),
		}
		rs.rooms[doc] = r
		rs.logger.DebugCtx(ctx, "room opened", "doc", doc)
	}
	// add under the registry lock, so teardown in Leave cannot reap the
	// room between lookup and attach
	r.add(s)
	rs.mu.Unlock()

	rs.metrics.sessionJoined()
	return r, nil
}

// Leave detaches s from r. The awareness entries s owned are
// broadcast as removals; when the room empties, it is torn down and
// its document evicted from memory.
func (rs *Rooms) Leave(r *Room, s *Session) {
	empty, removed := r.remove(s)
	rs.metrics.sessionLeft()

	if len(removed) > 0 {
		r.Broadcast(s, protocol.EncodeAwareness(protocol.EncodeAwarenessBlob(removed)))
	}
	if !empty {
		return
	}

	rs.mu.Lock()
	// a new subscriber may have raced in between remove and here
	if cur, ok := rs.rooms[r.id]; ok && cur == r && r.SessionCount() == 0 {
		delete(rs.rooms, r.id)
		// detach the document while still holding the registry lock:
		// a Subscribe serialized behind us must hydrate a fresh
		// replica, never adopt the one we are tearing down
		d := rs.store.detach(r.id)
		rs.mu.Unlock()
		rs.store.drainEvicted(d)
		rs.logger.Debug("room closed", "doc", r.id)
		return
	}
	rs.mu.Unlock()
}

// Lookup returns the live room for doc, if any.
func (rs *Rooms) Lookup(doc string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rooms[doc]
	return r, ok
}

// TotalSessions sums subscribers across all live rooms (metrics).
func (rs *Rooms) TotalSessions() int {
	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		rooms = append(rooms, r)
	}
	rs.mu.Unlock()

	n := 0
	for _, r := range rooms {
		n += r.SessionCount()
	}
	return n
}

// RoomCount is the number of live rooms (metrics).
func (rs *Rooms) RoomCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms)
}
