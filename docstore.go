package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/montarion/VantageNotes-sub000/crdt"
	"github.com/montarion/VantageNotes-sub000/persistence"
	"github.com/montarion/VantageNotes-sub000/utils"
)

const persistQueueLen = 256

// Document is one live replica. All state access goes through mu: merge
// is stateful, so two deltas must never interleave on the same replica.
// Distinct documents share nothing and proceed in parallel.
type Document struct {
	id string

	mu      sync.Mutex
	state   crdt.State
	version uint64 // deltas applied since load
	closed  bool

	persistq chan []byte
	done     chan struct{}
}

// Version is the count of deltas applied since the document was loaded.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Vector encodes what this replica has seen, for the sync handshake.
func (d *Document) Vector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Vector()
}

// Diff returns the ops the holder of vector is missing, or nil.
func (d *Document) Diff(vector []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Diff(vector)
}

// Text materializes the current document text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}

// Store maps docId to live Document, hydrating lazily from the delta
// log. It is the only writer to any replica.
type Store struct {
	log     persistence.Log
	engine  crdt.Engine
	docs    *xsync.MapOf[string, *Document]
	logger  utils.Logger
	metrics *Metrics
	syncPersist bool

	// onPersisted runs after a delta for doc reaches the log, with the
	// replica text at that point; the cold-storage bridge hangs its
	// mirror write here
	onPersisted func(doc, text string)
}

func NewStore(opts Options) *Store {
	opts.setDefaults()
	return &Store{
		log:     opts.Log,
		engine:  opts.Engine,
		docs:    xsync.NewMapOf[string, *Document](),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		syncPersist: opts.SyncPersist,
	}
}

// OnPersisted registers the post-persist hook. Not safe to call once
// traffic is flowing.
func (s *Store) OnPersisted(fn func(doc, text string)) {
	s.onPersisted = fn
}

// Get returns the live Document for id, hydrating it from the log on
// first use. Replay happens in storage order; a replay failure surfaces
// as ErrHydration instead of an empty document.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	if d, ok := s.docs.Load(id); ok {
		return d, nil
	}

	state := s.engine.New(crdt.RandomSource())
	if s.log != nil {
		rows, err := s.log.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrHydration, id, err)
		}
		for _, row := range rows {
			if err := state.Merge(row.Delta); err != nil {
				return nil, fmt.Errorf("%w: %s: row %d: %w", ErrHydration, id, row.Seq, err)
			}
		}
	}

	d := &Document{
		id:       id,
		state:    state,
		persistq: make(chan []byte, persistQueueLen),
		done:     make(chan struct{}),
	}
	if actual, loaded := s.docs.LoadOrStore(id, d); loaded {
		return actual, nil // lost the hydration race; the winner is equivalent
	}
	go s.persistLoop(d)
	s.logger.DebugCtx(ctx, "document hydrated", "doc", id, "len", state.Len())
	return d, nil
}

// Loaded reports whether id is live in memory, without hydrating it.
func (s *Store) Loaded(id string) (*Document, bool) {
	return s.docs.Load(id)
}

func (s *Store) persistLoop(d *Document) {
	defer close(d.done)
	for delta := range d.persistq {
		s.persist(d, delta)
	}
}

func (s *Store) persist(d *Document, delta []byte) {
	if s.log == nil {
		return
	}
	if err := s.log.Store(context.Background(), d.id, delta); err != nil {
		// availability over durability: the in-memory replica stays
		// live and correct, the gap is logged for operators
		s.logger.Error("persist failed, durability gap", "doc", d.id, "err", err)
		s.metrics.persistError()
		return
	}
	if s.onPersisted != nil {
		s.onPersisted(d.id, d.Text())
	}
}

// ApplyLocal merges one delta into id's replica and returns the new
// version. Serialized per document by the replica mutex; the log write
// is queued in apply order (or inline when SyncPersist is set).
func (s *Store) ApplyLocal(ctx context.Context, id string, delta []byte) (uint64, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	if err := d.state.Merge(delta); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	d.version++
	version := d.version
	if !s.syncPersist {
		select {
		case d.persistq <- delta:
		default:
			s.logger.Error("persist queue full, dropping delta from log", "doc", id)
			s.metrics.persistError()
		}
	}
	d.mu.Unlock()

	if s.syncPersist && s.log != nil {
		if err := s.log.Store(ctx, id, delta); err != nil {
			return version, err
		}
		if s.onPersisted != nil {
			s.onPersisted(id, d.Text())
		}
	}
	s.metrics.deltaApplied()
	return version, nil
}

// ApplyText replaces the whole text with a single local splice,
// returning the delta for broadcast. This is the non-collaborative
// write path (cold-storage bridge); last writer wins by construction.
func (s *Store) ApplyText(ctx context.Context, id, text string) (delta []byte, version uint64, err error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, 0, ErrClosed
	}
	if d.state.String() == text {
		d.mu.Unlock()
		return nil, d.version, nil
	}
	delta, err = d.state.Splice(0, d.state.Len(), text)
	if err != nil {
		d.mu.Unlock()
		return nil, 0, err
	}
	d.version++
	version = d.version
	if !s.syncPersist && delta != nil {
		select {
		case d.persistq <- delta:
		default:
			s.logger.Error("persist queue full, dropping delta from log", "doc", id)
			s.metrics.persistError()
		}
	}
	d.mu.Unlock()

	if s.syncPersist && s.log != nil && delta != nil {
		if err := s.log.Store(ctx, id, delta); err != nil {
			return delta, version, err
		}
		if s.onPersisted != nil {
			s.onPersisted(id, text)
		}
	}
	s.metrics.deltaApplied()
	return delta, version, nil
}

// SnapshotText returns the materialized text, hydrating if needed. Used
// by the cold-storage bridge and by readers that bypass the socket.
func (s *Store) SnapshotText(ctx context.Context, id string) (string, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Text(), nil
}

// detach removes id from the live set and closes its persist intake,
// without waiting for queued log writes. Callers that also guard room
// creation run this step under their own lock, so a concurrent
// Subscribe either sees the document before it closes or hydrates a
// fresh one after it is gone; drainEvicted finishes the job outside
// the lock.
func (s *Store) detach(id string) *Document {
	d, ok := s.docs.LoadAndDelete(id)
	if !ok {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	close(d.persistq)
	d.mu.Unlock()
	return d
}

// drainEvicted waits for a detached document's queued log writes.
func (s *Store) drainEvicted(d *Document) {
	if d == nil {
		return
	}
	<-d.done
	s.logger.Debug("document evicted", "doc", d.id)
}

// Evict drops id from memory once its room is empty. Pending log writes
// drain first; the document is rehydrated from the log on next use.
func (s *Store) Evict(id string) {
	s.drainEvicted(s.detach(id))
}

// Close evicts every document, draining their persist queues.
func (s *Store) Close() {
	s.docs.Range(func(id string, _ *Document) bool {
		s.Evict(id)
		return true
	})
}

// DocCount is the number of live documents (metrics).
func (s *Store) DocCount() int {
	return s.docs.Size()
}
