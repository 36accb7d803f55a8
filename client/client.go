// Package client is the connecting side of the sync protocol: a
// document manager that seeds replicas from a local cache or cold
// storage, keeps them editable offline, and converges them with the
// server whenever a socket is up.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/montarion/VantageNotes-sub000/crdt"
	"github.com/montarion/VantageNotes-sub000/protocol"
	"github.com/montarion/VantageNotes-sub000/utils"
)

// Status is where a replica stands relative to the server.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusSyncing
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusSyncing:
		return "syncing"
	case StatusLive:
		return "live"
	}
	return "unknown"
}

const DefaultReconnectInterval = 3 * time.Second

var snapshotBucket = []byte("snapshots")

// ErrManagerClosed rejects operations after Close.
var ErrManagerClosed = errors.New("client manager is closed")

// Options configures a Manager.
type Options struct {
	// ServerURL is the sync endpoint base, e.g. "ws://localhost:8765".
	ServerURL string
	// ColdURL is the HTTP base serving /notes/{id}; empty disables the
	// cold-storage seed for unknown documents.
	ColdURL string
	// CachePath is the bbolt file holding local snapshots; empty keeps
	// replicas in memory only.
	CachePath string
	// ClientID identifies this client in awareness blobs. Zero picks a
	// random one.
	ClientID uint64

	Engine            crdt.Engine
	Logger            utils.Logger
	ReconnectInterval time.Duration

	// OnStatus fires on connection state changes, OnChange after remote
	// deltas land, OnAwareness on presence updates. All optional, all
	// called from the replica's read loop.
	OnStatus    func(doc string, status Status)
	OnChange    func(doc string, text string)
	OnAwareness func(doc string, entries []protocol.AwarenessEntry)
}

func (o *Options) setDefaults() {
	if o.Engine == nil {
		o.Engine = crdt.Logoot{}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.ClientID == 0 {
		o.ClientID = crdt.RandomSource()
	}
}

// Manager owns one replica per opened document plus the shared local
// snapshot cache.
type Manager struct {
	opts Options
	db   *bbolt.DB

	mu     sync.Mutex
	docs   map[string]*Doc
	closed bool
}

func Open(opts Options) (*Manager, error) {
	opts.setDefaults()
	m := &Manager{opts: opts, docs: make(map[string]*Doc)}

	if opts.CachePath != "" {
		db, err := bbolt.Open(opts.CachePath, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, err
		}
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(snapshotBucket)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, err
		}
		m.db = db
	}
	return m, nil
}

// Doc returns the replica for id, creating it on first use. Seeding
// order: local snapshot cache, then cold storage, then empty.
func (m *Manager) Doc(ctx context.Context, id string) (*Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if d, ok := m.docs[id]; ok {
		return d, nil
	}

	state := m.opts.Engine.New(crdt.RandomSource())
	if snap := m.loadSnapshot(id); snap != nil {
		if err := state.Merge(snap); err != nil {
			// a bad cache entry is not fatal, the server has the truth
			m.opts.Logger.Warn("discarding corrupt cached snapshot", "doc", id, "err", err)
			state = m.opts.Engine.New(crdt.RandomSource())
		}
	} else if m.opts.ColdURL != "" {
		text, err := m.fetchCold(ctx, id)
		if err != nil {
			m.opts.Logger.Debug("no cold copy", "doc", id, "err", err)
		} else if text != "" {
			if _, err := state.Splice(0, 0, text); err != nil {
				return nil, err
			}
		}
	}

	d := newDoc(m, id, state)
	m.docs[id] = d
	return d, nil
}

func (m *Manager) loadSnapshot(id string) []byte {
	if m.db == nil {
		return nil
	}
	var snap []byte
	_ = m.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(snapshotBucket).Get([]byte(id)); v != nil {
			snap = make([]byte, len(v))
			copy(snap, v)
		}
		return nil
	})
	return snap
}

func (m *Manager) saveSnapshot(id string, snap []byte) {
	if m.db == nil {
		return
	}
	if err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(id), snap)
	}); err != nil {
		m.opts.Logger.Warn("snapshot cache write failed", "doc", id, "err", err)
	}
}

// fetchCold pulls the flat-file copy of id from the server's
// cold-storage endpoint.
func (m *Manager) fetchCold(ctx context.Context, id string) (string, error) {
	u, err := url.JoinPath(m.opts.ColdURL, "notes", id)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cold fetch: %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Close disconnects every replica and closes the cache.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	docs := make([]*Doc, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	m.mu.Unlock()

	for _, d := range docs {
		d.Close()
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
