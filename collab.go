/*
Package collab is the server side of the collaborative document core:
an in-memory store of live document replicas, one room per actively
subscribed document, and a binary websocket protocol that keeps every
connected replica convergent.

Edits flow one way: a client merges its own edit locally, sends the
resulting delta, the owning room merges it into the live replica
(strictly one delta at a time per document), hands it to the persistence
log, and broadcasts it to every other session in the room. Presence
("awareness") rides the same socket but is ephemeral: it lives in the
room, never in the log.
*/
package collab

import (
	"errors"
	"log/slog"

	"github.com/montarion/VantageNotes-sub000/crdt"
	"github.com/montarion/VantageNotes-sub000/persistence"
	"github.com/montarion/VantageNotes-sub000/utils"
)

var (
	// ErrHydration wraps replay failures on document load. A room fails
	// to open rather than silently starting empty.
	ErrHydration = errors.New("document hydration failed")
	ErrClosed    = errors.New("store is closed")
)

// Options configures the server core.
type Options struct {
	// Log persists deltas. nil keeps documents in memory only.
	Log persistence.Log
	// Engine builds replicas; defaults to the in-tree Logoot engine.
	Engine crdt.Engine
	// SyncPersist makes ApplyLocal wait for the log write and surface
	// its error. Off by default: persistence failures are logged and
	// counted but never stall live collaboration.
	SyncPersist bool

	Logger  utils.Logger
	Metrics *Metrics
}

func (o *Options) setDefaults() {
	if o.Engine == nil {
		o.Engine = crdt.Logoot{}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}
