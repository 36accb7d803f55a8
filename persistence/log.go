// Package persistence stores each document's delta log durably and
// compacts it into a single snapshot row once it grows past a threshold.
// Two interchangeable backends satisfy the same contract: an ordered
// key-value log (pebble) and a relational log table (sqlite).
package persistence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/montarion/VantageNotes-sub000/crdt"
	"github.com/montarion/VantageNotes-sub000/utils"
)

// Row is one persisted delta, oldest-first on load. Snapshot rows encode
// the whole document state as a single delta.
type Row struct {
	Seq      int64
	Delta    []byte
	Snapshot bool
}

// Log is the append-only delta log. For one document, Store calls must
// commit in call order (the caller serializes per document); different
// documents may proceed fully in parallel. Load replays oldest-first.
type Log interface {
	Load(ctx context.Context, doc string) ([]Row, error)
	Store(ctx context.Context, doc string, delta []byte) error
	Close() error
}

const DefaultCompactThreshold = 500

// Options is shared backend configuration.
type Options struct {
	// CompactThreshold is the per-document row count above which the log
	// is collapsed into one snapshot row. Zero means the default.
	CompactThreshold int
	// Durable forces synchronous writes. Off by default: the hot path
	// trades durability for availability.
	Durable bool
	// Engine replays rows during compaction.
	Engine crdt.Engine
	Logger utils.Logger
}

func (o *Options) setDefaults() {
	if o.CompactThreshold == 0 {
		o.CompactThreshold = DefaultCompactThreshold
	}
	if o.Engine == nil {
		o.Engine = crdt.Logoot{}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

var (
	ErrBadDocID = errors.New("document id contains a NUL byte")
	ErrCorrupt  = errors.New("corrupt delta log row")
)

// replay folds rows into a fresh replica and returns its snapshot
// encoding. Replay source 0 is reserved: it never emits ops of its own.
func replay(engine crdt.Engine, rows []Row) ([]byte, error) {
	state := engine.New(0)
	for _, row := range rows {
		if err := state.Merge(row.Delta); err != nil {
			return nil, errors.Join(ErrCorrupt, err)
		}
	}
	return state.Encode(), nil
}
