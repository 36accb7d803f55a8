// Package crdt provides the mergeable document replica behind the sync
// protocol. The merge contract is deliberately narrow so any correct
// mergeable-replicated-data-type can back it; the in-tree implementation
// is a Logoot-style text CRDT.
package crdt

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// State is one document replica. Deltas are opaque byte payloads;
// applying a delta twice equals applying it once, and two replicas that
// apply the same set of deltas in any order converge to the same text.
//
// State is not safe for concurrent use: the owner serializes merges
// per document.
type State interface {
	// Merge folds one delta in. Returns an error only for undecodable
	// payloads; already-seen ops are silently skipped.
	Merge(delta []byte) error
	// Diff returns one delta holding every op the holder of vector has
	// not seen, or nil when there is nothing to send.
	Diff(vector []byte) ([]byte, error)
	// Vector encodes what this replica has seen.
	Vector() []byte
	// Encode packs the full state into a single snapshot delta.
	Encode() []byte
	// Splice applies a local edit (delete del runes at rune offset at,
	// then insert text there) and returns the resulting outgoing delta.
	Splice(at, del int, text string) ([]byte, error)
	// String materializes the visible text.
	String() string
	// Len is the visible text length in runes.
	Len() int
}

// Engine creates replicas. src must be unique per replica.
type Engine interface {
	New(src uint64) State
}

// RandomSource derives a replica source id. Source ids are connection or
// process scoped, not user identities.
func RandomSource() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}
