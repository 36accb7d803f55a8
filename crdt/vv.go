package crdt

import (
	"errors"
	"sort"

	"github.com/montarion/VantageNotes-sub000/protocol"
)

// VV is a version vector: the highest contiguously-applied op sequence
// number per source. It is the "state vector" exchanged during the sync
// handshake.
type VV map[uint64]uint64

var (
	ErrSeen = errors.New("previously seen op")
	ErrGap  = errors.New("op sequence gap")
)

func (vv VV) Get(src uint64) uint64 {
	return vv[src]
}

func (vv VV) Put(src, seq uint64) {
	vv[src] = seq
}

// PutSeq admits seq for src only if it is the direct successor of the
// last admitted one.
func (vv VV) PutSeq(src, seq uint64) error {
	has := vv[src]
	if has >= seq {
		return ErrSeen
	}
	if has+1 < seq {
		return ErrGap
	}
	vv[src] = seq
	return nil
}

// Covers reports whether vv has seen everything other has.
func (vv VV) Covers(other VV) bool {
	for src, seq := range other {
		if vv[src] < seq {
			return false
		}
	}
	return true
}

// Bytes encodes the vector, sources in ascending order so equal vectors
// encode identically.
func (vv VV) Bytes() []byte {
	srcs := make([]uint64, 0, len(vv))
	for src := range vv {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })

	buf := protocol.AppendUvarint(nil, uint64(len(srcs)))
	for _, src := range srcs {
		buf = protocol.AppendUvarint(buf, src)
		buf = protocol.AppendUvarint(buf, vv[src])
	}
	return buf
}

var ErrBadVector = errors.New("bad version vector encoding")

// LoadBytes replaces vv's content with the encoded vector. An empty
// encoding is a valid empty vector.
func (vv VV) LoadBytes(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	count, data, err := protocol.TakeUvarint(data)
	if err != nil {
		return ErrBadVector
	}
	for i := uint64(0); i < count; i++ {
		var src, seq uint64
		src, data, err = protocol.TakeUvarint(data)
		if err != nil {
			return ErrBadVector
		}
		seq, data, err = protocol.TakeUvarint(data)
		if err != nil {
			return ErrBadVector
		}
		vv[src] = seq
	}
	return nil
}
