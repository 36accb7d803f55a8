package crdt

import (
	"errors"

	"github.com/montarion/VantageNotes-sub000/protocol"
)

var ErrBadDelta = errors.New("bad delta encoding")

// Delta layout: varuint op count, then per op
//
//	varuint kind | varuint src | varuint seq | pid | [varbytes value]
//	pid = varuint level count, then per level varuint digit | varuint src
//
// The value run is present for inserts only and holds one rune.
func encodeOps(ops []op) []byte {
	buf := protocol.AppendUvarint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = protocol.AppendUvarint(buf, uint64(o.kind))
		buf = protocol.AppendUvarint(buf, o.id.Src)
		buf = protocol.AppendUvarint(buf, o.id.Seq)
		buf = protocol.AppendUvarint(buf, uint64(len(o.pid)))
		for _, pos := range o.pid {
			buf = protocol.AppendUvarint(buf, pos.Digit)
			buf = protocol.AppendUvarint(buf, pos.Src)
		}
		if o.kind == opInsert {
			buf = protocol.AppendString(buf, o.val)
		}
	}
	return buf
}

func decodeOps(delta []byte) ([]op, error) {
	if len(delta) == 0 {
		return nil, nil
	}
	count, delta, err := protocol.TakeUvarint(delta)
	if err != nil {
		return nil, ErrBadDelta
	}
	// an op encodes to at least four bytes; reject impossible counts
	// before they size the slice
	if count > uint64(len(delta))/4 {
		return nil, ErrBadDelta
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		var o op
		var kind, levels uint64

		if kind, delta, err = protocol.TakeUvarint(delta); err != nil {
			return nil, ErrBadDelta
		}
		if kind != uint64(opInsert) && kind != uint64(opDelete) {
			return nil, ErrBadDelta
		}
		o.kind = byte(kind)
		if o.id.Src, delta, err = protocol.TakeUvarint(delta); err != nil {
			return nil, ErrBadDelta
		}
		if o.id.Seq, delta, err = protocol.TakeUvarint(delta); err != nil {
			return nil, ErrBadDelta
		}
		if levels, delta, err = protocol.TakeUvarint(delta); err != nil {
			return nil, ErrBadDelta
		}
		// a level is two varints, two bytes minimum
		if levels > uint64(len(delta))/2 {
			return nil, ErrBadDelta
		}
		o.pid = make(Pid, levels)
		for l := uint64(0); l < levels; l++ {
			if o.pid[l].Digit, delta, err = protocol.TakeUvarint(delta); err != nil {
				return nil, ErrBadDelta
			}
			if o.pid[l].Src, delta, err = protocol.TakeUvarint(delta); err != nil {
				return nil, ErrBadDelta
			}
		}
		if len(o.pid) == 0 || o.id.Seq == 0 {
			return nil, ErrBadDelta
		}
		if o.kind == opInsert {
			if o.val, delta, err = protocol.TakeString(delta); err != nil {
				return nil, ErrBadDelta
			}
		}
		ops = append(ops, o)
	}
	return ops, nil
}
