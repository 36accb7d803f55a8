/*
Package protocol implements the binary framing used between collaborating
replicas.

Every frame is a varint-tagged, length-framed message:

	frame    = tag varbytes*
	varbytes = varuint(len) body

Two tags carry document traffic, one carries connection control:

	TagSync      (0) sub-typed sync protocol: step1, step2, update
	TagAwareness (1) opaque per-client presence blob, never persisted
	TagSwitch    (2) rebind the connection to another document

The sync payloads are state-vector driven: step1 announces what the sender
has seen, step2 answers with the ops the receiver of step1 is missing, and
update carries a single freshly-produced delta. The delta and vector bytes
themselves are opaque to this package; they are produced and consumed by
the merge engine.
*/
package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrIncomplete = errors.New("incomplete frame")
	ErrBadFrame   = errors.New("bad frame format")
	ErrBadTag     = errors.New("unknown frame tag")
)

// AppendUvarint appends v in unsigned LEB128 form.
func AppendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// TakeUvarint reads one varint off data, returning the remainder.
func TakeUvarint(data []byte) (v uint64, rest []byte, err error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, ErrIncomplete
	}
	return v, data[n:], nil
}

// AppendBytes appends a length-prefixed byte run.
func AppendBytes(buf, body []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...)
}

// TakeBytes reads one length-prefixed byte run off data.
func TakeBytes(data []byte) (body, rest []byte, err error) {
	l, rest, err := TakeUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < l {
		return nil, nil, ErrIncomplete
	}
	return rest[:l], rest[l:], nil
}

// AppendString appends a length-prefixed UTF-8 string.
func AppendString(buf []byte, s string) []byte {
	return AppendBytes(buf, []byte(s))
}

// TakeString reads one length-prefixed string off data.
func TakeString(data []byte) (s string, rest []byte, err error) {
	body, rest, err := TakeBytes(data)
	if err != nil {
		return "", nil, err
	}
	return string(body), rest, nil
}
