package crdt

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"
	"strings"
)

// Logoot is the in-tree Engine: a position-identifier text CRDT. Each
// visible rune is an atom addressed by a Pid; document order equals Pid
// order, so concurrent inserts at the same offset land deterministically
// on every replica.
type Logoot struct{}

func (Logoot) New(src uint64) State {
	return newLogootState(src)
}

// OpID identifies one op: the seq-th op produced by src. Seqs are
// contiguous per source, which is what makes version vectors exact.
type OpID struct {
	Src uint64
	Seq uint64
}

// Pos is one level of a position identifier. Src breaks digit ties
// between sites.
type Pos struct {
	Digit uint64
	Src   uint64
}

// Pid is a position identifier: a path of Pos levels compared
// lexicographically, shorter-prefix first.
type Pid []Pos

func (p Pid) Compare(q Pid) int {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if p[i].Digit != q[i].Digit {
			if p[i].Digit < q[i].Digit {
				return -1
			}
			return 1
		}
		if p[i].Src != q[i].Src {
			if p[i].Src < q[i].Src {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

func (p Pid) clone() Pid {
	out := make(Pid, len(p))
	copy(out, p)
	return out
}

const (
	opInsert = byte(0)
	opDelete = byte(1)
)

type op struct {
	kind byte
	id   OpID
	pid  Pid
	val  string // opInsert only, one rune
}

type atom struct {
	pid Pid
	id  OpID
	val string
	del []OpID // tombstone when non-empty
}

type logootState struct {
	src uint64
	seq uint64

	atoms []atom // sorted by pid, tombstones included
	vv    VV

	// deletes that arrived before the insert they target
	pendPids []Pid
	pendDels map[string][]OpID // pid key → deleters

	// ops held back by a per-source seq gap
	deferred map[OpID]op

	rnd *rand.Rand
}

func newLogootState(src uint64) *logootState {
	return &logootState{
		src:      src,
		vv:       make(VV),
		pendDels: make(map[string][]OpID),
		deferred: make(map[OpID]op),
		rnd:      rand.New(rand.NewSource(int64(src))),
	}
}

var ErrRange = errors.New("splice out of range")

// boundary caps the random digit step so pids stay short under
// append-heavy editing.
const boundary = 1 << 8

func pidKey(p Pid) string {
	buf := make([]byte, 0, len(p)*16)
	for _, pos := range p {
		buf = binary.BigEndian.AppendUint64(buf, pos.Digit)
		buf = binary.BigEndian.AppendUint64(buf, pos.Src)
	}
	return string(buf)
}

// allocPid returns a fresh pid strictly between left and right. nil left
// is the document start, nil right the document end.
func (s *logootState) allocPid(left, right Pid) Pid {
	if right == nil {
		var base uint64
		if len(left) > 0 {
			base = left[0].Digit
		}
		return Pid{{Digit: base + 1 + uint64(s.rnd.Intn(boundary)), Src: s.src}}
	}
	if !isExtension(right, left) {
		// right diverges from left at some level with a strictly greater
		// pos, so any extension of left stays below it
		return append(left.clone(), Pos{Digit: 1 + uint64(s.rnd.Intn(boundary)), Src: s.src})
	}
	head := right[len(left)]
	switch {
	case head.Digit >= 2:
		span := head.Digit - 1
		if span > boundary {
			span = boundary
		}
		return append(left.clone(), Pos{Digit: 1 + uint64(s.rnd.Int63n(int64(span))), Src: s.src})
	case head.Digit == 1:
		p := append(left.clone(), Pos{Digit: 0, Src: s.src})
		return append(p, Pos{Digit: 1 + uint64(s.rnd.Intn(boundary)), Src: s.src})
	default:
		// blocked by a zero digit: adopt it and allocate one level down.
		// Pids never end in a zero digit, so this terminates.
		return s.allocPid(append(left.clone(), head), right)
	}
}

// isExtension reports whether q strictly extends p.
func isExtension(q, p Pid) bool {
	if len(q) <= len(p) {
		return false
	}
	return Pid(q[:len(p)]).Compare(p) == 0
}

// search returns the index of pid in atoms, or the insertion point and
// false.
func (s *logootState) search(pid Pid) (int, bool) {
	i := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].pid.Compare(pid) >= 0
	})
	if i < len(s.atoms) && s.atoms[i].pid.Compare(pid) == 0 {
		return i, true
	}
	return i, false
}

// apply folds one in-order op into the state. The caller has already
// admitted op.id into vv.
func (s *logootState) apply(o op) {
	switch o.kind {
	case opInsert:
		i, found := s.search(o.pid)
		if !found {
			s.atoms = append(s.atoms, atom{})
			copy(s.atoms[i+1:], s.atoms[i:])
			s.atoms[i] = atom{pid: o.pid, id: o.id, val: o.val}
			key := pidKey(o.pid)
			if dels, ok := s.pendDels[key]; ok {
				s.atoms[i].del = dels
				delete(s.pendDels, key)
				s.dropPendPid(o.pid)
			}
		}
	case opDelete:
		i, found := s.search(o.pid)
		if found {
			s.atoms[i].del = append(s.atoms[i].del, o.id)
		} else {
			key := pidKey(o.pid)
			if _, ok := s.pendDels[key]; !ok {
				s.pendPids = append(s.pendPids, o.pid)
			}
			s.pendDels[key] = append(s.pendDels[key], o.id)
		}
	}
}

func (s *logootState) dropPendPid(pid Pid) {
	for i := range s.pendPids {
		if s.pendPids[i].Compare(pid) == 0 {
			s.pendPids = append(s.pendPids[:i], s.pendPids[i+1:]...)
			return
		}
	}
}

// Merge decodes delta and folds its ops in. Ops already covered by the
// vector are skipped; ops arriving ahead of a same-source gap are parked
// and drained once the gap closes, so merge order never changes the
// outcome.
func (s *logootState) Merge(delta []byte) error {
	ops, err := decodeOps(delta)
	if err != nil {
		return err
	}
	for _, o := range ops {
		switch err := s.vv.PutSeq(o.id.Src, o.id.Seq); {
		case errors.Is(err, ErrSeen):
			// idempotence
		case errors.Is(err, ErrGap):
			s.deferred[o.id] = o
		default:
			s.apply(o)
			s.drainDeferred(o.id.Src)
		}
	}
	return nil
}

func (s *logootState) drainDeferred(src uint64) {
	for {
		next := OpID{Src: src, Seq: s.vv.Get(src) + 1}
		o, ok := s.deferred[next]
		if !ok {
			return
		}
		delete(s.deferred, next)
		s.vv.Put(src, next.Seq)
		s.apply(o)
	}
}

// collectSince gathers every op the holder of rvv is missing.
func (s *logootState) collectSince(rvv VV) []op {
	var ops []op
	for _, a := range s.atoms {
		if a.id.Seq > rvv.Get(a.id.Src) {
			ops = append(ops, op{kind: opInsert, id: a.id, pid: a.pid, val: a.val})
		}
		for _, d := range a.del {
			if d.Seq > rvv.Get(d.Src) {
				ops = append(ops, op{kind: opDelete, id: d, pid: a.pid})
			}
		}
	}
	for _, pid := range s.pendPids {
		for _, d := range s.pendDels[pidKey(pid)] {
			if d.Seq > rvv.Get(d.Src) {
				ops = append(ops, op{kind: opDelete, id: d, pid: pid})
			}
		}
	}
	for _, o := range s.deferred {
		if o.id.Seq > rvv.Get(o.id.Src) {
			ops = append(ops, o)
		}
	}
	// per-source seq order keeps replay gap-free
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].id.Src != ops[j].id.Src {
			return ops[i].id.Src < ops[j].id.Src
		}
		return ops[i].id.Seq < ops[j].id.Seq
	})
	return ops
}

func (s *logootState) Diff(vector []byte) ([]byte, error) {
	rvv := make(VV)
	if err := rvv.LoadBytes(vector); err != nil {
		return nil, err
	}
	// the peer already covers everything applied here; deferred ops sit
	// outside vv, so they keep the slow path honest
	if len(s.deferred) == 0 && rvv.Covers(s.vv) {
		return nil, nil
	}
	ops := s.collectSince(rvv)
	if len(ops) == 0 {
		return nil, nil
	}
	return encodeOps(ops), nil
}

func (s *logootState) Vector() []byte {
	return s.vv.Bytes()
}

func (s *logootState) Encode() []byte {
	return encodeOps(s.collectSince(make(VV)))
}

func (s *logootState) String() string {
	var sb strings.Builder
	for _, a := range s.atoms {
		if len(a.del) == 0 {
			sb.WriteString(a.val)
		}
	}
	return sb.String()
}

func (s *logootState) Len() int {
	n := 0
	for _, a := range s.atoms {
		if len(a.del) == 0 {
			n++
		}
	}
	return n
}

func (s *logootState) nextID() OpID {
	s.seq++
	return OpID{Src: s.src, Seq: s.seq}
}

// Splice deletes del visible runes at rune offset at, inserts text in
// their place, and returns the ops as one outgoing delta.
func (s *logootState) Splice(at, del int, text string) ([]byte, error) {
	if at < 0 || del < 0 {
		return nil, ErrRange
	}
	visible := make([]int, 0, len(s.atoms))
	for i := range s.atoms {
		if len(s.atoms[i].del) == 0 {
			visible = append(visible, i)
		}
	}
	if at+del > len(visible) {
		return nil, ErrRange
	}

	var ops []op
	for _, vi := range visible[at : at+del] {
		o := op{kind: opDelete, id: s.nextID(), pid: s.atoms[vi].pid}
		s.atoms[vi].del = append(s.atoms[vi].del, o.id)
		s.vv.Put(o.id.Src, o.id.Seq)
		ops = append(ops, o)
	}

	// pid neighbors come from the full atom list so new runes cannot
	// straddle a tombstone
	var left Pid
	leftIdx := -1
	if del > 0 {
		leftIdx = visible[at+del-1]
	} else if at > 0 {
		leftIdx = visible[at-1]
	}
	if leftIdx >= 0 {
		left = s.atoms[leftIdx].pid
	}
	for _, r := range text {
		var right Pid
		if leftIdx+1 < len(s.atoms) {
			right = s.atoms[leftIdx+1].pid
		}
		pid := s.allocPid(left, right)
		o := op{kind: opInsert, id: s.nextID(), pid: pid, val: string(r)}
		i, _ := s.search(pid)
		s.atoms = append(s.atoms, atom{})
		copy(s.atoms[i+1:], s.atoms[i:])
		s.atoms[i] = atom{pid: o.pid, id: o.id, val: o.val}
		s.vv.Put(o.id.Src, o.id.Seq)
		ops = append(ops, o)
		left, leftIdx = pid, i
	}

	if len(ops) == 0 {
		return nil, nil
	}
	return encodeOps(ops), nil
}
