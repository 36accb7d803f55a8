package persistence

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
)

// PebbleLog is the ordered key-value backend. Rows live under
// 'U' <doc> NUL <seq:8 big-endian>, so a per-document range scan yields
// them in append order.
type PebbleLog struct {
	db    *pebble.DB
	opts  Options
	metas *xsync.MapOf[string, *docMeta]
	wo    *pebble.WriteOptions
}

type docMeta struct {
	sync.Mutex
	loaded bool
	next   int64
	count  int
}

func OpenPebble(dir string, opts Options) (*PebbleLog, error) {
	opts.setDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	wo := pebble.NoSync
	if opts.Durable {
		wo = pebble.Sync
	}
	return &PebbleLog{
		db:    db,
		opts:  opts,
		metas: xsync.NewMapOf[string, *docMeta](),
		wo:    wo,
	}, nil
}

func rowKey(doc string, seq int64) []byte {
	key := make([]byte, 0, 1+len(doc)+1+8)
	key = append(key, 'U')
	key = append(key, doc...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, uint64(seq))
}

// docBounds returns the [lo, hi) key range holding doc's rows.
func docBounds(doc string) (lo, hi []byte) {
	lo = append([]byte{'U'}, doc...)
	lo = append(lo, 0)
	hi = append(append([]byte{'U'}, doc...), 1)
	return
}

func rowValue(snapshot bool, delta []byte) []byte {
	flag := byte(0)
	if snapshot {
		flag = 1
	}
	return append([]byte{flag}, delta...)
}

func (p *PebbleLog) Load(ctx context.Context, doc string) ([]Row, error) {
	if strings.ContainsRune(doc, 0) {
		return nil, ErrBadDocID
	}
	rows, _, err := p.scan(doc)
	return rows, err
}

func (p *PebbleLog) scan(doc string) (rows []Row, lastSeq int64, err error) {
	lo, hi := docBounds(doc)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = it.Close() }()

	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		val := it.Value()
		if len(key) < 9 || len(val) < 1 {
			return nil, 0, ErrCorrupt
		}
		seq := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
		delta := make([]byte, len(val)-1)
		copy(delta, val[1:])
		rows = append(rows, Row{Seq: seq, Delta: delta, Snapshot: val[0] == 1})
		lastSeq = seq
	}
	return rows, lastSeq, it.Error()
}

func (p *PebbleLog) meta(doc string) (*docMeta, error) {
	m, _ := p.metas.LoadOrStore(doc, &docMeta{})
	m.Lock()
	if !m.loaded {
		rows, lastSeq, err := p.scan(doc)
		if err != nil {
			m.Unlock()
			return nil, err
		}
		m.next = lastSeq + 1
		m.count = len(rows)
		m.loaded = true
	}
	return m, nil // locked
}

func (p *PebbleLog) Store(ctx context.Context, doc string, delta []byte) error {
	if strings.ContainsRune(doc, 0) {
		return ErrBadDocID
	}
	m, err := p.meta(doc)
	if err != nil {
		return err
	}
	defer m.Unlock()

	if err := p.db.Set(rowKey(doc, m.next), rowValue(false, delta), p.wo); err != nil {
		return err
	}
	m.next++
	m.count++

	if m.count > p.opts.CompactThreshold {
		if err := p.compact(doc, m); err != nil {
			// the uncompacted log is intact; try again on a later store
			p.opts.Logger.Error("compaction failed", "doc", doc, "err", err)
		}
	}
	return nil
}

// compact collapses doc's rows into one snapshot row. The range delete
// and the snapshot insert ride a single batch, applied synchronously:
// either the old log or the new snapshot is on disk, never neither.
func (p *PebbleLog) compact(doc string, m *docMeta) error {
	rows, _, err := p.scan(doc)
	if err != nil {
		return err
	}
	snap, err := replay(p.opts.Engine, rows)
	if err != nil {
		return err
	}

	lo, hi := docBounds(doc)
	batch := p.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.DeleteRange(lo, hi, nil); err != nil {
		return err
	}
	if err := batch.Set(rowKey(doc, m.next), rowValue(true, snap), nil); err != nil {
		return err
	}
	if err := p.db.Apply(batch, pebble.Sync); err != nil {
		return err
	}
	m.next++
	m.count = 1
	p.opts.Logger.Debug("compacted delta log", "doc", doc, "replayed", len(rows))
	return nil
}

func (p *PebbleLog) Close() error {
	return p.db.Close()
}
