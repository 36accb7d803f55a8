package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/montarion/VantageNotes-sub000/crdt"
	"github.com/montarion/VantageNotes-sub000/protocol"
)

// Doc is one local replica. It is fully editable offline; whenever a
// socket is up, the sync handshake reconciles both directions and live
// deltas flow until the socket drops.
type Doc struct {
	m  *Manager
	id string

	mu     sync.Mutex
	state  crdt.State
	status Status

	connMu sync.Mutex
	conn   *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
	running   bool
}

func newDoc(m *Manager, id string, state crdt.State) *Doc {
	return &Doc{
		m:      m,
		id:     id,
		state:  state,
		status: StatusOffline,
		closed: make(chan struct{}),
	}
}

// ID is the document id on the server.
func (d *Doc) ID() string { return d.id }

// Text is the replica's current content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}

// Len is the replica's length in runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Len()
}

// Status is the current connection status.
func (d *Doc) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Doc) setStatus(s Status) {
	d.mu.Lock()
	changed := d.status != s
	d.status = s
	d.mu.Unlock()
	if changed && d.m.opts.OnStatus != nil {
		d.m.opts.OnStatus(d.id, s)
	}
}

// Splice applies a local edit: delete del runes at position at, insert
// text there. Works offline; when connected the delta also goes to the
// server.
func (d *Doc) Splice(at, del int, text string) error {
	d.mu.Lock()
	delta, err := d.state.Splice(at, del, text)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	snap := d.state.Encode()
	d.mu.Unlock()

	d.m.saveSnapshot(d.id, snap)
	if delta != nil {
		d.send(protocol.EncodeUpdate(delta))
	}
	return nil
}

// SetAwareness announces this client's presence state to the room.
func (d *Doc) SetAwareness(state []byte) {
	blob := protocol.EncodeAwarenessBlob([]protocol.AwarenessEntry{
		{ClientID: d.m.opts.ClientID, State: state},
	})
	d.send(protocol.EncodeAwareness(blob))
}

// ClearAwareness withdraws this client's presence.
func (d *Doc) ClearAwareness() {
	d.SetAwareness(nil)
}

// send writes a frame on the current socket, if any. Offline frames are
// simply dropped: the state vector handshake recovers document content
// on reconnect, and awareness is ephemeral by contract.
func (d *Doc) send(frame []byte) {
	d.connMu.Lock()
	conn := d.conn
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			_ = conn.Close()
		}
	}
	d.connMu.Unlock()
}

// Connect keeps a socket to the server in the background, redialing at
// a constant interval until ctx ends or the doc is closed.
func (d *Doc) Connect(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	go func() {
		bo := backoff.WithContext(backoff.NewConstantBackOff(d.m.opts.ReconnectInterval), ctx)
		_ = backoff.Retry(func() error {
			select {
			case <-d.closed:
				return nil
			default:
			}
			if err := d.session(ctx); err != nil {
				d.setStatus(StatusOffline)
				d.m.opts.Logger.Debug("connection lost, retrying", "doc", d.id, "err", err)
				return err
			}
			return nil
		}, bo)
		d.setStatus(StatusOffline)
	}()
}

func (d *Doc) dialURL() string {
	base := strings.TrimSuffix(d.m.opts.ServerURL, "/")
	return base + "/sync/" + d.id
}

// session runs one connection from dial to disconnect. A nil return
// means the doc is shutting down; any error asks for a redial.
func (d *Doc) session(ctx context.Context) error {
	d.setStatus(StatusConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.dialURL(), nil)
	if err != nil {
		return err
	}
	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()
	defer func() {
		d.connMu.Lock()
		d.conn = nil
		d.connMu.Unlock()
		_ = conn.Close()
	}()

	// watch for shutdown while blocked in ReadMessage
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-d.closed:
			_ = conn.Close()
		}
	}()

	d.setStatus(StatusSyncing)
	d.mu.Lock()
	vector := d.state.Vector()
	d.mu.Unlock()
	d.send(protocol.EncodeStep1(vector))

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-d.closed:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		d.handleFrame(frame)
	}
}

func (d *Doc) handleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		d.m.opts.Logger.Warn("dropping bad frame", "doc", d.id, "err", err)
		return
	}

	switch msg.Tag {
	case protocol.TagSync:
		d.handleSync(msg)
	case protocol.TagAwareness:
		if d.m.opts.OnAwareness == nil {
			return
		}
		entries, err := protocol.DecodeAwarenessBlob(msg.Body)
		if err != nil {
			d.m.opts.Logger.Warn("dropping bad awareness blob", "doc", d.id, "err", err)
			return
		}
		d.m.opts.OnAwareness(d.id, entries)
	}
}

func (d *Doc) handleSync(msg protocol.Message) {
	switch msg.Sub {
	case protocol.SyncStep1:
		d.mu.Lock()
		diff, err := d.state.Diff(msg.Body)
		d.mu.Unlock()
		if err != nil {
			d.m.opts.Logger.Warn("dropping bad state vector", "doc", d.id, "err", err)
			return
		}
		d.send(protocol.EncodeStep2(diff))

	case protocol.SyncStep2, protocol.SyncUpdate:
		if msg.Sub == protocol.SyncStep2 {
			defer d.setStatus(StatusLive)
		}
		if len(msg.Body) == 0 {
			return
		}
		d.mu.Lock()
		if err := d.state.Merge(msg.Body); err != nil {
			d.mu.Unlock()
			d.m.opts.Logger.Warn("dropping bad delta", "doc", d.id, "err", err)
			return
		}
		snap := d.state.Encode()
		text := d.state.String()
		d.mu.Unlock()

		d.m.saveSnapshot(d.id, snap)
		if d.m.opts.OnChange != nil {
			d.m.opts.OnChange(d.id, text)
		}
	}
}

// Close disconnects and stops reconnecting. The replica stays readable.
func (d *Doc) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		d.connMu.Lock()
		if d.conn != nil {
			_ = d.conn.Close()
		}
		d.connMu.Unlock()
	})
}
