package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/montarion/VantageNotes-sub000/protocol"
	"github.com/montarion/VantageNotes-sub000/utils"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
	sendQueueLen = 64
)

// SessionState is where a session stands in the sync protocol.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateSyncing
	StateLive
	StateSwitching
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateSwitching:
		return "switching"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one websocket subscriber. It belongs to exactly one room
// at a time; a switch frame moves it without dropping the socket.
//
// The read loop is the only goroutine that touches s.room, so the
// session needs no lock of its own; the room's lock covers everything
// shared.
type Session struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte

	state atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}

	room  *Room
	aware map[uint64]struct{} // awareness clientIDs announced on this socket

	// last document version this session is known to have: it either
	// produced that version or was caught up past it by a handshake
	syncedVersion atomic.Uint64

	rooms   *Rooms
	store   *Store
	logger  utils.Logger
	metrics *Metrics
}

func newSession(conn *websocket.Conn, rooms *Rooms, store *Store, logger utils.Logger, metrics *Metrics) *Session {
	return &Session{
		id:      uuid.New(),
		conn:    conn,
		send:    make(chan []byte, sendQueueLen),
		closed:  make(chan struct{}),
		aware:   make(map[uint64]struct{}),
		rooms:   rooms,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// State is the session's current protocol state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// enqueue queues a frame without blocking. A subscriber too slow to
// drain its queue is kicked; the sync handshake on its next connect
// recovers whatever it missed.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.closed:
	default:
		s.logger.Warn("send queue overflow, kicking session", "session", s.id, "doc", s.docID())
		s.kick()
	}
}

func (s *Session) kick() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) docID() string {
	if s.room == nil {
		return ""
	}
	return s.room.id
}

// run drives the session from handshake to teardown. It subscribes to
// doc, opens the sync handshake, then serves frames until the socket
// dies.
func (s *Session) run(ctx context.Context, doc string) {
	s.setState(StateConnecting)
	defer s.kick()

	ctx = utils.WithDefaultArgs(ctx, "session", s.id)
	room, err := s.rooms.Subscribe(ctx, doc, s)
	if err != nil {
		s.logger.ErrorCtx(ctx, "subscribe failed", "doc", doc, "err", err)
		return
	}
	s.room = room
	defer func() { s.rooms.Leave(s.room, s) }()

	go s.writeLoop()
	s.greet()
	s.readLoop(ctx)
}

// greet opens the handshake on the current room: our state vector, then
// the room's presence so the client renders peers before the first edit.
func (s *Session) greet() {
	s.setState(StateSyncing)
	s.enqueue(protocol.EncodeStep1(s.room.doc.Vector()))
	if snap := s.room.AwarenessSnapshot(); snap != nil {
		s.enqueue(snap)
	}
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read error", "session", s.id, "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.kick()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.kick()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// handleFrame dispatches one decoded frame. Malformed frames are logged
// and dropped; one bad frame never costs the connection.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("dropping bad frame", "session", s.id, "doc", s.docID(), "err", err)
		s.metrics.badFrame()
		return
	}

	switch msg.Tag {
	case protocol.TagSync:
		s.handleSync(ctx, msg)
	case protocol.TagAwareness:
		if err := s.room.ApplyAwareness(s, msg.Body); err != nil {
			s.logger.Warn("dropping bad awareness blob", "session", s.id, "err", err)
			s.metrics.badFrame()
		}
	case protocol.TagSwitch:
		s.switchDoc(ctx, msg.Doc)
	}
}

func (s *Session) handleSync(ctx context.Context, msg protocol.Message) {
	switch msg.Sub {
	case protocol.SyncStep1:
		// answer with what the peer is missing; an empty answer still
		// goes out so the peer knows it is caught up
		diff, err := s.room.doc.Diff(msg.Body)
		if err != nil {
			s.logger.Warn("dropping bad state vector", "session", s.id, "err", err)
			s.metrics.badFrame()
			return
		}
		s.enqueue(protocol.EncodeStep2(diff))
		s.syncedVersion.Store(s.room.doc.Version())
		s.setState(StateLive)

	case protocol.SyncStep2, protocol.SyncUpdate:
		if len(msg.Body) == 0 {
			if msg.Sub == protocol.SyncStep2 {
				s.setState(StateLive)
			}
			return
		}
		version, err := s.store.ApplyLocal(ctx, s.room.id, msg.Body)
		if err != nil {
			s.logger.Warn("dropping bad delta", "session", s.id, "doc", s.room.id, "err", err)
			s.metrics.badFrame()
			return
		}
		s.syncedVersion.Store(version)
		if msg.Sub == protocol.SyncStep2 {
			s.setState(StateLive)
		}
		s.room.Broadcast(s, protocol.EncodeUpdate(msg.Body))
	}
}

// SyncedVersion is the last document version this session produced or
// acknowledged through a handshake.
func (s *Session) SyncedVersion() uint64 {
	return s.syncedVersion.Load()
}

// switchDoc moves the session to another room over the same socket. The
// old room sees us leave (including awareness removal); the new room
// greets us with a fresh handshake.
func (s *Session) switchDoc(ctx context.Context, doc string) {
	if doc == "" || doc == s.room.id {
		return
	}
	s.setState(StateSwitching)

	room, err := s.rooms.Subscribe(ctx, doc, s)
	if err != nil {
		s.logger.ErrorCtx(ctx, "switch failed, staying put", "doc", doc, "err", err)
		s.setState(StateLive)
		return
	}

	old := s.room
	s.room = room
	s.rooms.Leave(old, s)
	s.aware = make(map[uint64]struct{})
	s.syncedVersion.Store(0)
	s.greet()
}
