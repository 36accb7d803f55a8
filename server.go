package collab

import (
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/montarion/VantageNotes-sub000/utils"
)

// Server owns the HTTP surface: the sync websocket endpoint plus
// whatever the bridge mounts on the same router.
type Server struct {
	rooms   *Rooms
	store   *Store
	router  *mux.Router
	logger  utils.Logger
	metrics *Metrics

	upgrader websocket.Upgrader
}

func NewServer(store *Store, rooms *Rooms, logger utils.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = store.logger
	}
	s := &Server{
		rooms:   rooms,
		store:   store,
		router:  mux.NewRouter(),
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the socket carries no credentials and docIds are not secret
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router.HandleFunc("/sync/{doc}", s.handleSync).Methods(http.MethodGet)
	return s
}

// Router is the mux the server serves; the bridge and the metrics
// endpoint hang extra routes on it.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := httpsnoop.CaptureMetrics(s.router, w, r)
	s.logger.Debug("http request",
		"method", r.Method, "path", r.URL.Path,
		"status", m.Code, "duration", m.Duration.Round(time.Microsecond))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	if doc == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "doc", doc, "err", err)
		return
	}

	sess := newSession(conn, s.rooms, s.store, s.logger, s.metrics)
	s.logger.Debug("session connected", "session", sess.id, "doc", doc)
	// the handler blocks for the life of the socket, keeping the request
	// context alive for everything the session does
	sess.run(r.Context(), doc)
	s.logger.Debug("session disconnected", "session", sess.id)
}
