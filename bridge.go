package collab

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/montarion/VantageNotes-sub000/protocol"
	"github.com/montarion/VantageNotes-sub000/utils"
)

const (
	maxNoteSize   = 4 << 20
	coldCacheSize = 256
)

// ErrBadNotePath rejects note ids that would escape the notes dir.
var ErrBadNotePath = errors.New("note id escapes the notes directory")

// Bridge mirrors documents to plain files in a notes directory and
// serves them over HTTP, so tools that only speak files or GET/POST
// still see (and can edit) what the collaborative replicas hold.
//
// When a room is live, bridge writes fold through the replica as one
// whole-text splice, so connected editors see external edits arrive as
// a regular remote delta. When no room is live, the file itself is the
// document.
type Bridge struct {
	store  *Store
	rooms  *Rooms
	dir    string
	logger utils.Logger

	// hash of the last content this bridge wrote per doc, to skip
	// rewriting unchanged mirrors and to ignore our own watcher echoes
	written *xsync.MapOf[string, uint64]
	cold    *lru.Cache[string, string]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewBridge(store *Store, rooms *Rooms, dir string, logger utils.Logger) (*Bridge, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cold, err := lru.New[string, string](coldCacheSize)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		store:   store,
		rooms:   rooms,
		dir:     dir,
		logger:  logger,
		written: xsync.NewMapOf[string, uint64](),
		cold:    cold,
		done:    make(chan struct{}),
	}
	store.OnPersisted(b.mirror)
	return b, nil
}

// Mount registers the cold-storage HTTP routes.
func (b *Bridge) Mount(r *mux.Router) {
	r.HandleFunc("/notes/{id:.+}", b.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/notes/{id:.+}", b.handlePost).Methods(http.MethodPost)
}

// path maps a note id to its mirror file, refusing ids that climb out
// of the notes dir.
func (b *Bridge) path(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrBadNotePath
	}
	return filepath.Join(b.dir, clean), nil
}

// mirror writes doc's text to its flat file. Runs on the persist path
// after every logged delta; unchanged content is skipped.
func (b *Bridge) mirror(doc, text string) {
	sum := xxhash.Sum64String(text)
	if prev, ok := b.written.Load(doc); ok && prev == sum {
		return
	}

	path, err := b.path(doc)
	if err != nil {
		b.logger.Warn("not mirroring unsafe doc id", "doc", doc)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		b.logger.Error("mirror write failed", "doc", doc, "err", err)
		return
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		b.logger.Error("mirror write failed", "doc", doc, "err", err)
		return
	}
	b.written.Store(doc, sum)
	b.cold.Add(doc, text)
	b.logger.Debug("mirrored document", "doc", doc, "bytes", len(text))
}

// ReadCold returns the flat-file content for id, through the cold
// cache. Used when no room is live and by freshly opening clients.
func (b *Bridge) ReadCold(id string) (string, error) {
	if text, ok := b.cold.Get(id); ok {
		return text, nil
	}
	path, err := b.path(id)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(raw)
	b.cold.Add(id, text)
	return text, nil
}

func (b *Bridge) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// a live room is fresher than the mirror file
	if _, ok := b.rooms.Lookup(id); ok {
		text, err := b.store.SnapshotText(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, text)
		return
	}

	text, err := b.ReadCold(id)
	switch {
	case errors.Is(err, ErrBadNotePath):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}

func (b *Bridge) handlePost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNoteSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := b.write(r.Context(), id, string(raw)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBadNotePath) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// write lands text on doc id. Live room: fold through the replica as a
// single splice and broadcast the delta, letting the mirror hook bring
// the file up to date. No room: write the file directly.
func (b *Bridge) write(ctx context.Context, id, text string) error {
	if room, ok := b.rooms.Lookup(id); ok {
		delta, _, err := b.store.ApplyText(ctx, id, text)
		if err != nil {
			return err
		}
		if delta != nil {
			room.Broadcast(nil, protocol.EncodeUpdate(delta))
		}
		return nil
	}

	path, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return err
	}
	b.written.Store(id, xxhash.Sum64String(text))
	b.cold.Add(id, text)
	return nil
}

// Watch folds external edits to the notes dir back into live rooms.
// Events for content the bridge itself just mirrored hash equal and
// no-op.
func (b *Bridge) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(b.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	b.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					b.foldFile(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("notes watcher error", "err", err)
			case <-b.done:
				return
			}
		}
	}()
	return nil
}

// foldFile pushes an externally edited file into its live room, if any.
func (b *Bridge) foldFile(path string) {
	rel, err := filepath.Rel(b.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	id := filepath.ToSlash(rel)

	room, ok := b.rooms.Lookup(id)
	if !ok {
		b.cold.Remove(id)
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	text := string(raw)
	if prev, ok := b.written.Load(id); ok && prev == xxhash.Sum64String(text) {
		return // our own mirror write echoing back
	}

	delta, _, err := b.store.ApplyText(context.Background(), id, text)
	if err != nil {
		b.logger.Error("folding external edit failed", "doc", id, "err", err)
		return
	}
	if delta != nil {
		room.Broadcast(nil, protocol.EncodeUpdate(delta))
		b.logger.Debug("folded external edit", "doc", id, "bytes", len(text))
	}
}

func (b *Bridge) Close() error {
	close(b.done)
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}
