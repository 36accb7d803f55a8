package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collab "github.com/montarion/VantageNotes-sub000"
	"github.com/montarion/VantageNotes-sub000/protocol"
)

func startServer(t *testing.T) (*httptest.Server, *collab.Store) {
	t.Helper()
	store := collab.NewStore(collab.Options{})
	rooms := collab.NewRooms(store, nil, nil)
	srv := httptest.NewServer(collab.NewServer(store, rooms, nil, nil))
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv, store
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOfflineEditSurvivesReopen(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "cache.db")

	m, err := Open(Options{CachePath: cache})
	require.NoError(t, err)
	d, err := m.Doc(context.Background(), "note")
	require.NoError(t, err)
	require.NoError(t, d.Splice(0, 0, "offline words"))
	require.NoError(t, m.Close())

	m, err = Open(Options{CachePath: cache})
	require.NoError(t, err)
	defer m.Close()
	d, err = m.Doc(context.Background(), "note")
	require.NoError(t, err)
	assert.Equal(t, "offline words", d.Text())
}

func TestColdSeed(t *testing.T) {
	cold := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notes/seeded" {
			_, _ = io.WriteString(w, "cold content")
			return
		}
		http.NotFound(w, r)
	}))
	defer cold.Close()

	m, err := Open(Options{ColdURL: cold.URL})
	require.NoError(t, err)
	defer m.Close()

	d, err := m.Doc(context.Background(), "seeded")
	require.NoError(t, err)
	assert.Equal(t, "cold content", d.Text())

	empty, err := m.Doc(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "", empty.Text())
}

func TestConnectPushesAndPulls(t *testing.T) {
	srv, store := startServer(t)

	var mu sync.Mutex
	var lastText string
	m, err := Open(Options{
		ServerURL: wsURL(srv),
		OnChange: func(doc, text string) {
			mu.Lock()
			lastText = text
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer m.Close()

	d, err := m.Doc(context.Background(), "note")
	require.NoError(t, err)
	d.Connect(context.Background())

	require.Eventually(t, func() bool {
		return d.Status() == StatusLive
	}, 3*time.Second, 10*time.Millisecond)

	// push: a local edit lands on the server
	require.NoError(t, d.Splice(0, 0, "pushed"))
	require.Eventually(t, func() bool {
		text, err := store.SnapshotText(context.Background(), "note")
		return err == nil && text == "pushed"
	}, 3*time.Second, 10*time.Millisecond)

	// pull: a peer's edit comes back down
	m2, err := Open(Options{ServerURL: wsURL(srv)})
	require.NoError(t, err)
	defer m2.Close()
	d2, err := m2.Doc(context.Background(), "note")
	require.NoError(t, err)
	d2.Connect(context.Background())
	require.Eventually(t, func() bool {
		return d2.Status() == StatusLive && d2.Text() == "pushed"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, d2.Splice(d2.Len(), 0, " and pulled"))
	require.Eventually(t, func() bool {
		return d.Text() == "pushed and pulled"
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, d.Text(), lastText)
	mu.Unlock()
}

func TestOfflineEditsReconcileOnConnect(t *testing.T) {
	srv, store := startServer(t)

	m, err := Open(Options{ServerURL: wsURL(srv)})
	require.NoError(t, err)
	defer m.Close()

	d, err := m.Doc(context.Background(), "note")
	require.NoError(t, err)
	require.NoError(t, d.Splice(0, 0, "written offline"))

	d.Connect(context.Background())
	require.Eventually(t, func() bool {
		text, err := store.SnapshotText(context.Background(), "note")
		return err == nil && text == "written offline"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAwarenessCallback(t *testing.T) {
	srv, _ := startServer(t)

	var mu sync.Mutex
	var seen []protocol.AwarenessEntry
	watcher, err := Open(Options{
		ServerURL: wsURL(srv),
		ClientID:  100,
		OnAwareness: func(doc string, entries []protocol.AwarenessEntry) {
			mu.Lock()
			seen = append(seen, entries...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer watcher.Close()

	wd, err := watcher.Doc(context.Background(), "note")
	require.NoError(t, err)
	wd.Connect(context.Background())
	require.Eventually(t, func() bool { return wd.Status() == StatusLive }, 3*time.Second, 10*time.Millisecond)

	announcer, err := Open(Options{ServerURL: wsURL(srv), ClientID: 200})
	require.NoError(t, err)
	defer announcer.Close()
	ad, err := announcer.Doc(context.Background(), "note")
	require.NoError(t, err)
	ad.Connect(context.Background())
	require.Eventually(t, func() bool { return ad.Status() == StatusLive }, 3*time.Second, 10*time.Millisecond)

	ad.SetAwareness([]byte("cursor:5"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if e.ClientID == 200 && string(e.State) == "cursor:5" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// clearing presence arrives as an empty state
	ad.ClearAwareness()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if e.ClientID == 200 && len(e.State) == 0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
