package tui

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/pulse/internal/models"
)

func daemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"version":"test","network":{"is_connected":true,"connection_class":"wifi"},"pending":1,"stale":true}`))
	})
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a1","resource_type":"insight","operation":{"kind":"update"},"target_id":"42","attempts":2,"last_error":"timeout"}]`))
	})
	mux.HandleFunc("/actions/dead", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"source_id":"spotify","provider_type":"oauth","status":"connected","display_name":"Ada"}]`))
	})
	mux.HandleFunc("/scheduler", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"interval":"hourly","period":"1h0m0s"}`))
	})
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(`{"synced":1,"failed":0,"dead_lettered":0}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Snapshot(t *testing.T) {
	srv := daemon(t)
	snap := NewClient(srv.URL + "/").Snapshot()

	require.NoError(t, snap.Err)
	assert.True(t, snap.DaemonOnline)
	assert.True(t, snap.Health.Network.IsConnected)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, models.Update(), snap.Pending[0].Operation)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, models.ConnectionConnected, snap.Connections[0].Status)
	require.NotNil(t, snap.Scheduler)
	assert.Equal(t, "hourly", snap.Scheduler.Interval)
}

func TestClient_SnapshotDaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	snap := NewClient(srv.URL).Snapshot()
	assert.False(t, snap.DaemonOnline)
	assert.Error(t, snap.Err)
}

func TestClient_Sync(t *testing.T) {
	res, err := NewClient(daemon(t).URL).Sync()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestApp_SnapshotRendersDashboard(t *testing.T) {
	app := NewWithClient(NewClient(daemon(t).URL))

	msg := app.fetchSnapshot()()
	app.Update(msg)

	view := app.View()
	assert.Contains(t, view, "online")
	assert.Contains(t, view, "PENDING (1)")
	assert.Contains(t, view, "CONNECTIONS (1)")
	assert.Contains(t, view, "2 tries: timeout")
	assert.Contains(t, view, "cache stale")

	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Contains(t, app.View(), "spotify")
}

func TestApp_Keys(t *testing.T) {
	app := NewWithClient(NewClient(daemon(t).URL))

	_, cmd := app.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	_, cmd = app.Update(key("s"))
	require.NotNil(t, cmd)
	assert.True(t, app.syncing)

	// A second press while syncing is ignored.
	_, again := app.Update(key("s"))
	assert.Nil(t, again)

	app.Update(cmd())
	assert.False(t, app.syncing)
	assert.Contains(t, app.message, "synced 1")

	_, cmd = app.Update(key("r"))
	require.NotNil(t, cmd)
	assert.True(t, app.loading)
}

func TestApp_SyncFailureAndOfflineDaemon(t *testing.T) {
	app := NewWithClient(NewClient("http://127.0.0.1:1"))

	app.Update(snapshotMsg(Snapshot{Err: errors.New("connection refused")}))
	assert.Contains(t, app.View(), "daemon offline")

	app.syncing = true
	app.Update(syncDoneMsg{err: errors.New("boom")})
	assert.Contains(t, app.message, "sync failed: boom")
	assert.True(t, strings.Contains(app.View(), "sync failed"))
}

func TestApp_SelectionStaysInRange(t *testing.T) {
	app := NewWithClient(NewClient("http://127.0.0.1:1"))
	app.Update(snapshotMsg(Snapshot{DaemonOnline: true, Pending: make([]models.PendingAction, 3)}))

	for i := 0; i < 5; i++ {
		app.Update(key("j"))
	}
	assert.Equal(t, 2, app.selected)

	app.Update(snapshotMsg(Snapshot{DaemonOnline: true, Pending: make([]models.PendingAction, 1)}))
	assert.Equal(t, 0, app.selected)
}
