package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/syncerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(filepath.Join(t.TempDir(), "test.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func action(id string, rt models.ResourceType, op models.Operation, target, payload string) *models.PendingAction {
	a := &models.PendingAction{ID: id, ResourceType: rt, Operation: op, TargetID: target}
	if payload != "" {
		a.Payload = json.RawMessage(payload)
	}
	return a
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "pulse.db")
	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestPendingActions_FIFO(t *testing.T) {
	s, _ := newTestStore(t)

	// ids sort in the opposite order of insertion
	ids := []string{"c", "b", "a"}
	for _, id := range ids {
		require.NoError(t, s.EnqueueAction(action(id, models.ResourceInsight, models.Update(), "42", `{"n":"`+id+`"}`)))
	}

	got, err := s.ListPendingActions()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range got {
		assert.Equal(t, ids[i], a.ID)
		assert.Equal(t, "42", a.TargetID)
		assert.Equal(t, models.OpUpdate, a.Operation.Kind)
		assert.False(t, a.EnqueuedAt.IsZero())
	}
}

func TestPendingActions_CustomOperationRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.EnqueueAction(action("x", models.ResourcePreference, models.Custom("reset"), "", "")))

	got, err := s.ListPendingActions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.Custom("reset"), got[0].Operation)
	assert.Nil(t, got[0].Payload)
}

func TestRemoveAction_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.EnqueueAction(action("a1", models.ResourceInsight, models.Add(), "", `{}`)))

	require.NoError(t, s.RemoveAction("a1"))
	require.NoError(t, s.RemoveAction("a1"))
	require.NoError(t, s.RemoveAction("never-existed"))

	n, err := s.CountPendingActions()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueAction_FailureLeavesLogIntact(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.EnqueueAction(action("dup", models.ResourceInsight, models.Add(), "", `{"title":"A"}`)))

	err := s.EnqueueAction(action("dup", models.ResourceInsight, models.Add(), "", `{"title":"B"}`))
	require.Error(t, err)
	var se *syncerr.StorageError
	assert.True(t, errors.As(err, &se), "want StorageError, got %T", err)

	got, err := s.ListPendingActions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"title":"A"}`, string(got[0].Payload))
}

func TestEnqueueAction_Validates(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Error(t, s.EnqueueAction(action("u", models.ResourceInsight, models.Update(), "", `{}`)))
	assert.Error(t, s.EnqueueAction(action("", models.ResourceInsight, models.Add(), "", `{}`)))
	assert.Error(t, s.EnqueueAction(action("p", models.ResourceInsight, models.Add(), "", `{bad`)))
}

func TestPendingActions_SurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pulse.db")
	s, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.EnqueueAction(action("a1", models.ResourceInsight, models.Add(), "", `{"title":"A"}`)))
	require.NoError(t, s.EnqueueAction(action("a2", models.ResourceInsight, models.Update(), "42", `{"title":"B"}`)))
	require.NoError(t, s.Close())

	s, err = New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.ListPendingActions()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
}

func TestRecordFailure(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.EnqueueAction(action("a1", models.ResourceInsight, models.Add(), "", `{}`)))

	n, err := s.RecordFailure("a1", "503")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordFailure("a1", "timeout")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.ListPendingActions()
	require.NoError(t, err)
	assert.Equal(t, "timeout", got[0].LastError)

	n, err = s.RecordFailure("gone", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLetter_MovesAction(t *testing.T) {
	s, _ := newTestStore(t)
	a := action("a1", models.ResourceInsight, models.Update(), "42", `{"title":"B"}`)
	require.NoError(t, s.EnqueueAction(a))

	dl, err := s.DeadLetter(*a, "remote rejected 422")
	require.NoError(t, err)
	assert.Equal(t, "a1", dl.Action.ID)

	pending, err := s.ListPendingActions()
	require.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := s.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "remote rejected 422", dead[0].Reason)
	assert.Equal(t, "42", dead[0].Action.TargetID)
	assert.JSONEq(t, `{"title":"B"}`, string(dead[0].Action.Payload))
}

func TestGetCached_NeverCachedIsNil(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.GetCached(models.ResourceInsight)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SetCached(models.ResourceInsight, nil))
	got, err = s.GetCached(models.ResourceInsight)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSetCached_ReplacesWholeCollection(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.SetCached(models.ResourceInsight, []models.CachedEntity{
		{ID: "1", Data: json.RawMessage(`{"title":"one"}`)},
		{ID: "2", Data: json.RawMessage(`{"title":"two"}`)},
	}))
	clock.Advance(time.Minute)
	require.NoError(t, s.SetCached(models.ResourceInsight, []models.CachedEntity{
		{ID: "2", Data: json.RawMessage(`{"title":"two v2"}`)},
	}))

	got, err := s.GetCached(models.ResourceInsight)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
	assert.JSONEq(t, `{"title":"two v2"}`, string(got[0].Data))
	assert.True(t, got[0].LastSyncedAt.Equal(clock.Now()))

	// Other collections are untouched.
	other, err := s.GetCached(models.ResourcePreference)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSetCached_RejectsEntityWithoutID(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SetCached(models.ResourceInsight, []models.CachedEntity{{ID: "1", Data: json.RawMessage(`{}`)}}))

	err := s.SetCached(models.ResourceInsight, []models.CachedEntity{{ID: "2"}, {ID: ""}})
	require.Error(t, err)

	// the transaction rolled back
	got, err := s.GetCached(models.ResourceInsight)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestUpsertAndDeleteEntity(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.UpsertEntity(models.CachedEntity{ResourceType: models.ResourceInsight, ID: "42", Data: json.RawMessage(`{"title":"A"}`)}))
	require.NoError(t, s.UpsertEntity(models.CachedEntity{ResourceType: models.ResourceInsight, ID: "42", Data: json.RawMessage(`{"title":"B"}`)}))

	e, err := s.GetEntity(models.ResourceInsight, "42")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.JSONEq(t, `{"title":"B"}`, string(e.Data))

	require.NoError(t, s.DeleteEntity(models.ResourceInsight, "42"))
	require.NoError(t, s.DeleteEntity(models.ResourceInsight, "42"))
	e, err = s.GetEntity(models.ResourceInsight, "42")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestIsStale(t *testing.T) {
	s, clock := newTestStore(t)

	stale, err := s.IsStale(time.Hour)
	require.NoError(t, err)
	assert.True(t, stale, "nothing tracked is stale")

	require.NoError(t, s.SetCached(models.ResourceInsight, nil))
	clock.Advance(30 * time.Minute)
	require.NoError(t, s.SetCached(models.ResourcePreference, nil))

	stale, err = s.IsStale(time.Hour)
	require.NoError(t, err)
	assert.False(t, stale)

	// Newest collection governs.
	clock.Advance(45 * time.Minute)
	stale, err = s.IsStale(time.Hour)
	require.NoError(t, err)
	assert.False(t, stale)

	clock.Advance(30 * time.Minute)
	stale, err = s.IsStale(time.Hour)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestClearAll(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SetCached(models.ResourceInsight, []models.CachedEntity{{ID: "1", Data: json.RawMessage(`{}`)}}))
	a := action("a1", models.ResourceInsight, models.Add(), "", `{}`)
	require.NoError(t, s.EnqueueAction(a))
	require.NoError(t, s.EnqueueAction(action("a2", models.ResourceInsight, models.Add(), "", `{}`)))
	_, err := s.DeadLetter(*a, "x")
	require.NoError(t, err)
	require.NoError(t, s.SetSetting("scheduler.interval", "daily"))

	require.NoError(t, s.ClearAll())

	cached, err := s.GetCached(models.ResourceInsight)
	require.NoError(t, err)
	assert.Nil(t, cached)
	pending, err := s.ListPendingActions()
	require.NoError(t, err)
	assert.Empty(t, pending)
	dead, err := s.ListDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, dead)

	v, ok, err := s.GetSetting("scheduler.interval")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "daily", v)
}

func TestSettings(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok, err := s.GetSetting("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting("k", "v1"))
	require.NoError(t, s.SetSetting("k", "v2"))
	v, ok, err := s.GetSetting("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestConnections(t *testing.T) {
	s, _ := newTestStore(t)

	expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	rec := &models.ConnectionRecord{
		SourceID:     "spotify",
		ProviderType: "oauth",
		AccountID:    "u-123",
		DisplayName:  "Ada",
		Credential:   models.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: &expires},
		Scopes:       []string{"user-read-recently-played"},
		Status:       models.ConnectionConnected,
	}
	require.NoError(t, s.SaveConnection(rec))
	require.NoError(t, s.SaveConnection(&models.ConnectionRecord{SourceID: "device-health", ProviderType: "native", Status: models.ConnectionConnected}))

	got, err := s.GetConnection("spotify")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rt", got.Credential.RefreshToken)
	require.NotNil(t, got.Credential.ExpiresAt)
	assert.True(t, got.Credential.ExpiresAt.Equal(expires))
	assert.Equal(t, []string{"user-read-recently-played"}, got.Scopes)

	all, err := s.ListConnections()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "device-health", all[0].SourceID)
	assert.Nil(t, all[0].Credential.ExpiresAt)

	require.NoError(t, s.DeleteConnection("spotify"))
	require.NoError(t, s.DeleteConnection("spotify"))
	got, err = s.GetConnection("spotify")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournal(t *testing.T) {
	s, clock := newTestStore(t)

	_, err := s.WriteJournal("sync.drain", "h1", "ok", "", "synced=1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.WriteJournal("action.dead_letter", "h2", "dead_lettered", "a1", "422")
	require.NoError(t, err)

	entries, err := s.ListJournal(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "action.dead_letter", entries[0].Action)
	assert.Equal(t, "a1", entries[0].SubjectID)
}
