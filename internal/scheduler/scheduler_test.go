package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/store"
)

// mockSyncer counts drains and can block until released.
type mockSyncer struct {
	calls   atomic.Int32
	block   chan struct{}
	entered chan struct{}
	err     error
}

func (m *mockSyncer) SyncNow(ctx context.Context) (models.SyncResult, error) {
	m.calls.Add(1)
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
		}
	}
	return models.SyncResult{Synced: 2}, m.err
}

type mockRefresher struct {
	calls atomic.Int32
}

func (m *mockRefresher) RefreshExpiring(context.Context) (int, error) {
	m.calls.Add(1)
	return 1, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for condition")
		case <-ticker.C:
		}
	}
}

func TestParseInterval(t *testing.T) {
	for _, s := range []string{"minimum", "hourly", "daily"} {
		if _, err := ParseInterval(s); err != nil {
			t.Errorf("ParseInterval(%q): %v", s, err)
		}
	}
	if _, err := ParseInterval("weekly"); err == nil {
		t.Error("Expected error for weekly")
	}
	if IntervalMinimum.Duration() != 15*time.Minute {
		t.Errorf("Expected 15m minimum, got %v", IntervalMinimum.Duration())
	}
	if IntervalDaily.Duration() != 24*time.Hour {
		t.Errorf("Expected 24h daily, got %v", IntervalDaily.Duration())
	}
}

func TestIntervalPersistence(t *testing.T) {
	s := newTestStore(t)

	sch, err := New(&mockSyncer{}, s, IntervalMinimum)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := sch.Status().Interval; got != IntervalMinimum {
		t.Errorf("Expected fallback interval, got %s", got)
	}
	if err := sch.SetInterval(IntervalDaily); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if err := sch.SetInterval("weekly"); err == nil {
		t.Error("Expected invalid interval to be rejected")
	}

	restored, err := New(&mockSyncer{}, s, IntervalHourly)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := restored.Status().Interval; got != IntervalDaily {
		t.Errorf("Expected persisted daily interval, got %s", got)
	}
}

func TestIgnoresCorruptPersistedInterval(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetSetting(SettingKey, "fortnightly"); err != nil {
		t.Fatal(err)
	}
	sch, err := New(&mockSyncer{}, s, IntervalHourly)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := sch.Status().Interval; got != IntervalHourly {
		t.Errorf("Expected fallback interval, got %s", got)
	}
}

func TestSchedulerTicks(t *testing.T) {
	sy := &mockSyncer{}
	ref := &mockRefresher{}
	sch, err := New(sy, nil, IntervalMinimum, WithRefresher(ref))
	if err != nil {
		t.Fatal(err)
	}
	sch.period = func(Interval) time.Duration { return 20 * time.Millisecond }

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sch.Stop()
	if err := sch.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}

	waitFor(t, 5*time.Second, func() bool { return sy.calls.Load() >= 2 && ref.calls.Load() >= 2 })

	st := sch.Status()
	if !st.Started {
		t.Error("Expected started status")
	}
	if st.LastRun == nil || st.NextRun == nil {
		t.Error("Expected last and next run to be set")
	}
	if st.LastResult.Synced != 2 || st.Refreshed != 1 {
		t.Errorf("Unexpected last result %+v refreshed %d", st.LastResult, st.Refreshed)
	}
}

func TestStopIsGraceful(t *testing.T) {
	sy := &mockSyncer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	sch, err := New(sy, nil, IntervalMinimum)
	if err != nil {
		t.Fatal(err)
	}
	sch.period = func(Interval) time.Duration { return 10 * time.Millisecond }
	if err := sch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-sy.entered

	done := make(chan struct{})
	go func() {
		sch.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after cancelling the in-flight run")
	}
	if sch.Status().Started {
		t.Error("Expected stopped status")
	}
	// Stop on a stopped scheduler is a no-op.
	sch.Stop()
}

func TestTriggerSync_ReportsError(t *testing.T) {
	sy := &mockSyncer{err: errors.New("boom")}
	sch, err := New(sy, nil, IntervalHourly)
	if err != nil {
		t.Fatal(err)
	}
	if !sch.TriggerSync() {
		t.Fatal("Expected trigger to start a run")
	}
	sch.Wait()

	if got := sch.Status().LastError; got != "boom" {
		t.Errorf("Expected last error boom, got %q", got)
	}
}

func TestTriggerSync_SingleFlight(t *testing.T) {
	sy := &mockSyncer{block: make(chan struct{}), entered: make(chan struct{}, 10)}
	sch, err := New(sy, nil, IntervalHourly)
	if err != nil {
		t.Fatal(err)
	}

	if !sch.TriggerSync() {
		t.Fatal("Expected first trigger to start")
	}
	<-sy.entered

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sch.TriggerSync() {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := accepted.Load(); n != 0 {
		t.Errorf("Expected no triggers while a run is in flight, got %d", n)
	}
	if !sch.Status().InProgress {
		t.Error("Expected run in progress")
	}

	close(sy.block)
	sch.Wait()
	if n := sy.calls.Load(); n != 1 {
		t.Errorf("Expected exactly one drain, got %d", n)
	}
	if !sch.TriggerSync() {
		t.Error("Expected trigger to be accepted after the run finished")
	}
	sch.Wait()
}
