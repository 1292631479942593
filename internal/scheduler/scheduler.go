package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/pulse/internal/models"
)

// Syncer drains the pending action log.
type Syncer interface {
	SyncNow(ctx context.Context) (models.SyncResult, error)
}

// Refresher renews credentials that are about to expire.
type Refresher interface {
	RefreshExpiring(ctx context.Context) (int, error)
}

// Settings persists the interval.
type Settings interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

// Status is a snapshot of the scheduler.
type Status struct {
	Interval   Interval          `json:"interval"`
	Period     string            `json:"period"`
	Started    bool              `json:"started"`
	InProgress bool              `json:"in_progress"`
	LastRun    *time.Time        `json:"last_run,omitempty"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	LastResult models.SyncResult `json:"last_result"`
	LastError  string            `json:"last_error,omitempty"`
	Refreshed  int               `json:"refreshed"`
}

// Scheduler periodically syncs and refreshes credentials.
type Scheduler struct {
	syncer    Syncer
	refresher Refresher
	settings  Settings
	logger    *slog.Logger

	mu         sync.Mutex
	interval   Interval
	lastRun    time.Time
	nextRun    time.Time
	lastResult models.SyncResult
	lastErr    error
	refreshed  int

	running atomic.Bool
	reset   chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// period maps an interval to its tick period; tests shorten it.
	period func(Interval) time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRefresher refreshes expiring credentials after each sync.
func WithRefresher(r Refresher) Option {
	return func(s *Scheduler) { s.refresher = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. A persisted interval wins over fallback.
func New(sy Syncer, settings Settings, fallback Interval, opts ...Option) (*Scheduler, error) {
	if _, err := ParseInterval(string(fallback)); err != nil {
		return nil, err
	}
	s := &Scheduler{
		syncer:   sy,
		settings: settings,
		logger:   slog.Default(),
		interval: fallback,
		reset:    make(chan struct{}, 1),
		period:   Interval.Duration,
	}
	for _, opt := range opts {
		opt(s)
	}

	if settings != nil {
		v, ok, err := settings.GetSetting(SettingKey)
		if err != nil {
			return nil, fmt.Errorf("load interval: %w", err)
		}
		if ok {
			iv, err := ParseInterval(v)
			if err != nil {
				s.logger.Warn("ignoring persisted interval", "value", v, "err", err)
			} else {
				s.interval = iv
			}
		}
	}
	return s, nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(s.ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.currentPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scheduleNext()
			s.run(ctx)
		case <-s.reset:
			ticker.Reset(s.currentPeriod())
		}
	}
}

// currentPeriod returns the tick period and stamps the next run.
func (s *Scheduler) currentPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.period(s.interval)
	s.nextRun = time.Now().Add(d)
	return d
}

func (s *Scheduler) scheduleNext() {
	s.mu.Lock()
	s.nextRun = time.Now().Add(s.period(s.interval))
	s.mu.Unlock()
}

// run performs one sync and refresh pass. Overlapping runs are skipped.
func (s *Scheduler) run(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)
	s.execute(ctx)
	return true
}

func (s *Scheduler) execute(ctx context.Context) {
	result, err := s.syncer.SyncNow(ctx)
	if err != nil {
		s.logger.Error("background sync failed", "err", err)
	} else if !result.Skipped {
		s.logger.Debug("background sync", "synced", result.Synced, "failed", result.Failed, "dead_lettered", result.DeadLettered)
	}

	refreshed := 0
	if s.refresher != nil {
		n, rerr := s.refresher.RefreshExpiring(ctx)
		if rerr != nil {
			s.logger.Warn("credential refresh failed", "err", rerr)
		}
		refreshed = n
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastResult = result
	s.lastErr = err
	s.refreshed = refreshed
	s.mu.Unlock()
}

// TriggerSync starts a run in the background. It returns false when a run
// is already in flight.
func (s *Scheduler) TriggerSync() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.execute(ctx)
	}()
	return true
}

// Wait blocks until background runs started by TriggerSync have finished.
// It must not be called while the loop is running.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// SetInterval persists iv and restarts the ticker with its period.
func (s *Scheduler) SetInterval(iv Interval) error {
	if _, err := ParseInterval(string(iv)); err != nil {
		return err
	}
	if s.settings != nil {
		if err := s.settings.SetSetting(SettingKey, string(iv)); err != nil {
			return fmt.Errorf("persist interval: %w", err)
		}
	}

	s.mu.Lock()
	s.interval = iv
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
	s.logger.Info("scheduler interval changed", "interval", iv)
	return nil
}

// Status returns a snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Interval:   s.interval,
		Period:     s.period(s.interval).String(),
		Started:    s.cancel != nil && s.ctx.Err() == nil,
		InProgress: s.running.Load(),
		LastResult: s.lastResult,
		Refreshed:  s.refreshed,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if st.Started && !s.nextRun.IsZero() {
		t := s.nextRun
		st.NextRun = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
