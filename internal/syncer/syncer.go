// Package syncer drains the pending-action log against the remote API.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/pulse/internal/audit"
	"github.com/fentz26/pulse/internal/events"
	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/netmon"
	"github.com/fentz26/pulse/internal/syncerr"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	ListPendingActions() ([]models.PendingAction, error)
	RemoveAction(id string) error
	RecordFailure(id, reason string) (int, error)
	DeadLetter(action models.PendingAction, reason string) (*models.DeadLetter, error)
	SetCached(rt models.ResourceType, entities []models.CachedEntity) error
}

// Network reports the current reachability.
type Network interface {
	State() models.NetworkState
}

// Subscriber delivers connectivity transitions.
type Subscriber interface {
	Subscribe(fn netmon.Listener) func()
}

// Syncer is the sync orchestrator.
type Syncer struct {
	store       Store
	remote      Remote
	network     Network
	handlers    map[models.ResourceType]ResourceHandler
	maxAttempts int
	publisher   events.Publisher
	journal     *audit.Journal
	logger      *slog.Logger
	now         func() time.Time

	running atomic.Bool

	mu         sync.Mutex
	lastRun    time.Time
	lastResult models.SyncResult
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithHandler overrides the handler for one resource type.
func WithHandler(rt models.ResourceType, h ResourceHandler) Option {
	return func(s *Syncer) { s.handlers[rt] = h }
}

// WithMaxAttempts dead-letters an action after n failed attempts. Zero
// retries retryable failures forever.
func WithMaxAttempts(n int) Option {
	return func(s *Syncer) { s.maxAttempts = n }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

// WithJournal records dead letters and drains.
func WithJournal(j *audit.Journal) Option {
	return func(s *Syncer) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a Syncer. Every resource type gets a REST handler unless
// overridden; construction fails if any type ends up without one.
func New(store Store, remote Remote, network Network, opts ...Option) (*Syncer, error) {
	s := &Syncer{
		store:     store,
		remote:    remote,
		network:   network,
		handlers:  make(map[models.ResourceType]ResourceHandler),
		publisher: events.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, rt := range models.ResourceTypes() {
		s.handlers[rt] = RESTHandler{Remote: remote, Type: rt}
	}
	for _, opt := range opts {
		opt(s)
	}

	for rt, h := range s.handlers {
		if !rt.Valid() {
			return nil, fmt.Errorf("handler registered for unknown resource type %q", rt)
		}
		if h == nil {
			return nil, fmt.Errorf("no handler for resource type %q", rt)
		}
	}
	if s.maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts cannot be negative")
	}
	return s, nil
}

// Running reports whether a drain is in progress.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// Last returns the time and result of the last completed drain.
func (s *Syncer) Last() (time.Time, models.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastResult
}

// SyncNow drains the actions queued at call time. A concurrent call
// returns a zero result with Skipped set. Offline it returns a zero result
// without touching the log. Remote failures are counted, not returned;
// only storage failures surface as errors.
//
// The drain is not cancellable once started: ctx cancellation is ignored
// and each remote call is bounded by the client's timeout.
func (s *Syncer) SyncNow(ctx context.Context) (models.SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sync already running")
		return models.SyncResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	if !s.network.State().IsConnected {
		s.logger.Debug("sync skipped, offline")
		return models.SyncResult{}, nil
	}

	ctx = context.WithoutCancel(ctx)

	actions, err := s.store.ListPendingActions()
	if err != nil {
		return models.SyncResult{}, err
	}

	var result models.SyncResult
	var storeErr error
	refresh := make(map[models.ResourceType]bool)
	holdBack := make(map[string]bool)
	started := s.now()

	for _, a := range actions {
		key := a.OrderingKey()
		if holdBack[key] {
			result.Failed++
			continue
		}

		callErr := dispatch(ctx, s.handlers[a.ResourceType], a)
		if callErr == nil {
			if err := s.store.RemoveAction(a.ID); err != nil {
				storeErr = err
				break
			}
			result.Synced++
			refresh[a.ResourceType] = true
			s.logger.Debug("action synced", "id", a.ID, "type", a.ResourceType, "op", a.Operation.String())
			continue
		}

		result.Failed++
		holdBack[key] = true

		dead, err := s.handleFailure(a, callErr)
		if err != nil {
			storeErr = err
			break
		}
		if dead {
			result.DeadLettered++
			refresh[a.ResourceType] = true
		}
	}

	if storeErr == nil && len(refresh) > 0 {
		storeErr = s.refresh(ctx, refresh)
	}

	s.mu.Lock()
	s.lastRun = started
	s.lastResult = result
	s.mu.Unlock()

	if storeErr != nil {
		s.logger.Error("sync aborted", "err", storeErr, "synced", result.Synced, "failed", result.Failed)
		return result, storeErr
	}

	if len(actions) > 0 {
		s.logger.Info("sync completed", "synced", result.Synced, "failed", result.Failed,
			"dead_lettered", result.DeadLettered, "took", s.now().Sub(started))
		s.journal.Note(audit.ActionDrain, actionIDs(actions), "completed", "",
			fmt.Sprintf("synced=%d failed=%d dead_lettered=%d", result.Synced, result.Failed, result.DeadLettered))
	}
	s.publisher.Broadcast(events.SyncCompleted, result)
	return result, nil
}

// handleFailure records a failed attempt and dead-letters the action when
// the rejection is final or the attempt budget is spent.
func (s *Syncer) handleFailure(a models.PendingAction, callErr error) (bool, error) {
	reason := callErr.Error()

	if syncerr.IsRetryable(callErr) {
		attempts, err := s.store.RecordFailure(a.ID, reason)
		if err != nil {
			return false, err
		}
		if s.maxAttempts == 0 || attempts < s.maxAttempts {
			s.logger.Warn("action failed, will retry", "id", a.ID, "attempts", attempts, "err", callErr)
			return false, nil
		}
		a.Attempts = attempts
		reason = fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)
	}
	a.LastError = callErr.Error()

	dl, err := s.store.DeadLetter(a, reason)
	if err != nil {
		return false, err
	}
	s.logger.Warn("action dead-lettered", "id", a.ID, "type", a.ResourceType, "op", a.Operation.String(), "reason", reason)
	s.journal.Note(audit.ActionDeadLetter, a, "dead_lettered", a.ID, reason)
	s.publisher.Broadcast(events.ActionDeadLettered, dl)
	return true, nil
}

// refresh replaces each touched collection with what the remote returns.
// A failed fetch leaves that collection as is.
func (s *Syncer) refresh(ctx context.Context, types map[models.ResourceType]bool) error {
	for _, rt := range models.ResourceTypes() {
		if !types[rt] {
			continue
		}
		entities, err := s.remote.List(ctx, rt)
		if err != nil {
			s.logger.Warn("cache refresh failed", "type", rt, "err", err)
			continue
		}
		if err := s.store.SetCached(rt, entities); err != nil {
			var se *syncerr.StorageError
			if errors.As(err, &se) {
				return err
			}
			return syncerr.Storage("refresh cache", err)
		}
	}
	return nil
}

// WatchConnectivity starts a drain whenever the network comes back.
// The listener returns immediately; the drain runs on its own goroutine.
func (s *Syncer) WatchConnectivity(ctx context.Context, sub Subscriber) func() {
	return sub.Subscribe(func(state models.NetworkState) error {
		if !state.IsConnected {
			return nil
		}
		go func() {
			if _, err := s.SyncNow(ctx); err != nil {
				s.logger.Error("sync after reconnect failed", "err", err)
			}
		}()
		return nil
	})
}

func actionIDs(actions []models.PendingAction) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
