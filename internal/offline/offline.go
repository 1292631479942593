// Package offline is the front door for local mutations: it applies them
// optimistically to the cache, queues them, and syncs when online.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/pulse/internal/audit"
	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/syncer"
)

// ErrInvalidMutation rejects a mutation before anything is written.
var ErrInvalidMutation = errors.New("invalid mutation")

// Store is the persistence the service needs.
type Store interface {
	GetCached(rt models.ResourceType) ([]models.CachedEntity, error)
	GetEntity(rt models.ResourceType, id string) (*models.CachedEntity, error)
	UpsertEntity(e models.CachedEntity) error
	DeleteEntity(rt models.ResourceType, id string) error
	EnqueueAction(a *models.PendingAction) error
	ListPendingActions() ([]models.PendingAction, error)
	IsStale(maxAge time.Duration) (bool, error)
	ClearAll() error
}

// Syncer drains the queue.
type Syncer interface {
	SyncNow(ctx context.Context) (models.SyncResult, error)
}

// Mutation is a locally initiated change.
type Mutation struct {
	ResourceType models.ResourceType `json:"resource_type"`
	Operation    models.Operation    `json:"operation"`
	TargetID     string              `json:"target_id,omitempty"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
}

// Outcome reports what Perform did.
type Outcome struct {
	Action models.PendingAction `json:"action"`
	Queued bool                 `json:"queued"`
	Synced bool                 `json:"synced"`
	Result *models.SyncResult   `json:"result,omitempty"`
}

// Service applies mutations offline-first.
type Service struct {
	store   Store
	syncer  Syncer
	network syncer.Network
	journal *audit.Journal
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records resets.
func WithJournal(j *audit.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs overrides action id generation.
func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// New creates a Service.
func New(store Store, sy Syncer, network syncer.Network, opts ...Option) *Service {
	s := &Service{
		store:   store,
		syncer:  sy,
		network: network,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Perform queues m and reflects it in the cache right away. When online it
// drains the queue before returning. A sync failure does not fail Perform:
// the action stays queued.
func (s *Service) Perform(ctx context.Context, m Mutation) (*Outcome, error) {
	action := models.PendingAction{
		ID:           s.newID(),
		ResourceType: m.ResourceType,
		Operation:    m.Operation,
		TargetID:     m.TargetID,
		Payload:      m.Payload,
		EnqueuedAt:   s.now().UTC(),
	}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}

	if err := s.store.EnqueueAction(&action); err != nil {
		return nil, err
	}
	out := &Outcome{Action: action, Queued: true}

	// The log is the source of truth; a failed cache write only delays
	// the optimistic view until the next refresh.
	if err := s.applyOptimistic(action); err != nil {
		s.logger.Warn("optimistic cache update failed", "action", action.ID, "err", err)
	}

	if !s.network.State().IsConnected {
		s.logger.Debug("mutation queued offline", "action", action.ID, "type", action.ResourceType, "op", action.Operation.String())
		return out, nil
	}

	res, err := s.syncer.SyncNow(ctx)
	if err != nil {
		s.logger.Error("sync after mutation failed", "action", action.ID, "err", err)
		return out, nil
	}
	out.Result = &res
	if !res.Skipped {
		pending, err := s.store.ListPendingActions()
		if err == nil {
			out.Synced = !containsAction(pending, action.ID)
		}
	}
	return out, nil
}

// applyOptimistic replaces the target entity as a whole: the payload is
// merged over the cached object and the merged object is written back.
func (s *Service) applyOptimistic(a models.PendingAction) error {
	switch a.Operation.Kind {
	case models.OpDelete:
		return s.store.DeleteEntity(a.ResourceType, a.TargetID)
	case models.OpAdd, models.OpUpdate:
	default:
		// custom operations have server-defined effects
		return nil
	}

	id := a.TargetID
	if id == "" {
		id = a.ID
	}

	current, err := s.store.GetEntity(a.ResourceType, id)
	if err != nil {
		return err
	}
	var base json.RawMessage
	var syncedAt time.Time
	if current != nil {
		base = current.Data
		syncedAt = current.LastSyncedAt
	}

	merged, err := Merge(base, a.Payload, id)
	if err != nil {
		return err
	}
	return s.store.UpsertEntity(models.CachedEntity{
		ResourceType: a.ResourceType,
		ID:           id,
		Data:         merged,
		LastSyncedAt: syncedAt,
	})
}

// Merge overlays the top-level fields of patch onto base and sets "id".
func Merge(base, patch json.RawMessage, id string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(base) > 0 && string(base) != "null" {
		if err := json.Unmarshal(base, &obj); err != nil {
			return nil, fmt.Errorf("cached entity is not an object: %w", err)
		}
	}
	if len(patch) > 0 && string(patch) != "null" {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(patch, &fields); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
		for k, v := range fields {
			obj[k] = v
		}
	}
	if _, ok := obj["id"]; !ok {
		idJSON, _ := json.Marshal(id)
		obj["id"] = idJSON
	}
	return json.Marshal(obj)
}

// Cached returns the cached collection, or nil if never cached.
func (s *Service) Cached(rt models.ResourceType) ([]models.CachedEntity, error) {
	return s.store.GetCached(rt)
}

// Pending returns the queued actions in FIFO order.
func (s *Service) Pending() ([]models.PendingAction, error) {
	return s.store.ListPendingActions()
}

// IsStale reports whether the cache is older than maxAge.
func (s *Service) IsStale(maxAge time.Duration) (bool, error) {
	return s.store.IsStale(maxAge)
}

// Reset wipes the cache and the queue, as on logout.
func (s *Service) Reset() error {
	if err := s.store.ClearAll(); err != nil {
		return err
	}
	s.journal.Note(audit.ActionReset, nil, "cleared", "", "")
	s.logger.Info("local cache and queue cleared")
	return nil
}

func containsAction(actions []models.PendingAction, id string) bool {
	for _, a := range actions {
		if a.ID == id {
			return true
		}
	}
	return false
}
