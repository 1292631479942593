// Package controlplane provides the local HTTP API and service layer of the
// Pulse daemon.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/offline"
	"github.com/fentz26/pulse/internal/scheduler"
	"github.com/fentz26/pulse/internal/sources"
	"github.com/fentz26/pulse/internal/store"
	"github.com/fentz26/pulse/internal/syncer"
)

// Deps are the engine components the service fronts.
type Deps struct {
	Store      *store.Store
	Offline    *offline.Service
	Syncer     *syncer.Syncer
	Sources    *sources.Registry
	Scheduler  *scheduler.Scheduler
	Network    syncer.Network
	StaleAfter time.Duration
	Version    string
}

// Service provides the control plane business logic.
type Service struct {
	Deps
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	if d.StaleAfter <= 0 {
		d.StaleAfter = 30 * time.Minute
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Service{Deps: d}
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK      bool                `json:"ok"`
	DB      string              `json:"db"`
	Version string              `json:"version"`
	Time    string              `json:"time"`
	Network models.NetworkState `json:"network"`
	Pending int                 `json:"pending"`
	Stale   bool                `json:"stale"`
}

// Health reports daemon and database status.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Network: s.Network.State(),
	}
	if err := s.Store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
		return h
	}
	if n, err := s.Store.CountPendingActions(); err == nil {
		h.Pending = n
	}
	if stale, err := s.Store.IsStale(s.StaleAfter); err == nil {
		h.Stale = stale
	}
	return h
}

// --- Sync Operations ---

// Perform applies a mutation offline-first.
func (s *Service) Perform(ctx context.Context, m offline.Mutation) (*offline.Outcome, error) {
	if !m.ResourceType.Valid() {
		rt, err := models.ParseResourceType(string(m.ResourceType))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		m.ResourceType = rt
	}
	if err := m.Operation.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidRequest)
	}
	return s.Offline.Perform(ctx, m)
}

// PendingActions lists the queue in order.
func (s *Service) PendingActions() ([]models.PendingAction, error) {
	return s.Offline.Pending()
}

// DeadLetters lists abandoned actions.
func (s *Service) DeadLetters() ([]models.DeadLetter, error) {
	return s.Store.ListDeadLetters()
}

// SyncNow drains the queue in the foreground.
func (s *Service) SyncNow(ctx context.Context) (models.SyncResult, error) {
	return s.Syncer.SyncNow(ctx)
}

// TriggerSync starts a background drain.
func (s *Service) TriggerSync() error {
	if !s.Scheduler.TriggerSync() {
		return ErrBusy
	}
	return nil
}

// CacheView is one resource type's cached collection.
type CacheView struct {
	ResourceType models.ResourceType   `json:"resource_type"`
	Entities     []models.CachedEntity `json:"entities"`
	Tracked      bool                  `json:"tracked"`
	LastSyncedAt *time.Time            `json:"last_synced_at,omitempty"`
}

// Cache returns the cached collection for a type name or path.
func (s *Service) Cache(name string) (*CacheView, error) {
	rt, err := models.ParseResourceType(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	entities, err := s.Offline.Cached(rt)
	if err != nil {
		return nil, err
	}
	view := &CacheView{ResourceType: rt, Entities: entities, Tracked: entities != nil}
	if view.Entities == nil {
		view.Entities = []models.CachedEntity{}
	}
	stamps, err := s.Store.LastSyncedAt()
	if err != nil {
		return nil, err
	}
	if t, ok := stamps[rt]; ok {
		view.LastSyncedAt = &t
	}
	return view, nil
}

// ClearCache wipes the cache and the queue.
func (s *Service) ClearCache() error {
	return s.Offline.Reset()
}

// Journal returns recent audit entries.
func (s *Service) Journal(limit int) ([]models.JournalEntry, error) {
	return s.Store.ListJournal(limit)
}

// --- Source Operations ---

// SourceView pairs a descriptor with its connection status.
type SourceView struct {
	sources.Descriptor
	Status models.ConnectionStatus `json:"status"`
}

// ListSources lists adapters, optionally filtered by capability.
func (s *Service) ListSources(capability string) ([]SourceView, error) {
	var caps []sources.Capability
	if capability != "" {
		caps = append(caps, sources.Capability(capability))
	}
	descs := s.Sources.ListAvailable(caps...)
	out := make([]SourceView, 0, len(descs))
	for _, d := range descs {
		st, err := s.Sources.Status(d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, SourceView{Descriptor: d, Status: st})
	}
	return out, nil
}

// ConnectResponse is either a finished connection or a URL to visit.
type ConnectResponse struct {
	Connection *models.ConnectionRecord `json:"connection,omitempty"`
	AuthURL    string                   `json:"auth_url,omitempty"`
}

// Connect connects a source or starts its OAuth flow.
func (s *Service) Connect(ctx context.Context, sourceID string, opts sources.ConnectOptions) (*ConnectResponse, error) {
	rec, err := s.Sources.Connect(ctx, sourceID, opts)
	var authReq *sources.AuthorizationRequired
	if errors.As(err, &authReq) {
		return &ConnectResponse{AuthURL: authReq.URL}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ConnectResponse{Connection: rec}, nil
}

// Callback completes an OAuth flow.
func (s *Service) Callback(ctx context.Context, code, state string) (*models.ConnectionRecord, error) {
	return s.Sources.HandleCallback(ctx, code, state)
}

// Disconnect removes a source connection.
func (s *Service) Disconnect(ctx context.Context, sourceID string) error {
	return s.Sources.Disconnect(ctx, sourceID)
}

// Fetch pulls data from a connected source.
func (s *Service) Fetch(ctx context.Context, sourceID, dataType string, params url.Values) (json.RawMessage, error) {
	if dataType == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	return s.Sources.Fetch(ctx, sourceID, dataType, params)
}

// Connections lists connection records.
func (s *Service) Connections() ([]models.ConnectionRecord, error) {
	return s.Sources.Connections()
}

// --- Scheduler Operations ---

// SchedulerStatus returns the scheduler snapshot.
func (s *Service) SchedulerStatus() scheduler.Status {
	return s.Scheduler.Status()
}

// SetInterval changes the background interval.
func (s *Service) SetInterval(name string) (scheduler.Status, error) {
	iv, err := scheduler.ParseInterval(name)
	if err != nil {
		return scheduler.Status{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.Scheduler.SetInterval(iv); err != nil {
		return scheduler.Status{}, err
	}
	return s.Scheduler.Status(), nil
}
