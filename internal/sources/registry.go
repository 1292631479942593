package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/fentz26/pulse/internal/audit"
	"github.com/fentz26/pulse/internal/events"
	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/syncerr"
)

// DefaultRefreshSkew refreshes credentials this long before they expire.
const DefaultRefreshSkew = 5 * time.Minute

// Store persists connection records.
type Store interface {
	SaveConnection(rec *models.ConnectionRecord) error
	GetConnection(sourceID string) (*models.ConnectionRecord, error)
	ListConnections() ([]models.ConnectionRecord, error)
	DeleteConnection(sourceID string) error
}

// RemoteSources is the remote API surface the registry uses directly.
type RemoteSources interface {
	DeleteDataSource(ctx context.Context, sourceID string) error
}

// ConnectOptions drive Connect.
type ConnectOptions struct {
	UserID string `json:"user_id"`
	// Code and State complete an OAuth flow started earlier.
	Code  string `json:"code,omitempty"`
	State string `json:"state,omitempty"`
}

type pendingAuth struct {
	sourceID  string
	userID    string
	verifier  string
	expiresAt time.Time
}

// Registry holds adapters and manages their connections.
type Registry struct {
	store   Store
	remote  RemoteSources
	signer  *StateSigner
	client  *http.Client
	skew    time.Duration
	pub     events.Publisher
	journal *audit.Journal
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	adapters map[string]Adapter

	authMu  sync.Mutex
	pending map[string]pendingAuth
	// transient holds statuses of sources that have no record yet.
	transient map[string]models.ConnectionStatus

	refreshes singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHTTPClient sets the client used for token and userinfo calls.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.client = c }
}

// WithRefreshSkew sets how early credentials are refreshed.
func WithRefreshSkew(d time.Duration) RegistryOption {
	return func(r *Registry) { r.skew = d }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) RegistryOption {
	return func(r *Registry) { r.pub = p }
}

// WithJournal records connection changes.
func WithJournal(j *audit.Journal) RegistryOption {
	return func(r *Registry) { r.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(store Store, remote RemoteSources, signer *StateSigner, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:     store,
		remote:    remote,
		signer:    signer,
		client:    &http.Client{Timeout: 15 * time.Second},
		skew:      DefaultRefreshSkew,
		pub:       events.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
		adapters:  make(map[string]Adapter),
		pending:   make(map[string]pendingAuth),
		transient: make(map[string]models.ConnectionStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter. Ids must be unique.
func (r *Registry) Register(a Adapter) error {
	d := a.Descriptor()
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[d.ID]; exists {
		return fmt.Errorf("adapter %s already registered", d.ID)
	}
	r.adapters[d.ID] = a
	return nil
}

// ListAvailable returns descriptors sorted by id, optionally filtered by capability.
func (r *Registry) ListAvailable(capabilities ...Capability) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[Capability]bool, len(capabilities))
	for _, c := range capabilities {
		if c != "" {
			want[c] = true
		}
	}

	out := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		d := a.Descriptor()
		if len(want) > 0 && !want[d.Capability] {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) adapter(sourceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnknownSource, sourceID)
	}
	return a, nil
}

// Status returns the connection state of a source.
func (r *Registry) Status(sourceID string) (models.ConnectionStatus, error) {
	rec, err := r.store.GetConnection(sourceID)
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.Status, nil
	}
	r.authMu.Lock()
	defer r.authMu.Unlock()
	if st, ok := r.transient[sourceID]; ok {
		return st, nil
	}
	return models.ConnectionUnconnected, nil
}

// IsConnected reports whether the source has a usable connection.
func (r *Registry) IsConnected(sourceID string) bool {
	rec, err := r.store.GetConnection(sourceID)
	if err != nil || rec == nil {
		return false
	}
	return rec.Status == models.ConnectionConnected || rec.Status == models.ConnectionNeedsRefresh
}

// Connections lists every connection record.
func (r *Registry) Connections() ([]models.ConnectionRecord, error) {
	return r.store.ListConnections()
}

func oauthConfig(d *OAuthDescriptor) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		RedirectURL:  d.RedirectURL,
		Scopes:       d.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   d.AuthURL,
			TokenURL:  d.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (r *Registry) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.client)
}

// Authorize starts an OAuth flow and returns the URL the user must visit.
func (r *Registry) Authorize(sourceID, userID string) (string, error) {
	a, err := r.adapter(sourceID)
	if err != nil {
		return "", err
	}
	d := a.Descriptor()
	if !d.RequiresOAuth {
		return "", fmt.Errorf("source %s does not use oauth", sourceID)
	}
	if d.OAuth.ClientID == "" {
		return "", fmt.Errorf("source %s has no client id configured", sourceID)
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	state, claims, err := r.signer.Issue(sourceID, userID)
	if err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	p := pendingAuth{sourceID: sourceID, userID: userID, expiresAt: time.Unix(claims.ExpiresAt, 0)}
	if d.OAuth.PKCE {
		p.verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(p.verifier))
	}

	r.prunePending()
	r.authMu.Lock()
	r.pending[claims.Nonce] = p
	r.transient[sourceID] = models.ConnectionAwaitingCallback
	r.authMu.Unlock()

	r.logger.Info("oauth flow started", "source", sourceID)
	return oauthConfig(d.OAuth).AuthCodeURL(state, opts...), nil
}

// HandleCallback completes an OAuth flow. The state must be authentic,
// unexpired, issued by this registry and unused.
func (r *Registry) HandleCallback(ctx context.Context, code, state string) (*models.ConnectionRecord, error) {
	claims, err := r.signer.Verify(state)
	if err != nil {
		r.failPending(state, err)
		return nil, err
	}

	r.authMu.Lock()
	p, ok := r.pending[claims.Nonce]
	delete(r.pending, claims.Nonce)
	r.authMu.Unlock()
	if !ok || p.sourceID != claims.Provider || p.userID != claims.UserID {
		return nil, fmt.Errorf("%w: state not issued or already used", syncerr.ErrInvalidState)
	}
	if code == "" {
		err := fmt.Errorf("%w: missing code", syncerr.ErrInvalidState)
		r.markFailed(claims.Provider, err)
		return nil, err
	}

	a, err := r.adapter(claims.Provider)
	if err != nil {
		return nil, err
	}
	d := a.Descriptor()
	cfg := oauthConfig(d.OAuth)

	var opts []oauth2.AuthCodeOption
	if p.verifier != "" {
		opts = append(opts, oauth2.VerifierOption(p.verifier))
	}
	octx := r.oauthContext(ctx)
	tok, err := cfg.Exchange(octx, code, opts...)
	if err != nil {
		err = fmt.Errorf("exchange code for %s: %w", d.ID, err)
		r.markFailed(d.ID, err)
		return nil, err
	}

	profile, err := r.fetchProfile(octx, a, tok)
	if err != nil {
		err = fmt.Errorf("fetch profile for %s: %w", d.ID, err)
		r.markFailed(d.ID, err)
		return nil, err
	}

	rec := &models.ConnectionRecord{
		SourceID:     d.ID,
		ProviderType: "oauth",
		AccountID:    profile.AccountID,
		DisplayName:  profile.DisplayName,
		Credential:   credentialFrom(tok),
		Scopes:       d.OAuth.Scopes,
		Status:       models.ConnectionConnected,
	}
	if err := r.store.SaveConnection(rec); err != nil {
		return nil, err
	}

	r.authMu.Lock()
	delete(r.transient, d.ID)
	r.authMu.Unlock()

	r.logger.Info("source connected", "source", d.ID, "account", rec.AccountID)
	r.journal.Note(audit.ActionConnect, map[string]string{"source": d.ID, "user": claims.UserID}, "connected", d.ID, "")
	r.pub.Broadcast(events.ConnectionConnected, rec)
	return rec, nil
}

// failPending marks a source failed when a bad state still names a flow
// that is waiting for its callback.
func (r *Registry) failPending(state string, cause error) {
	claims, err := DecodeState(state)
	if err != nil {
		return
	}
	r.authMu.Lock()
	_, issued := r.pending[claims.Nonce]
	delete(r.pending, claims.Nonce)
	awaiting := r.transient[claims.Provider] == models.ConnectionAwaitingCallback
	r.authMu.Unlock()
	if issued && awaiting {
		r.markFailed(claims.Provider, cause)
	}
}

// prunePending drops flows whose state has expired. A source left with no
// live flow goes back to unconnected. It returns how many flows were dropped.
func (r *Registry) prunePending() int {
	now := r.now()
	r.authMu.Lock()
	defer r.authMu.Unlock()

	dropped := 0
	live := make(map[string]bool)
	for nonce, p := range r.pending {
		if now.After(p.expiresAt) {
			delete(r.pending, nonce)
			dropped++
			continue
		}
		live[p.sourceID] = true
	}
	for sourceID, st := range r.transient {
		if st == models.ConnectionAwaitingCallback && !live[sourceID] {
			delete(r.transient, sourceID)
		}
	}
	return dropped
}

// PendingFlows reports how many OAuth flows are waiting for a callback.
func (r *Registry) PendingFlows() int {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	return len(r.pending)
}

func (r *Registry) markFailed(sourceID string, cause error) {
	r.authMu.Lock()
	r.transient[sourceID] = models.ConnectionFailed
	r.authMu.Unlock()
	r.logger.Warn("oauth flow failed", "source", sourceID, "err", cause)
	r.pub.Broadcast(events.ConnectionFailed, map[string]string{"source_id": sourceID, "error": cause.Error()})
}

func (r *Registry) fetchProfile(ctx context.Context, a Adapter, tok *oauth2.Token) (Profile, error) {
	d := a.Descriptor()
	if d.OAuth.UserInfoURL == "" {
		return a.Profile(map[string]any{})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.OAuth.UserInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", syncerr.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Profile{}, &syncerr.RemoteRejected{Method: http.MethodGet, Path: d.OAuth.UserInfoURL, Status: resp.StatusCode, Body: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return a.Profile(raw)
}

func credentialFrom(tok *oauth2.Token) models.Credential {
	c := models.Credential{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		c.ExpiresAt = &exp
	}
	return c
}

// Connect connects a source. Native sources are granted immediately.
// OAuth sources complete the flow when opts carries a code and state,
// and otherwise return *AuthorizationRequired with the URL to visit.
func (r *Registry) Connect(ctx context.Context, sourceID string, opts ConnectOptions) (*models.ConnectionRecord, error) {
	a, err := r.adapter(sourceID)
	if err != nil {
		return nil, err
	}
	d := a.Descriptor()

	if !d.RequiresOAuth {
		rec := &models.ConnectionRecord{
			SourceID:     d.ID,
			ProviderType: "native",
			AccountID:    opts.UserID,
			DisplayName:  d.DisplayName,
			Scopes:       d.DataTypes,
			Status:       models.ConnectionConnected,
		}
		if err := r.store.SaveConnection(rec); err != nil {
			return nil, err
		}
		r.journal.Note(audit.ActionConnect, map[string]string{"source": d.ID}, "granted", d.ID, "native")
		r.pub.Broadcast(events.ConnectionConnected, rec)
		return rec, nil
	}

	if opts.Code != "" || opts.State != "" {
		claims, err := DecodeState(opts.State)
		if err != nil {
			return nil, err
		}
		if claims.Provider != sourceID {
			return nil, fmt.Errorf("%w: state issued for %s", syncerr.ErrInvalidState, claims.Provider)
		}
		return r.HandleCallback(ctx, opts.Code, opts.State)
	}

	authURL, err := r.Authorize(sourceID, opts.UserID)
	if err != nil {
		return nil, err
	}
	return nil, &AuthorizationRequired{SourceID: sourceID, URL: authURL}
}

// Disconnect deletes the local record and, best effort, the remote one.
func (r *Registry) Disconnect(ctx context.Context, sourceID string) error {
	if _, err := r.adapter(sourceID); err != nil {
		return err
	}
	if err := r.store.DeleteConnection(sourceID); err != nil {
		return err
	}

	r.authMu.Lock()
	delete(r.transient, sourceID)
	r.authMu.Unlock()

	if r.remote != nil {
		if err := r.remote.DeleteDataSource(ctx, sourceID); err != nil {
			r.logger.Warn("remote disconnect failed", "source", sourceID, "err", err)
		}
	}

	r.logger.Info("source disconnected", "source", sourceID)
	r.journal.Note(audit.ActionDisconnect, map[string]string{"source": sourceID}, "disconnected", sourceID, "")
	r.pub.Broadcast(events.ConnectionDisconnected, map[string]string{"source_id": sourceID})
	return nil
}

// Fetch pulls one data type from a connected source. Credentials near
// expiry are refreshed first; an auth rejection triggers one refresh and
// retry when a refresh token exists.
func (r *Registry) Fetch(ctx context.Context, sourceID, dataType string, params url.Values) (json.RawMessage, error) {
	a, err := r.adapter(sourceID)
	if err != nil {
		return nil, err
	}
	d := a.Descriptor()
	if !d.Supports(dataType) {
		return nil, &syncerr.CapabilityError{SourceID: sourceID, DataType: dataType, Supported: d.DataTypes}
	}

	rec, err := r.store.GetConnection(sourceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrNotConnected, sourceID)
	}
	switch rec.Status {
	case models.ConnectionConnected, models.ConnectionNeedsRefresh:
	case models.ConnectionFailed:
		return nil, fmt.Errorf("%s: %w", sourceID, syncerr.ErrAuthRevoked)
	default:
		return nil, fmt.Errorf("%w: %s is %s", syncerr.ErrNotConnected, sourceID, rec.Status)
	}

	if d.RequiresOAuth && (rec.Status == models.ConnectionNeedsRefresh || rec.Credential.ExpiresWithin(r.now(), r.skew)) {
		if rec, err = r.refresh(ctx, sourceID); err != nil {
			return nil, err
		}
	}

	req := FetchRequest{SourceID: sourceID, DataType: dataType, Params: params, Credential: rec.Credential}
	data, err := a.Fetch(ctx, req)
	if err == nil || !d.RequiresOAuth || !errors.Is(err, syncerr.ErrAuthExpired) {
		return data, err
	}

	if rec.Credential.RefreshToken == "" {
		return nil, r.revoke(rec, err)
	}
	r.logger.Info("credential rejected, refreshing", "source", sourceID)
	if rec, err = r.refresh(ctx, sourceID); err != nil {
		return nil, err
	}
	req.Credential = rec.Credential
	return a.Fetch(ctx, req)
}

// refresh exchanges the refresh token. Concurrent refreshes of one source
// share a single exchange.
func (r *Registry) refresh(ctx context.Context, sourceID string) (*models.ConnectionRecord, error) {
	v, err, _ := r.refreshes.Do(sourceID, func() (any, error) {
		return r.doRefresh(ctx, sourceID)
	})
	if err != nil {
		return nil, err
	}
	rec := *v.(*models.ConnectionRecord)
	return &rec, nil
}

func (r *Registry) doRefresh(ctx context.Context, sourceID string) (*models.ConnectionRecord, error) {
	a, err := r.adapter(sourceID)
	if err != nil {
		return nil, err
	}
	d := a.Descriptor()

	rec, err := r.store.GetConnection(sourceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrNotConnected, sourceID)
	}
	if rec.Credential.RefreshToken == "" {
		return nil, r.revoke(rec, errors.New("no refresh token"))
	}

	rec.Status = models.ConnectionNeedsRefresh
	if err := r.store.SaveConnection(rec); err != nil {
		return nil, err
	}

	// An empty access token forces the token source to refresh.
	ts := oauthConfig(d.OAuth).TokenSource(r.oauthContext(ctx), &oauth2.Token{RefreshToken: rec.Credential.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		if refreshRejected(err) {
			return nil, r.revoke(rec, err)
		}
		// The provider was unreachable or failed; stay in NeedsRefresh and retry later.
		return nil, fmt.Errorf("refresh %s: %w: %w", sourceID, syncerr.ErrNetworkUnavailable, err)
	}

	previous := rec.Credential.RefreshToken
	rec.Credential = credentialFrom(tok)
	if rec.Credential.RefreshToken == "" {
		rec.Credential.RefreshToken = previous
	}
	rec.Status = models.ConnectionConnected
	if err := r.store.SaveConnection(rec); err != nil {
		return nil, err
	}

	r.logger.Info("credential refreshed", "source", sourceID)
	r.journal.Note(audit.ActionRefresh, map[string]string{"source": sourceID}, "refreshed", sourceID, "")
	return rec, nil
}

// refreshRejected reports whether the token endpoint refused the refresh
// token itself, as opposed to failing transiently.
func refreshRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client":
		return true
	}
	if re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return true
	}
	return false
}

// revoke clears the credential and moves the record to Failed.
func (r *Registry) revoke(rec *models.ConnectionRecord, cause error) error {
	rec.Credential = models.Credential{}
	rec.Status = models.ConnectionFailed
	if err := r.store.SaveConnection(rec); err != nil {
		return err
	}

	r.logger.Warn("credential revoked", "source", rec.SourceID, "err", cause)
	r.journal.Note(audit.ActionRefresh, map[string]string{"source": rec.SourceID}, "revoked", rec.SourceID, cause.Error())
	r.pub.Broadcast(events.ConnectionFailed, map[string]string{"source_id": rec.SourceID, "error": cause.Error()})
	return fmt.Errorf("%s: %w: %v", rec.SourceID, syncerr.ErrAuthRevoked, cause)
}

// RefreshExpiring refreshes every OAuth credential that expires within the
// refresh skew. It returns how many were refreshed.
func (r *Registry) RefreshExpiring(ctx context.Context) (int, error) {
	if n := r.prunePending(); n > 0 {
		r.logger.Debug("expired oauth flows dropped", "count", n)
	}

	recs, err := r.store.ListConnections()
	if err != nil {
		return 0, err
	}

	var (
		refreshed int
		errs      []error
	)
	now := r.now()
	for _, rec := range recs {
		if rec.Status != models.ConnectionConnected && rec.Status != models.ConnectionNeedsRefresh {
			continue
		}
		a, err := r.adapter(rec.SourceID)
		if err != nil || !a.Descriptor().RequiresOAuth {
			continue
		}
		if rec.Status == models.ConnectionConnected && !rec.Credential.ExpiresWithin(now, r.skew) {
			continue
		}
		if _, err := r.refresh(ctx, rec.SourceID); err != nil {
			errs = append(errs, err)
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}
