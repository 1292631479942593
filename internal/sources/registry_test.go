package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fentz26/pulse/internal/config"
	"github.com/fentz26/pulse/internal/events"
	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/store"
	"github.com/fentz26/pulse/internal/syncerr"
)

// oauthProvider is a minimal authorization server with a userinfo endpoint.
type oauthProvider struct {
	*httptest.Server

	mu        sync.Mutex
	verifiers []string
	grants    []string
}

func newOAuthProvider(t *testing.T) *oauthProvider {
	t.Helper()
	p := &oauthProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		p.mu.Lock()
		p.grants = append(p.grants, r.Form.Get("grant_type"))
		p.verifiers = append(p.verifiers, r.Form.Get("code_verifier"))
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Form.Get("grant_type") == "authorization_code" && r.Form.Get("code") == "good-code":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at1", "refresh_token": "valid-rt", "token_type": "Bearer", "expires_in": 3600,
			})
		case r.Form.Get("grant_type") == "refresh_token" && r.Form.Get("refresh_token") == "valid-rt":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at2", "token_type": "Bearer", "expires_in": 3600,
			})
		case r.Form.Get("refresh_token") == "outage-rt":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("upstream unavailable"))
		case r.Form.Get("refresh_token") == "busy-rt":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("slow down"))
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		}
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"u-123","display_name":"Ada","data":{"id":"u-123","name":"Ada"}}`))
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *oauthProvider) Grants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.grants...)
}

func (p *oauthProvider) Verifiers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.verifiers...)
}

// fakeFetcher stands in for the remote data-source proxy. The token "stale"
// is rejected with a 401.
type fakeFetcher struct {
	mu     sync.Mutex
	tokens []string
}

func (f *fakeFetcher) FetchSourceData(_ context.Context, sourceID, dataType, token string, _ url.Values) (json.RawMessage, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	if token == "stale" {
		return nil, &syncerr.RemoteRejected{Method: http.MethodGet, Path: "/data-sources/" + sourceID + "/data", Status: http.StatusUnauthorized}
	}
	return json.RawMessage(`{"source":"` + sourceID + `","type":"` + dataType + `"}`), nil
}

func (f *fakeFetcher) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type fakeRemote struct {
	deleted []string
	err     error
}

func (f *fakeRemote) DeleteDataSource(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

type harness struct {
	reg      *Registry
	store    *store.Store
	provider *oauthProvider
	fetcher  *fakeFetcher
	remote   *fakeRemote
	events   *events.Recorder
	signer   *StateSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider := newOAuthProvider(t)

	st, err := store.New(filepath.Join(t.TempDir(), "sources.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provCfg := func() config.ProviderConfig {
		return config.ProviderConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			AuthURL:      provider.URL + "/authorize",
			TokenURL:     provider.URL + "/token",
			UserInfoURL:  provider.URL + "/me",
		}
	}
	oauthCfg := config.OAuthConfig{
		RedirectURL: "http://127.0.0.1:7477/oauth/callback",
		Providers: map[string]config.ProviderConfig{
			"spotify": provCfg(),
			"twitter": provCfg(),
		},
	}

	h := &harness{
		store:    st,
		provider: provider,
		fetcher:  &fakeFetcher{},
		remote:   &fakeRemote{},
		events:   &events.Recorder{},
		signer:   newSigner(t),
	}
	h.reg = NewRegistry(st, h.remote, h.signer,
		WithHTTPClient(provider.Client()),
		WithPublisher(h.events),
	)
	for _, a := range Builtins(oauthCfg, h.fetcher) {
		require.NoError(t, h.reg.Register(a))
	}
	return h
}

func stateFrom(t *testing.T, authURL string) url.Values {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query()
}

func (h *harness) connect(t *testing.T, sourceID string) *models.ConnectionRecord {
	t.Helper()
	authURL, err := h.reg.Authorize(sourceID, "u1")
	require.NoError(t, err)
	rec, err := h.reg.HandleCallback(context.Background(), "good-code", stateFrom(t, authURL).Get("state"))
	require.NoError(t, err)
	return rec
}

func (h *harness) seed(t *testing.T, sourceID, access, refresh string, expiresIn time.Duration) {
	t.Helper()
	exp := time.Now().Add(expiresIn)
	require.NoError(t, h.store.SaveConnection(&models.ConnectionRecord{
		SourceID:     sourceID,
		ProviderType: "oauth",
		AccountID:    "u-123",
		Credential:   models.Credential{AccessToken: access, RefreshToken: refresh, ExpiresAt: &exp},
		Status:       models.ConnectionConnected,
	}))
}

func TestRegister_RejectsDuplicatesAndInvalid(t *testing.T) {
	h := newHarness(t)

	dup := Builtins(config.OAuthConfig{}, nil)[0]
	assert.Error(t, h.reg.Register(dup))
	assert.Error(t, h.reg.Register(NewSource(Descriptor{ID: "empty"}, nil, nil, nil)))
}

func TestListAvailable(t *testing.T) {
	h := newHarness(t)

	all := h.reg.ListAvailable()
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	health := h.reg.ListAvailable(CapabilityHealth)
	var ids []string
	for _, d := range health {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"device-health", "fitbit"}, ids)

	// Secrets never leave the descriptor as json.
	raw, err := json.Marshal(all)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"secret"`)
}

func TestAuthorize_BuildsURL(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)
	q := stateFrom(t, authURL)
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Empty(t, q.Get("code_challenge"))

	claims, err := DecodeState(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "spotify", claims.Provider)
	assert.Equal(t, "u1", claims.UserID)

	st, err := h.reg.Status("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionAwaitingCallback, st)

	_, err = h.reg.Authorize("fitbit", "u1")
	assert.Error(t, err, "fitbit has no client id configured")
	_, err = h.reg.Authorize("device-health", "u1")
	assert.Error(t, err)
	_, err = h.reg.Authorize("nope", "u1")
	assert.ErrorIs(t, err, syncerr.ErrUnknownSource)
}

func TestHandleCallback_Connects(t *testing.T) {
	h := newHarness(t)

	rec := h.connect(t, "spotify")
	assert.Equal(t, models.ConnectionConnected, rec.Status)
	assert.Equal(t, "u-123", rec.AccountID)
	assert.Equal(t, "Ada", rec.DisplayName)

	stored, err := h.store.GetConnection("spotify")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "at1", stored.Credential.AccessToken)
	assert.Equal(t, "valid-rt", stored.Credential.RefreshToken)
	require.NotNil(t, stored.Credential.ExpiresAt)

	assert.True(t, h.reg.IsConnected("spotify"))
	assert.Contains(t, h.events.Types(), events.ConnectionConnected)
}

func TestHandleCallback_PKCE(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.reg.Authorize("twitter", "u1")
	require.NoError(t, err)
	q := stateFrom(t, authURL)
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	_, err = h.reg.HandleCallback(context.Background(), "good-code", q.Get("state"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.provider.Verifiers()[0])
}

func TestHandleCallback_TamperedStateLeavesNoRecord(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)
	state := stateFrom(t, authURL).Get("state")

	_, err = h.reg.HandleCallback(context.Background(), "good-code", state[:len(state)-2]+"xx")
	assert.ErrorIs(t, err, syncerr.ErrInvalidState)

	rec, err := h.store.GetConnection("spotify")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, h.provider.Grants(), "no code exchange for a bad state")
	assert.Contains(t, h.events.Types(), events.ConnectionFailed)
}

func TestHandleCallback_ExpiredState(t *testing.T) {
	h := newHarness(t)
	start := time.Now()
	h.signer.now = func() time.Time { return start }

	authURL, err := h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)

	h.signer.now = func() time.Time { return start.Add(11 * time.Minute) }
	_, err = h.reg.HandleCallback(context.Background(), "good-code", stateFrom(t, authURL).Get("state"))
	assert.ErrorIs(t, err, syncerr.ErrAuthExpired)
	assert.False(t, h.reg.IsConnected("spotify"))
	assert.Zero(t, h.reg.PendingFlows())
}

func TestAuthorize_AbandonedFlowsArePruned(t *testing.T) {
	h := newHarness(t)
	start := time.Now()
	h.signer.now = func() time.Time { return start }
	h.reg.now = func() time.Time { return start }

	_, err := h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)
	_, err = h.reg.Authorize("twitter", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.reg.PendingFlows())

	st, err := h.reg.Status("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionAwaitingCallback, st)

	h.reg.now = func() time.Time { return start.Add(11 * time.Minute) }
	_, err = h.reg.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.reg.PendingFlows())

	st, err = h.reg.Status("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionUnconnected, st)

	// A new flow prunes expired ones as it starts.
	h.signer.now = func() time.Time { return start }
	h.reg.now = func() time.Time { return start }
	_, err = h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)
	h.reg.now = func() time.Time { return start.Add(11 * time.Minute) }
	h.signer.now = func() time.Time { return start.Add(11 * time.Minute) }
	_, err = h.reg.Authorize("twitter", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.reg.PendingFlows())
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)
	state := stateFrom(t, authURL).Get("state")

	_, err = h.reg.HandleCallback(context.Background(), "good-code", state)
	require.NoError(t, err)
	_, err = h.reg.HandleCallback(context.Background(), "good-code", state)
	assert.ErrorIs(t, err, syncerr.ErrInvalidState)
}

func TestHandleCallback_UnissuedState(t *testing.T) {
	h := newHarness(t)

	// Validly signed but never handed out by Authorize.
	token, _, err := h.signer.Issue("spotify", "u1")
	require.NoError(t, err)
	_, err = h.reg.HandleCallback(context.Background(), "good-code", token)
	assert.ErrorIs(t, err, syncerr.ErrInvalidState)
}

func TestHandleCallback_BadCode(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.reg.Authorize("spotify", "u1")
	require.NoError(t, err)
	_, err = h.reg.HandleCallback(context.Background(), "bad-code", stateFrom(t, authURL).Get("state"))
	assert.Error(t, err)

	st, err := h.reg.Status("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionFailed, st)
}

func TestConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.reg.Connect(ctx, "device-health", ConnectOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionConnected, rec.Status)
	assert.Equal(t, "native", rec.ProviderType)

	_, err = h.reg.Connect(ctx, "spotify", ConnectOptions{UserID: "u1"})
	var authReq *AuthorizationRequired
	require.True(t, errors.As(err, &authReq))
	q := stateFrom(t, authReq.URL)

	rec, err = h.reg.Connect(ctx, "spotify", ConnectOptions{UserID: "u1", Code: "good-code", State: q.Get("state")})
	require.NoError(t, err)
	assert.Equal(t, "u-123", rec.AccountID)

	// A state for one source cannot complete another.
	authURL, err := h.reg.Authorize("twitter", "u1")
	require.NoError(t, err)
	_, err = h.reg.Connect(ctx, "spotify", ConnectOptions{Code: "good-code", State: stateFrom(t, authURL).Get("state")})
	assert.ErrorIs(t, err, syncerr.ErrInvalidState)
}

func TestFetch_CapabilityAndConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.reg.Fetch(ctx, "spotify", "steps", nil)
	assert.ErrorIs(t, err, syncerr.ErrCapabilityMismatch)
	var capErr *syncerr.CapabilityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "steps", capErr.DataType)

	_, err = h.reg.Fetch(ctx, "spotify", "top_tracks", nil)
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)

	_, err = h.reg.Fetch(ctx, "nope", "top_tracks", nil)
	assert.ErrorIs(t, err, syncerr.ErrUnknownSource)
	assert.Empty(t, h.fetcher.Tokens())
}

func TestFetch_UsesCredential(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "spotify")

	data, err := h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"spotify","type":"top_tracks"}`, string(data))
	assert.Equal(t, []string{"at1"}, h.fetcher.Tokens())
}

func TestFetch_RefreshesNearExpiry(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "spotify", "old", "valid-rt", time.Minute)

	_, err := h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"at2"}, h.fetcher.Tokens())

	rec, err := h.store.GetConnection("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionConnected, rec.Status)
	assert.Equal(t, "at2", rec.Credential.AccessToken)
	assert.Equal(t, "valid-rt", rec.Credential.RefreshToken, "refresh token kept when the provider omits it")
	assert.Equal(t, []string{"refresh_token"}, h.provider.Grants())
}

func TestFetch_RetriesOnceAfterRejection(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "spotify", "stale", "valid-rt", time.Hour)

	_, err := h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "at2"}, h.fetcher.Tokens())
}

func TestFetch_InvalidRefreshTokenRevokes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "spotify", "old", "revoked-rt", time.Minute)

	_, err := h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
	assert.ErrorIs(t, err, syncerr.ErrAuthRevoked)

	rec, err := h.store.GetConnection("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionFailed, rec.Status)
	assert.True(t, rec.Credential.Empty())
	assert.False(t, h.reg.IsConnected("spotify"))
	assert.Contains(t, h.events.Types(), events.ConnectionFailed)

	// Stays revoked without another exchange.
	_, err = h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
	assert.ErrorIs(t, err, syncerr.ErrAuthRevoked)
	assert.Len(t, h.provider.Grants(), 1)
	assert.Empty(t, h.fetcher.Tokens())
}

func TestFetch_UnreachableProviderKeepsNeedsRefresh(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "spotify", "old", "valid-rt", time.Minute)
	h.provider.Close()

	_, err := h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)

	rec, err := h.store.GetConnection("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionNeedsRefresh, rec.Status)
	assert.Equal(t, "valid-rt", rec.Credential.RefreshToken)
}

func TestFetch_ProviderOutageKeepsNeedsRefresh(t *testing.T) {
	for name, refresh := range map[string]string{
		"service unavailable": "outage-rt",
		"rate limited":        "busy-rt",
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "spotify", "old", refresh, time.Minute)

			_, err := h.reg.Fetch(context.Background(), "spotify", "top_tracks", nil)
			assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
			assert.NotErrorIs(t, err, syncerr.ErrAuthRevoked)

			rec, err := h.store.GetConnection("spotify")
			require.NoError(t, err)
			assert.Equal(t, models.ConnectionNeedsRefresh, rec.Status)
			assert.Equal(t, refresh, rec.Credential.RefreshToken)
			assert.True(t, h.reg.IsConnected("spotify"))
			assert.NotContains(t, h.events.Types(), events.ConnectionFailed)
		})
	}
}

func TestRefreshRejected(t *testing.T) {
	resp := func(code int) *http.Response { return &http.Response{StatusCode: code} }
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid grant", &oauth2.RetrieveError{Response: resp(http.StatusBadRequest), ErrorCode: "invalid_grant"}, true},
		{"unauthorized client", &oauth2.RetrieveError{Response: resp(http.StatusForbidden), ErrorCode: "unauthorized_client"}, true},
		{"bare 401", &oauth2.RetrieveError{Response: resp(http.StatusUnauthorized)}, true},
		{"server error", &oauth2.RetrieveError{Response: resp(http.StatusBadGateway)}, false},
		{"rate limited", &oauth2.RetrieveError{Response: resp(http.StatusTooManyRequests)}, false},
		{"transport", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, refreshRejected(tc.err))
		})
	}
}

func TestRefreshExpiring(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "spotify", "old", "valid-rt", time.Minute)
	h.seed(t, "twitter", "fresh", "valid-rt", 2*time.Hour)
	_, err := h.reg.Connect(context.Background(), "device-health", ConnectOptions{UserID: "u1"})
	require.NoError(t, err)

	n, err := h.reg.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := h.store.GetConnection("twitter")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.Credential.AccessToken)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "spotify")
	h.remote.err = errors.New("remote down")

	require.NoError(t, h.reg.Disconnect(context.Background(), "spotify"))
	assert.Equal(t, []string{"spotify"}, h.remote.deleted)
	assert.False(t, h.reg.IsConnected("spotify"))

	st, err := h.reg.Status("spotify")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionUnconnected, st)
	assert.Contains(t, h.events.Types(), events.ConnectionDisconnected)

	assert.ErrorIs(t, h.reg.Disconnect(context.Background(), "nope"), syncerr.ErrUnknownSource)
}

func TestSourceProfile(t *testing.T) {
	fitbit := Builtins(config.OAuthConfig{}, nil)[2]
	require.Equal(t, "fitbit", fitbit.Descriptor().ID)

	p, err := fitbit.Profile(map[string]any{"user": map[string]any{"encodedId": "ABC", "displayName": "Bo"}})
	require.NoError(t, err)
	assert.Equal(t, Profile{AccountID: "ABC", DisplayName: "Bo"}, p)

	_, err = fitbit.Profile(map[string]any{})
	assert.Error(t, err)
}
