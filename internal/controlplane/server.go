package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/offline"
	"github.com/fentz26/pulse/internal/sources"
)

// Server provides the HTTP API for the daemon.
type Server struct {
	service *Service
	addr    string
	events  http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithEvents mounts a websocket event stream at /events.
func WithEvents(h http.Handler) ServerOption {
	return func(s *Server) { s.events = h }
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		addr:    addr,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/network", s.handleNetwork)

	// Sync endpoints
	mux.HandleFunc("/actions", s.handleActions)
	mux.HandleFunc("/actions/dead", s.handleDeadLetters)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/cache", s.handleCacheRoot)
	mux.HandleFunc("/cache/", s.handleCacheByType)
	mux.HandleFunc("/journal", s.handleJournal)

	// Source endpoints
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/sources/", s.handleSourceByID)
	mux.HandleFunc("/oauth/callback", s.handleCallback)
	mux.HandleFunc("/connections", s.handleConnections)

	mux.HandleFunc("/scheduler", s.handleScheduler)

	if s.events != nil {
		mux.Handle("/events", s.events)
	}
	return s.logRequests(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting pulse daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting pulse daemon", "addr", l.Addr().String())
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Network.State())
}

// --- Sync Handlers ---

// ActionRequest is the body of POST /actions.
type ActionRequest struct {
	ResourceType string          `json:"resource_type"`
	Operation    string          `json:"operation"`
	Name         string          `json:"name,omitempty"`
	TargetID     string          `json:"target_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Mutation converts the request. Resource types may be given by name or
// collection path. Operation is add, update, delete or custom;
// "custom:name" is accepted as shorthand.
func (req ActionRequest) Mutation() (offline.Mutation, error) {
	rt, err := models.ParseResourceType(req.ResourceType)
	if err != nil {
		return offline.Mutation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	op := models.Operation{Kind: models.OperationKind(req.Operation), Name: req.Name}
	if kind, name, ok := strings.Cut(req.Operation, ":"); ok {
		op = models.Operation{Kind: models.OperationKind(kind), Name: name}
	}
	return offline.Mutation{
		ResourceType: rt,
		Operation:    op,
		TargetID:     req.TargetID,
		Payload:      req.Payload,
	}, nil
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		m, err := req.Mutation()
		if err != nil {
			writeError(w, err)
			return
		}
		outcome, err := s.service.Perform(r.Context(), m)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, outcome)
	case http.MethodGet:
		actions, err := s.service.PendingActions()
		if err != nil {
			writeError(w, err)
			return
		}
		if actions == nil {
			actions = []models.PendingAction{}
		}
		writeJSON(w, http.StatusOK, actions)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	dead, err := s.service.DeadLetters()
	if err != nil {
		writeError(w, err)
		return
	}
	if dead == nil {
		dead = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

// handleSync runs a drain. ?background=true hands it to the scheduler.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if bg, _ := strconv.ParseBool(r.URL.Query().Get("background")); bg {
		if err := s.service.TriggerSync(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	result, err := s.service.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.service.ClearCache(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleCacheByType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/cache/"), "/")
	if name == "" {
		http.Error(w, "resource type required", http.StatusBadRequest)
		return
	}
	view, err := s.service.Cache(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.service.Journal(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Source Handlers ---

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list, err := s.service.ListSources(r.URL.Query().Get("capability"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleSourceByID handles /sources/{id}/*
func (s *Server) handleSourceByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sources/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "source id required", http.StatusBadRequest)
		return
	}

	sourceID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		s.disconnectSource(w, r, sourceID)
	case action == "connect" && r.Method == http.MethodPost:
		s.connectSource(w, r, sourceID)
	case action == "data" && r.Method == http.MethodGet:
		s.fetchSource(w, r, sourceID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) connectSource(w http.ResponseWriter, r *http.Request, sourceID string) {
	var opts sources.ConnectOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	resp, err := s.service.Connect(r.Context(), sourceID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if resp.AuthURL != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) disconnectSource(w http.ResponseWriter, r *http.Request, sourceID string) {
	if err := s.service.Disconnect(r.Context(), sourceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) fetchSource(w http.ResponseWriter, r *http.Request, sourceID string) {
	params := r.URL.Query()
	dataType := params.Get("type")
	params.Del("type")

	data, err := s.service.Fetch(r.Context(), sourceID, dataType, params)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleCallback is the OAuth redirect target. It answers with a small page
// since the caller is the user's browser.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if e := q.Get("error"); e != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackPage, "Authorization failed", html.EscapeString(e))
		return
	}

	rec, err := s.service.Callback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		status, _ := statusFor(err)
		w.WriteHeader(status)
		fmt.Fprintf(w, callbackPage, "Authorization failed", html.EscapeString(err.Error()))
		return
	}
	name := rec.DisplayName
	if name == "" {
		name = rec.AccountID
	}
	fmt.Fprintf(w, callbackPage, "Connected", html.EscapeString(rec.SourceID+" connected as "+name+". You can close this window."))
}

const callbackPage = `<!doctype html><html><head><title>Pulse</title></head><body><h1>%s</h1><p>%s</p></body></html>`

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	recs, err := s.service.Connections()
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.ConnectionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Scheduler Handlers ---

type intervalRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.SchedulerStatus())
	case http.MethodPut:
		var req intervalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		st, err := s.service.SetInterval(req.Interval)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	default:
		methodNotAllowed(w)
	}
}
