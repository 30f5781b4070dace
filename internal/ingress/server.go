// Package ingress exposes the router over REST/JSON: event intake, start
// sugar, snapshot reads, health and metrics.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/publish"
	"github.com/xorca/xorca/pkg/router"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/subject"
)

// ingressSource stamps envelopes this server mints on behalf of callers.
const ingressSource = "/xorca/ingress"

// Options wires the server's collaborators.
type Options struct {
	Port      string
	Router    *router.Router
	Store     store.Store
	Publisher publish.Publisher
	Logger    zerolog.Logger
}

// Server accepts envelope batches over HTTP, routes them, and returns the
// outbound envelopes. When a Publisher is configured the outbound batch is
// also delivered through it.
type Server struct {
	opts   Options
	logger zerolog.Logger
	srv    *http.Server
}

// New builds the server and its route table.
func New(opts Options) (*Server, error) {
	if opts.Router == nil {
		return nil, errors.New("ingress: router is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ingress: store is required")
	}
	if opts.Port == "" {
		opts.Port = "8080"
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "ingress").Logger(),
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	// OPTIONS is listed so preflights reach the CORS middleware; mux skips
	// Use middleware on unmatched methods.
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/orchestrations", s.handleStart).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/orchestrations/{subject}", s.handleSnapshot).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the route table for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("ingress listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleEvents routes a JSON array of envelopes and returns the outbound
// batch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var envs []*envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envs); err != nil {
		http.Error(w, "invalid envelope batch: "+err.Error(), http.StatusBadRequest)
		return
	}

	outs, err := s.opts.Router.Route(r.Context(), envs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.deliver(r.Context(), outs)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(outs),
		"envelopes": ensureSlice(outs),
	})
}

// startRequest is the sugar shape POST /orchestrations accepts in place of
// a raw start envelope.
type startRequest struct {
	ProcessID string                 `json:"processId"`
	Version   string                 `json:"version"`
	Context   map[string]interface{} `json:"context"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Context == nil {
		http.Error(w, "context is required", http.StatusBadRequest)
		return
	}

	pid := req.ProcessID
	if pid == "" {
		pid = uuid.NewString()
	}
	data := map[string]interface{}{
		"processId": pid,
		"context":   req.Context,
	}
	if req.Version != "" {
		data["version"] = req.Version
	}

	name := s.opts.Router.Name()
	env := envelope.New(envelope.StartType(name), ingressSource, "", data)

	outs, err := s.opts.Router.Route(r.Context(), []*envelope.Envelope{env})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.deliver(r.Context(), outs)

	status := http.StatusCreated
	if containsError(outs) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"processId": pid,
		"envelopes": ensureSlice(outs),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["subject"]

	subj, err := subject.Parse(token)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusBadRequest)
		return
	}

	blob, err := s.opts.Store.Read(r.Context(), subj.StoreKey())
	if err != nil {
		s.logger.Error().Err(err).Str("subject", token).Msg("snapshot read failed")
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if blob == nil {
		http.Error(w, "orchestration not found", http.StatusNotFound)
		return
	}
	if _, err := machine.UnmarshalSnapshot(blob); err != nil {
		s.logger.Error().Err(err).Str("subject", token).Msg("snapshot corrupt")
		http.Error(w, "snapshot corrupt", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, storeStatus := "healthy", "connected"
	code := http.StatusOK
	// An absent key reads as (nil, nil); only a backend failure errors.
	if _, err := s.opts.Store.Read(ctx, "healthz"); err != nil {
		status, storeStatus = "degraded", "error"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"orchestrator": s.opts.Router.Name(),
		"versions":     s.opts.Router.Versions(),
		"store":        storeStatus,
	})
}

// deliver hands the outbound batch to the configured publisher. Delivery is
// best effort; the synchronous HTTP response already carries the envelopes.
func (s *Server) deliver(ctx context.Context, outs []*envelope.Envelope) {
	if s.opts.Publisher == nil || len(outs) == 0 {
		return
	}
	if err := s.opts.Publisher.Publish(ctx, outs); err != nil {
		s.logger.Error().Err(err).Int("count", len(outs)).Msg("publish failed")
	}
}

func containsError(envs []*envelope.Envelope) bool {
	for _, env := range envs {
		if env != nil && strings.HasSuffix(env.Type, ".error") {
			return true
		}
	}
	return false
}

func ensureSlice(envs []*envelope.Envelope) []*envelope.Envelope {
	if envs == nil {
		return []*envelope.Envelope{}
	}
	return envs
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
