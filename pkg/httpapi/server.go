package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/certd/pkg/certevents"
	metrics "github.com/cuemby/certd/pkg/certmetrics"
	"github.com/cuemby/certd/pkg/certvault"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/registry"
	"github.com/cuemby/certd/pkg/renewsched"
	"github.com/cuemby/certd/pkg/snapshot"
)

// Config wires every collaborator a Server's handlers call into.
type Config struct {
	Registry    *registry.Registry
	Pipeline    *lifecycle.Pipeline
	Snapshots   *snapshot.Store
	Vault       *certvault.Vault
	Scheduler   *renewsched.Scheduler
	Events      *certevents.Broker
	Health      *metrics.HealthChecker
	Logger      zerolog.Logger
	Version     string
	RequireAuth func(http.Handler) http.Handler
}

// Server holds the engine's HTTP surface: a single mux wired against the
// core packages.
type Server struct {
	reg       *registry.Registry
	pipeline  *lifecycle.Pipeline
	snapshots *snapshot.Store
	vault     *certvault.Vault
	scheduler *renewsched.Scheduler
	events    *certevents.Broker
	health    *metrics.HealthChecker
	logger    zerolog.Logger
	version   string
	mux       *http.ServeMux
}

// New builds a Server and registers the full route table onto its mux.
// If cfg.RequireAuth is set, it wraps every route except the /public/*
// endpoints and /metrics.
func New(cfg Config) *Server {
	s := &Server{
		reg:       cfg.Registry,
		pipeline:  cfg.Pipeline,
		snapshots: cfg.Snapshots,
		vault:     cfg.Vault,
		scheduler: cfg.Scheduler,
		events:    cfg.Events,
		health:    cfg.Health,
		logger:    cfg.Logger,
		version:   cfg.Version,
		mux:       http.NewServeMux(),
	}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /certificates", s.handleListCertificates)
	protected.HandleFunc("POST /certificates", s.handleCreateCertificate)
	protected.HandleFunc("GET /certificates/{fp}", s.handleGetCertificate)
	protected.HandleFunc("DELETE /certificates/{fp}", s.handleDeleteCertificate)
	protected.HandleFunc("POST /certificates/{fp}/renew", s.handleRenewCertificate)
	protected.HandleFunc("POST /certificates/{fp}/apply-idle", s.handleApplyIdle)
	protected.HandleFunc("POST /certificates/{fp}/domains", s.handleAddDomain)
	protected.HandleFunc("DELETE /certificates/{fp}/domains/{d}", s.handleRemoveDomain)
	protected.HandleFunc("POST /certificates/{fp}/ips", s.handleAddIP)
	protected.HandleFunc("DELETE /certificates/{fp}/ips/{ip}", s.handleRemoveIP)
	protected.HandleFunc("GET /certificates/{fp}/snapshots", s.handleListSnapshots)
	protected.HandleFunc("POST /certificates/{fp}/snapshots", s.handleCreateSnapshot)
	protected.HandleFunc("DELETE /certificates/{fp}/snapshots/{id}", s.handleDeleteSnapshot)
	protected.HandleFunc("POST /certificates/{fp}/snapshots/{id}/restore", s.handleRestoreSnapshot)
	protected.HandleFunc("POST /security/rotate-encryption-key", s.handleRotateEncryptionKey)
	protected.HandleFunc("GET /renewal/status", s.handleRenewalStatus)
	protected.HandleFunc("POST /renewal/check", s.handleRenewalCheck)
	protected.HandleFunc("POST /renewal/schedule", s.handleRenewalSchedule)
	protected.HandleFunc("GET /events", s.handleEventStream)

	var protectedHandler http.Handler = protected
	if cfg.RequireAuth != nil {
		protectedHandler = cfg.RequireAuth(protected)
	}
	s.mux.Handle("/", protectedHandler)

	s.mux.HandleFunc("GET /public/health", s.handleHealth)
	s.mux.HandleFunc("GET /public/ping", s.handlePing)
	if s.health != nil {
		s.mux.Handle("GET /public/ready", s.health.ReadyHandler())
		s.mux.Handle("GET /public/live", s.health.LivenessHandler())
	}
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed directly to
// http.Server. Every request is counted and timed under a bounded route
// label (method plus first path segment).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	route := routeLabel(r)
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	timer.ObserveDurationVec(metrics.APIRequestDuration, route)
}

// statusWriter captures the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so the SSE event stream keeps
// working behind the metrics wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeLabel keeps metric cardinality bounded: the method plus the first
// path segment, never the full path with its embedded fingerprints.
func routeLabel(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return r.Method + " /" + p
}

// envelope is the common response shape every handler encodes.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   *errBody `json:"error,omitempty"`
}

type errBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeOK(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := statusForError(err)
	s.writeJSON(w, status, envelope{Success: false, Error: body})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.health.Handler()(w, r)
		return
	}
	s.writeOK(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   s.version,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}
