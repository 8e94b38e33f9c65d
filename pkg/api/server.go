package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/cleanup"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/jobs"
	"github.com/canopy-net/canopy/pkg/liveedit"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/reconciler"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/golang-jwt/jwt/v5"
)

// Deps carries everything the REST boundary calls into.
type Deps struct {
	Store       storage.Store
	Pool        *agent.Pool
	Runner      *jobs.Runner
	Registry    *agent.Registry
	Broadcaster *broadcast.Broadcaster
	Nodes       *reconciler.NodeReconciler
	Edits       *liveedit.Manager
	Cleanups    *cleanup.Service

	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret []byte
}

// Server is the REST boundary. It validates, translates HTTP to
// component calls and maps categorised errors back to status codes; it
// holds no domain logic of its own.
type Server struct {
	store       storage.Store
	pool        *agent.Pool
	runner      *jobs.Runner
	registry    *agent.Registry
	broadcaster *broadcast.Broadcaster
	nodes       *reconciler.NodeReconciler
	edits       *liveedit.Manager
	cleanups    *cleanup.Service
	secret      []byte
}

func NewServer(d Deps) *Server {
	return &Server{
		store:       d.Store,
		pool:        d.Pool,
		runner:      d.Runner,
		registry:    d.Registry,
		broadcaster: d.Broadcaster,
		nodes:       d.Nodes,
		edits:       d.Edits,
		cleanups:    d.Cleanups,
		secret:      d.JWTSecret,
	}
}

// Register mounts every route.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/labs", s.wrap("labs.create", s.handleCreateLab))
	mux.HandleFunc("GET /api/labs", s.wrap("labs.list", s.handleListLabs))
	mux.HandleFunc("GET /api/labs/{id}", s.wrap("labs.get", s.handleGetLab))
	mux.HandleFunc("DELETE /api/labs/{id}", s.wrap("labs.delete", s.handleDeleteLab))

	mux.HandleFunc("POST /api/labs/{id}/up", s.wrap("labs.up", s.lifecycle("up")))
	mux.HandleFunc("POST /api/labs/{id}/down", s.wrap("labs.down", s.lifecycle("down")))
	mux.HandleFunc("POST /api/labs/{id}/destroy", s.wrap("labs.destroy", s.lifecycle("destroy")))
	mux.HandleFunc("POST /api/labs/{id}/sync", s.wrap("labs.sync", s.lifecycle("sync")))

	mux.HandleFunc("GET /api/labs/{id}/nodes", s.wrap("nodes.list", s.handleListNodes))
	mux.HandleFunc("POST /api/labs/{id}/nodes/state", s.wrap("nodes.bulk_state", s.handleBulkNodeState))
	mux.HandleFunc("POST /api/labs/{id}/nodes/{node}/state", s.wrap("nodes.state", s.handleNodeDesiredState))
	mux.HandleFunc("POST /api/labs/{id}/nodes/{node}/action", s.wrap("nodes.action", s.handleNodeAction))
	mux.HandleFunc("POST /api/labs/{id}/nodes/{node}/retry-enforcement", s.wrap("nodes.retry", s.handleRetryEnforcement))

	mux.HandleFunc("GET /api/labs/{id}/links", s.wrap("links.list", s.handleListLinks))

	mux.HandleFunc("POST /api/labs/{id}/topology/import", s.wrap("topology.import", s.handleImportTopology))
	mux.HandleFunc("GET /api/labs/{id}/topology/export", s.wrap("topology.export", s.handleExportTopology))

	mux.HandleFunc("POST /api/agents/register", s.wrap("agents.register", s.handleRegisterAgent))
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.wrap("agents.heartbeat", s.handleAgentHeartbeat))
	mux.HandleFunc("GET /api/agents", s.wrap("agents.list", s.handleListAgents))
	mux.HandleFunc("POST /api/agents/{id}/carrier", s.wrap("agents.carrier", s.handleCarrier))

	mux.HandleFunc("GET /api/jobs/{id}", s.wrap("jobs.get", s.handleGetJob))
	mux.HandleFunc("GET /api/labs/{id}/jobs", s.wrap("jobs.list", s.handleListLabJobs))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.wrap("jobs.cancel", s.handleCancelJob))

	mux.Handle("GET /metrics", metrics.Handler())
}

// wrap applies auth and request metrics around one handler.
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.authenticate(r); err != nil {
			s.writeError(w, err)
			metrics.APIRequestsTotal.WithLabelValues(route, "401").Inc()
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticate validates the bearer token and returns its subject. A
// server without a secret accepts everything.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if len(s.secret) == 0 {
		return "", nil
	}
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", errdefs.New(errdefs.CategoryAuthentication, "missing bearer token")
	}
	tok, err := jwt.Parse(strings.TrimPrefix(h, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("token rejected")
		}
		return "", errdefs.Wrap(errdefs.CategoryAuthentication, "invalid token", err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", errdefs.Wrap(errdefs.CategoryAuthentication, "token has no subject", err)
	}
	return sub, nil
}

// subject returns the caller identity, empty when auth is disabled.
func (s *Server) subject(r *http.Request) string {
	sub, _ := s.authenticate(r)
	return sub
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a categorised error to its HTTP status and a
// structured body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"error":    err.Error(),
		"category": errdefs.CategoryOf(err),
	}
	var ce *errdefs.Error
	if errors.As(err, &ce) && len(ce.Details) > 0 {
		body["details"] = ce.Details
	}
	s.writeJSON(w, errdefs.HTTPStatus(err), body)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrap(errdefs.CategoryValidation, "invalid request body", err)
	}
	return nil
}
