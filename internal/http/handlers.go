package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ems-dispatch/internal/assign"
	"github.com/example/ems-dispatch/internal/auth"
	"github.com/example/ems-dispatch/internal/config"
	"github.com/example/ems-dispatch/internal/dispatch"
	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/stats"
)

type Server struct {
	Orch  *dispatch.Orchestrator
	Stats stats.Store
	Auth  *auth.Verifier

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(orch *dispatch.Orchestrator, st stats.Store, verifier *auth.Verifier, cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{Orch: orch, Stats: st, Auth: verifier, cfg: cfg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/v1/updates", s.handleUpdates).Methods("GET")
	s.mux.HandleFunc("/api/v1/dispatch/rebalance", s.handleRebalance).Methods("POST")
	s.mux.HandleFunc("/api/v1/dispatch/workload", s.handleWorkload).Methods("GET")
	s.mux.HandleFunc("/api/v1/dispatch/reliability", s.handleReliability).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// requireActor authenticates the Bearer token or writes a 401.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, err := s.Auth.Verify(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return models.Actor{}, false
	}
	return actor, true
}

// handleUpdates is the pull-based fallback for clients that cannot hold
// a realtime connection: everything since the cursor, default last 30s.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-s.cfg.PullWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since cursor", http.StatusBadRequest)
			return
		}
		since = t
	}
	updates, err := s.Orch.Updates(r.Context(), actor, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"since": since, "updates": updates})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	assignments, err := s.Orch.Rebalance(r.Context(), actor)
	if err != nil {
		if errors.Is(err, assign.ErrUnauthorized) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type assigned struct {
		RideID   string `json:"ride_id"`
		Number   string `json:"number"`
		DriverID string `json:"driver_id"`
	}
	out := make([]assigned, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, assigned{RideID: a.Ride.ID, Number: a.Ride.Number, DriverID: a.DriverID})
	}
	writeJSON(w, map[string]interface{}{"assigned": out})
}

func (s *Server) handleWorkload(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.Role.Dispatcher() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	all, err := s.Stats.AllDriverStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type row struct {
		models.DriverStats
		Status string `json:"status"`
	}
	out := make([]row, 0, len(all))
	for _, d := range all {
		out = append(out, row{DriverStats: d, Status: assign.WorkloadLabel(d, s.cfg.SaturationCap)})
	}
	writeJSON(w, map[string]interface{}{"drivers": out})
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleSupervisor {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	all, err := s.Stats.AllDriverStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	flagged := assign.FlaggedDrivers(all, s.cfg.ReliabilityThreshold)
	writeJSON(w, map[string]interface{}{"threshold": s.cfg.ReliabilityThreshold, "flagged": flagged})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
