// Package health exposes the agent's three-state health model over HTTP,
// grounded on the teacher's chi + go-chi/cors router shape
// (internal/api/router.go) cut down to the single /health route this agent
// needs. Status derivation follows original_source/src/health.py's
// healthy/degraded/unhealthy tiers (spec §6).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// Status is the three-tier health reading.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// PLCProbe reports PLC gateway connectivity.
type PLCProbe func() bool

// DBProbe reports database reachability.
type DBProbe func(ctx context.Context) error

// SamplerProbe reports the sampler's consecutive error count.
type SamplerProbe func() int

// SubscriptionProbe reports whether C5 is riding the notification channel
// (true) or has fallen back to polling (false).
type SubscriptionProbe func() bool

// Server is the health HTTP endpoint.
type Server struct {
	plcConnected       PLCProbe
	dbPing             DBProbe
	samplerErrors      SamplerProbe
	commandSubscribed  SubscriptionProbe

	mu              sync.Mutex
	dataIntegrityFault *errs.DataIntegrityFault

	version   string
	machineID string
}

// New builds a health Server. Any probe left nil is treated as "OK" — used
// in tests that only care about a subset of signals.
func New(version, machineID string, plcConnected PLCProbe, dbPing DBProbe, samplerErrors SamplerProbe, commandSubscribed SubscriptionProbe) *Server {
	return &Server{
		version: version, machineID: machineID,
		plcConnected: plcConnected, dbPing: dbPing,
		samplerErrors: samplerErrors, commandSubscribed: commandSubscribed,
	}
}

// OnDataIntegrityFault is wired to Writer.OnDataIntegrityFault so a failed
// compensation permanently escalates reported health to unhealthy until
// restart.
func (s *Server) OnDataIntegrityFault(f *errs.DataIntegrityFault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataIntegrityFault = f
	log.Error().Str("transaction_id", f.TransactionID).Msg("health: latching unhealthy status after data integrity fault")
}

type reading struct {
	Status    Status `json:"status"`
	MachineID string `json:"machine_id"`
	Version   string `json:"version"`
	Detail    struct {
		PLCConnected      bool `json:"plc_connected"`
		DatabaseReachable bool `json:"database_reachable"`
		CommandSubscribed bool `json:"command_subscribed"`
		SamplerErrorCount int  `json:"sampler_error_count"`
	} `json:"detail"`
	DataIntegrityFault string `json:"data_integrity_fault,omitempty"`
}

func (s *Server) evaluate(ctx context.Context) reading {
	r := reading{MachineID: s.machineID, Version: s.version}

	r.Detail.PLCConnected = s.plcConnected == nil || s.plcConnected()
	r.Detail.CommandSubscribed = s.commandSubscribed == nil || s.commandSubscribed()
	if s.samplerErrors != nil {
		r.Detail.SamplerErrorCount = s.samplerErrors()
	}

	dbErr := error(nil)
	if s.dbPing != nil {
		dbErr = s.dbPing(ctx)
	}
	r.Detail.DatabaseReachable = dbErr == nil

	s.mu.Lock()
	fault := s.dataIntegrityFault
	s.mu.Unlock()
	if fault != nil {
		r.DataIntegrityFault = fault.Msg
	}

	switch {
	case fault != nil, !r.Detail.PLCConnected && !r.Detail.DatabaseReachable:
		r.Status = StatusUnhealthy
	case !r.Detail.PLCConnected, !r.Detail.DatabaseReachable, !r.Detail.CommandSubscribed, r.Detail.SamplerErrorCount > 0:
		r.Status = StatusDegraded
	default:
		r.Status = StatusHealthy
	}
	return r
}

// Router builds the chi handler serving /health.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		reading := s.evaluate(ctx)
		w.Header().Set("Content-Type", "application/json")
		if reading.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(reading)
	})
	return r
}

// ListenAndServe starts the health HTTP server and blocks until ctx is
// canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
