package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/fleet"
	"github.com/genesishq/genesis/pkg/hibernation"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
	"github.com/genesishq/genesis/pkg/worker"
)

// StatusReporter is a background service that exposes its health
type StatusReporter interface {
	Status() types.ServiceStatus
}

// Deps are the components the HTTP surface delegates to
type Deps struct {
	Store       store.Store
	Bus         *bus.Bus
	Engine      *fleet.Engine
	Workers     *worker.Runtime
	Hibernation *hibernation.Controller
	Services    []StatusReporter
}

// Server is the operational HTTP server
type Server struct {
	deps      Deps
	logger    zerolog.Logger
	version   string
	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer builds the server and its routes
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		logger:    log.WithComponent("api"),
		version:   cfg.Version,
		startedAt: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the chi router; exported so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/rollouts", s.handleCreateRollout)
		r.Post("/rollouts/rollback", s.handleRollback)
		r.Get("/rollouts/{id}", s.handleGetRollout)
		r.Post("/rollouts/{id}/pause", s.handlePauseRollout)
		r.Post("/rollouts/{id}/resume", s.handleResumeRollout)
		r.Post("/rollouts/{id}/abort", s.handleAbortRollout)
		r.Post("/rollouts/{id}/skip", s.handleSkipRollout)

		r.Get("/queues/{queue}/dlq", s.handleListDLQ)
		r.Post("/queues/{queue}/dlq/{jobID}/replay", s.handleReplayDLQ)

		r.Post("/tenants/{id}/provision", s.handleProvisionTenant)
		r.Post("/tenants/{id}/wake", s.handleWakeTenant)
		r.Get("/tenants/{id}/hibernation", s.handleHibernationEligibility)
	})
	return r
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error().Err(err).Msg("response encode failed")
		}
	}
}

// respondError translates structured error kinds into HTTP statuses.
// The summary the caller sees is the already-translated error text;
// secrets never reach error messages by the error-model contract.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindValidationFailed:
		code = http.StatusBadRequest
	case types.KindNoCapacity, types.KindStateTransitionInvalid:
		code = http.StatusConflict
	case types.KindRateLimitExceeded, types.KindGovernorDenied:
		code = http.StatusTooManyRequests
	}
	s.respond(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return types.Errorf(types.KindValidationFailed, "api.decode", "empty request body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.Errorf(types.KindValidationFailed, "api.decode", "malformed request body: %v", err)
	}
	return nil
}
