package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/fleet"
	"github.com/genesishq/genesis/pkg/types"
)

type workerStatus struct {
	Running       bool  `json:"running"`
	ActiveJobs    int64 `json:"active_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
}

type healthResponse struct {
	Status        string                         `json:"status"`
	UptimeSeconds int64                          `json:"uptime_seconds"`
	StartedAt     time.Time                      `json:"started_at"`
	Version       string                         `json:"version,omitempty"`
	Workers       map[string]workerStatus        `json:"workers"`
	Services      map[string]types.ServiceStatus `json:"services"`
}

// handleHealth reports the structured process health: 200 only when
// every service is running and none is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		StartedAt:     s.startedAt,
		Version:       s.version,
		Workers:       make(map[string]workerStatus),
		Services:      make(map[string]types.ServiceStatus),
	}

	if s.deps.Workers != nil {
		for queue, st := range s.deps.Workers.Stats() {
			resp.Workers[queue] = workerStatus{
				Running:       st.Workers > 0,
				ActiveJobs:    st.Active,
				CompletedJobs: st.Processed,
				FailedJobs:    st.Failed,
			}
		}
	}

	for _, svc := range s.deps.Services {
		st := svc.Status()
		resp.Services[st.Name] = st
		if st.Degraded && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
		if !st.Running {
			resp.Status = "unhealthy"
		}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.respond(w, code, resp)
}

type createRolloutRequest struct {
	Component    string          `json:"component"`
	ToVersion    string          `json:"to_version"`
	Strategy     string          `json:"strategy,omitempty"`
	TenantIDs    []string        `json:"tenant_ids,omitempty"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	WorkflowJSON json.RawMessage `json:"workflow_json,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	// Paused leaves the rollout pending for a later explicit resume
	Paused bool `json:"paused,omitempty"`
}

func (s *Server) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var req createRolloutRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	ro, err := s.deps.Engine.Create(r.Context(), fleet.Plan{
		Component:    req.Component,
		ToVersion:    req.ToVersion,
		Strategy:     types.RolloutStrategy(req.Strategy),
		TenantIDs:    req.TenantIDs,
		WorkflowName: req.WorkflowName,
		WorkflowJSON: req.WorkflowJSON,
		Priority:     req.Priority,
		CreatedBy:    req.CreatedBy,
		Reason:       req.Reason,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !req.Paused {
		if err := s.deps.Engine.Start(r.Context(), ro.ID); err != nil {
			s.respondError(w, err)
			return
		}
		ro.Status = types.RolloutRunning
	}
	s.respond(w, http.StatusCreated, ro)
}

type rolloutResponse struct {
	Rollout *types.Rollout `json:"rollout"`
	Waves   []types.Wave   `json:"waves"`
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ro, err := s.deps.Store.GetRollout(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	waves, err := s.deps.Store.ListWaves(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rolloutResponse{Rollout: ro, Waves: waves})
}

func (s *Server) handlePauseRollout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Pause(r.Context(), chi.URLParam(r, "id"), "operator pause"); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": string(types.RolloutPaused)})
}

func (s *Server) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": string(types.RolloutRunning)})
}

func (s *Server) handleAbortRollout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// an empty body aborts with a default reason
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator abort"
	}
	if err := s.deps.Engine.Abort(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": string(types.RolloutAborted)})
}

func (s *Server) handleSkipRollout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.SkipTo100(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "skipped to final wave"})
}

type rollbackRequest struct {
	Component    string          `json:"component"`
	ToVersion    string          `json:"to_version"`
	Scope        string          `json:"scope,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	WorkflowJSON json.RawMessage `json:"workflow_json,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// handleRollback aborts any active rollout for the component and starts
// the reverse fleet-sync rollout immediately.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	ro, err := s.deps.Engine.Rollback(r.Context(), fleet.RollbackRequest{
		Component:    req.Component,
		ToVersion:    req.ToVersion,
		Scope:        fleet.RollbackScope(req.Scope),
		TenantID:     req.TenantID,
		WorkflowName: req.WorkflowName,
		WorkflowJSON: req.WorkflowJSON,
		CreatedBy:    req.CreatedBy,
		Reason:       req.Reason,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	ro.Status = types.RolloutRunning
	s.respond(w, http.StatusCreated, ro)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	entries, err := s.deps.Bus.DLQ().List(r.Context(), queue, 100)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if entries == nil {
		entries = []bus.DLQEntry{}
	}
	s.respond(w, http.StatusOK, map[string]any{"queue": queue, "entries": entries})
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "jobID")
	newID, err := s.deps.Bus.DLQ().Replay(r.Context(), queue, jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": newID})
}

type provisionRequest struct {
	Slug           string `json:"slug"`
	Size           string `json:"size"`
	Region         string `json:"region"`
	Requester      string `json:"requester"`
	Priority       int    `json:"priority,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleProvisionTenant enqueues an ignition job; provisioning itself
// runs on the workers.
func (s *Server) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	var req provisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.Slug == "" || req.Region == "" {
		s.respondError(w, types.Errorf(types.KindValidationFailed, "api.provision", "slug and region are required"))
		return
	}

	payload, err := types.NewPayload(types.PayloadIgnition, types.IgnitionPayload{
		TenantID:  tenantID,
		Slug:      req.Slug,
		Size:      req.Size,
		Region:    req.Region,
		Requester: req.Requester,
		Priority:  req.Priority,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	jobID, err := s.deps.Bus.Add(r.Context(), config.QueueIgnition, payload, bus.AddOptions{
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleHibernationEligibility reports whether a tenant would be
// hibernated by the next inactivity sweep, and why not if not.
func (s *Server) handleHibernationEligibility(w http.ResponseWriter, r *http.Request) {
	elig, err := s.deps.Hibernation.CheckEligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, elig)
}

type wakeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleWakeTenant enqueues a wake-droplet job for a hibernated tenant
func (s *Server) handleWakeTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	var req wakeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := types.WakeReason(req.Reason)
	if reason == "" {
		reason = types.WakeAdminRequest
	}

	d, err := s.deps.Store.GetDroplet(r.Context(), tenantID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if d.State != types.StateHibernated {
		s.respondError(w, types.Errorf(types.KindStateTransitionInvalid, "api.wake",
			"droplet is %s, only HIBERNATED droplets can be woken", d.State).WithTenant(tenantID))
		return
	}

	payload, err := types.NewPayload(types.PayloadWakeDroplet, types.WakeDropletPayload{
		TenantID:  tenantID,
		DropletID: d.ProviderID,
		Reason:    reason,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	jobID, err := s.deps.Bus.Add(r.Context(), config.QueueWakeDroplet, payload, bus.AddOptions{
		IdempotencyKey: "wake:" + tenantID,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}
