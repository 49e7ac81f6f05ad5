package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// SidecarAPI is the slice of the sidecar client the handlers use
type SidecarAPI interface {
	DeployWorkflow(ctx context.Context, host, name string, workflowJSON json.RawMessage, version string) error
	PrepareUpdate(ctx context.Context, host string) error
	Checkpoint(ctx context.Context, host string) error
	PullImage(ctx context.Context, host, version string) error
	SwapContainer(ctx context.Context, host, version string) error
	WaitHealthy(ctx context.Context, host string, budget, interval time.Duration) error
	InjectCredential(ctx context.Context, host, credType, encryptedPayload string) error
	VerifyCredential(ctx context.Context, host, credType string) (bool, error)
}

// Handlers owns the per-tenant update job handlers
type Handlers struct {
	store   store.Store
	sidecar SidecarAPI
	logger  zerolog.Logger

	// post-swap health poll, overridable in tests
	healthBudget   time.Duration
	healthInterval time.Duration
}

// NewHandlers wires the fleet job handlers
func NewHandlers(st store.Store, sc SidecarAPI) *Handlers {
	return &Handlers{
		store:          st,
		sidecar:        sc,
		logger:         log.WithComponent("fleet-handlers"),
		healthBudget:   60 * time.Second,
		healthInterval: 2 * time.Second,
	}
}

// HandleWorkflowUpdate deploys a versioned workflow to one tenant's
// engine and appends the ledger row.
func (h *Handlers) HandleWorkflowUpdate(ctx context.Context, job *bus.Job) error {
	var req types.WorkflowUpdatePayload
	if err := job.Payload.Decode(&req); err != nil {
		return err
	}
	if req.TenantID == "" || req.WorkflowName == "" {
		return types.Errorf(types.KindValidationFailed, "fleet.workflow-update", "tenant_id and workflow_name are required")
	}

	droplet, err := h.store.GetDroplet(ctx, req.TenantID)
	if err != nil {
		return err
	}

	if err := h.sidecar.DeployWorkflow(ctx, droplet.PublicDNS, req.WorkflowName, req.WorkflowJSON, req.Version); err != nil {
		return err
	}

	component := "workflow:" + req.WorkflowName
	prev := ""
	if cur, err := h.store.CurrentVersion(ctx, req.TenantID, component); err == nil && cur != nil {
		prev = cur.Version
	}
	if err := h.store.AppendVersion(ctx, &types.VersionEntry{
		TenantID:        req.TenantID,
		Component:       component,
		Version:         req.Version,
		PreviousVersion: prev,
		RolloutID:       req.RolloutID,
	}); err != nil {
		return err
	}

	h.logger.Info().Str("tenant_id", req.TenantID).Str("workflow", req.WorkflowName).
		Str("version", req.Version).Msg("workflow deployed")
	return nil
}

// HandleSidecarUpdate swaps the sidecar image blue-green: drain,
// pull, checkpoint, swap, then health-poll. An unhealthy swap is
// reverted automatically and fails the job so the wave counts it.
func (h *Handlers) HandleSidecarUpdate(ctx context.Context, job *bus.Job) error {
	var req types.SidecarUpdatePayload
	if err := job.Payload.Decode(&req); err != nil {
		return err
	}

	droplet, err := h.store.GetDroplet(ctx, req.TenantID)
	if err != nil {
		return err
	}
	host := droplet.PublicDNS
	logger := h.logger.With().Str("tenant_id", req.TenantID).
		Str("from", req.FromVersion).Str("to", req.ToVersion).Logger()

	if err := h.sidecar.PrepareUpdate(ctx, host); err != nil {
		return err
	}
	if err := h.sidecar.PullImage(ctx, host, req.ToVersion); err != nil {
		return err
	}
	if err := h.sidecar.Checkpoint(ctx, host); err != nil {
		return err
	}
	if err := h.sidecar.SwapContainer(ctx, host, req.ToVersion); err != nil {
		return err
	}

	if err := h.sidecar.WaitHealthy(ctx, host, h.healthBudget, h.healthInterval); err != nil {
		if backErr := h.sidecar.SwapContainer(ctx, host, req.FromVersion); backErr != nil {
			logger.Error().Err(backErr).Msg("swap back failed, droplet left on new version unhealthy")
		} else {
			logger.Warn().Msg("new sidecar unhealthy, swapped back")
		}
		return types.Errorf(types.KindSidecarUnreachable, "fleet.sidecar-update",
			"sidecar unhealthy after swap, reverted to %s", req.FromVersion).
			WithTenant(req.TenantID).WithCause(err).AsTerminal()
	}

	if err := h.store.UpdateSidecarVersion(ctx, req.TenantID, req.ToVersion); err != nil {
		return err
	}
	if err := h.store.AppendVersion(ctx, &types.VersionEntry{
		TenantID:        req.TenantID,
		Component:       ComponentSidecar,
		Version:         req.ToVersion,
		PreviousVersion: req.FromVersion,
		RolloutID:       req.RolloutID,
	}); err != nil {
		return err
	}

	logger.Info().Msg("sidecar updated")
	return nil
}

// HandleCredentialInject pushes each encrypted blob, verifies it and
// records an immutable credential_updates row. The sidecar overwrites
// same-type credentials, so replays are harmless.
func (h *Handlers) HandleCredentialInject(ctx context.Context, job *bus.Job) error {
	var req types.CredentialInjectPayload
	if err := job.Payload.Decode(&req); err != nil {
		return err
	}
	if len(req.Credentials) == 0 {
		return types.Errorf(types.KindValidationFailed, "fleet.credential-inject", "empty credential bundle")
	}

	droplet, err := h.store.GetDroplet(ctx, req.TenantID)
	if err != nil {
		return err
	}
	host := droplet.PublicDNS

	for _, cred := range req.Credentials {
		if err := h.sidecar.InjectCredential(ctx, host, cred.Type, cred.EncryptedBlob); err != nil {
			return err
		}
		verified, err := h.sidecar.VerifyCredential(ctx, host, cred.Type)
		if err != nil {
			return err
		}
		if err := h.store.InsertCredentialUpdate(ctx, &types.CredentialUpdate{
			TenantID:       req.TenantID,
			DropletID:      droplet.ProviderID,
			CredentialType: cred.Type,
			Verified:       verified,
		}); err != nil {
			return err
		}
		if !verified {
			return types.Errorf(types.KindValidationFailed, "fleet.credential-inject",
				"credential type %s failed verification", cred.Type).WithTenant(req.TenantID)
		}
	}

	h.logger.Info().Str("tenant_id", req.TenantID).Int("credentials", len(req.Credentials)).
		Msg("credential bundle injected")
	return nil
}
