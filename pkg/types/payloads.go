package types

import (
	"encoding/json"
	"fmt"
)

// PayloadKind discriminates the job payload union. One kind per queue.
type PayloadKind string

const (
	PayloadIgnition         PayloadKind = "ignition"
	PayloadTeardown         PayloadKind = "teardown"
	PayloadWorkflowUpdate   PayloadKind = "workflow-update"
	PayloadSidecarUpdate    PayloadKind = "sidecar-update"
	PayloadWakeDroplet      PayloadKind = "wake-droplet"
	PayloadCredentialInject PayloadKind = "credential-inject"
	PayloadHardReboot       PayloadKind = "hard-reboot-droplet"
	PayloadHealthCheck      PayloadKind = "health-check"
	PayloadMetricSample     PayloadKind = "metric-sample"
)

// Payload is the tagged envelope stored on the queue, in the DLQ and in
// replay records. Data holds the kind-specific variant as JSON.
type Payload struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// NewPayload wraps a variant into its envelope
func NewPayload(kind PayloadKind, v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Payload{Kind: kind, Data: data}, nil
}

// Decode unmarshals the variant into v
func (p Payload) Decode(v any) error {
	if err := json.Unmarshal(p.Data, v); err != nil {
		return Errorf(KindValidationFailed, "payload.decode", "malformed %s payload: %v", p.Kind, err)
	}
	return nil
}

// IgnitionPayload requests provisioning of a droplet for a tenant
type IgnitionPayload struct {
	TenantID  string `json:"tenant_id"`
	Slug      string `json:"slug"`
	Size      string `json:"size"`
	Region    string `json:"region"`
	Requester string `json:"requester"`
	Priority  int    `json:"priority,omitempty"`
}

// TeardownPayload requests destruction of a tenant's droplet
type TeardownPayload struct {
	TenantID  string `json:"tenant_id"`
	DropletID int64  `json:"droplet_id"`
	Reason    string `json:"reason"`
	Force     bool   `json:"force"`
}

// WorkflowUpdatePayload deploys a workflow version to a tenant's engine
type WorkflowUpdatePayload struct {
	TenantID     string          `json:"tenant_id"`
	WorkflowName string          `json:"workflow_name"`
	WorkflowJSON json.RawMessage `json:"workflow_json"`
	Version      string          `json:"version"`
	RolloutID    string          `json:"rollout_id,omitempty"`
	WaveNumber   int             `json:"wave_number,omitempty"`
}

// SidecarUpdatePayload swaps the sidecar image on a droplet (blue-green)
type SidecarUpdatePayload struct {
	TenantID    string `json:"tenant_id"`
	DropletID   int64  `json:"droplet_id"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
	RolloutID   string `json:"rollout_id,omitempty"`
	WaveNumber  int    `json:"wave_number,omitempty"`
}

// WakeReason explains why a droplet is being woken
type WakeReason string

const (
	WakeUserLogin         WakeReason = "user_login"
	WakeScheduledCampaign WakeReason = "scheduled_campaign"
	WakeAdminRequest      WakeReason = "admin_request"
	WakeWatchdogRecovery  WakeReason = "watchdog_recovery"
)

// WakeDropletPayload wakes a hibernated droplet
type WakeDropletPayload struct {
	TenantID  string     `json:"tenant_id"`
	DropletID int64      `json:"droplet_id"`
	Reason    WakeReason `json:"reason"`
}

// CredentialBlob is one encrypted credential to push to a sidecar.
// The blob is already encrypted upstream; this core never sees plaintext.
type CredentialBlob struct {
	Type          string `json:"type"`
	EncryptedBlob string `json:"encrypted_blob"`
}

// CredentialInjectPayload pushes a credential bundle to a droplet
type CredentialInjectPayload struct {
	TenantID    string           `json:"tenant_id"`
	DropletID   int64            `json:"droplet_id"`
	Credentials []CredentialBlob `json:"credentials"`
}

// RebootReason explains why a droplet is being hard-rebooted
type RebootReason string

const (
	RebootHeartbeatTimeout RebootReason = "watchdog_heartbeat_timeout"
	RebootAdminRequest     RebootReason = "admin_request"
	RebootZombieDetected   RebootReason = "zombie_detected"
	RebootWakeFailed       RebootReason = "wake_failed"
)

// HardRebootPayload power-cycles an unresponsive droplet
type HardRebootPayload struct {
	DropletID int64        `json:"droplet_id"`
	TenantID  string       `json:"tenant_id"`
	Reason    RebootReason `json:"reason"`
}
