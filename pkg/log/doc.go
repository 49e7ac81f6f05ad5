// Package log wraps zerolog with the field conventions used across the
// control plane (component, tenant_id, droplet_id, queue, rollout_id).
package log
