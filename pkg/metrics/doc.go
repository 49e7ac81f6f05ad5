// Package metrics defines the Prometheus collectors exported by the
// control plane and the /metrics HTTP handler.
package metrics
