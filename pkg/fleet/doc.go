// Package fleet is the wave-based update engine: canary then staged
// promotion across the tenant fleet, health-gated, with pause, resume,
// skip, abort and ledger-driven rollback. Job handlers for workflow
// deploys, blue-green sidecar swaps and credential injection live here
// as well.
package fleet
