// Package types defines the core data structures shared across the
// Genesis control plane: tenants, droplets and their state machine,
// accounts, rollouts and waves, the tagged job payload union, and the
// structured error kinds that cross component boundaries.
package types
