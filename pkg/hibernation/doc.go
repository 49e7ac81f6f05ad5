// Package hibernation decides which tenants can be powered down, runs
// the ordered hibernate and wake sequences, and spaces batched wakes so
// the cloud provider's action rate limit is never exceeded. Enterprise
// tenants are never hibernated; high-priority tenants get predictive
// pre-warming driven by an activity oracle.
package hibernation
