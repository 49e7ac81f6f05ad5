// Package governor is the single gatekeeper for outbound work. It
// enforces global, per-queue and per-account in-flight bounds plus a
// per-queue sliding-window rate limit, with counters held in Redis so
// every control plane instance shares the same budget, and a per-queue
// circuit breaker for unhealthy dependencies.
package governor
