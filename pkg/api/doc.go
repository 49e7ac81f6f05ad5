// Package api is the operational HTTP surface: the structured /health
// report, Prometheus metrics, and operator routes for rollouts, DLQ
// replay, provisioning and wakes. It owns no business logic; every
// route delegates to the component that does.
package api
