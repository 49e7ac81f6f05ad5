// Package worker runs the per-queue goroutine pools that drain the job
// bus: claim, governor admission, handler execution with panic
// recovery, and outcome settlement. Shutdown stops claiming first and
// drains in-flight jobs within a bounded window.
package worker
