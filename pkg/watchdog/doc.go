// Package watchdog runs the periodic fleet health sweep: zombie
// detection with hard-reboot recovery, resource alerts, and the
// slower scale-alerts sampler. Both services fail open; a broken
// dependency degrades them instead of stopping the sweep.
package watchdog
