// Package manager is the process root. It builds every component from
// configuration, wires queue handlers to their workers, starts the
// background services and the HTTP surface, and tears everything down
// in dependency order on shutdown.
package manager
