// Package provision is the droplet factory: account selection, secret
// minting, cloud-init rendering, VM creation and the journalled state
// transitions, with compensating rollback when any step fails.
package provision
