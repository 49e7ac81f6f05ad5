// Package sidecar is the HTTPS client for the engine sidecar running on
// each droplet: workflow deploys, credential injection and
// verification, blue-green lifecycle signals, and health polling.
package sidecar
