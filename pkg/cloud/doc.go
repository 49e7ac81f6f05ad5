// Package cloud abstracts the VM provider behind a small API with
// bounded internal retries: 429 honors Retry-After, 5xx and transport
// errors back off exponentially, other 4xx stop immediately. A dry-run
// implementation serves tests and DRY_RUN deployments.
package cloud
