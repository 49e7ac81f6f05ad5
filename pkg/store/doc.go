// Package store is the Postgres persistence layer. Droplet state
// transitions funnel through a single transactional entry point that
// journals before applying, account slots are claimed and released with
// single-statement atomics, and the version and credential ledgers are
// append-only.
package store
