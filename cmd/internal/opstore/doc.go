// Package opstore implements Warden's operational store.
//
// It persists authorization grants and device-flow codes written by the
// upstream token service, and exposes the janitor-facing queries used by
// the cleanup subsystem (ordered eligibility scans plus all-or-nothing
// batch deletion with concurrent-removal detection).
//
// Three backends are provided: Postgres (production), SQLite (single-node
// deployments), and an in-memory store for dev and tests. Handles are
// stored pre-hashed by the issuer; payloads are opaque to this package.
package opstore
