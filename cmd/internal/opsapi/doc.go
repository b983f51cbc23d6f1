// Package opsapi exposes Warden's operational HTTP surface: triggering
// a cleanup run out of schedule and inspecting the janitor's status.
//
// The surface is unauthenticated; deployments are expected to keep it
// behind their ingress the same way they protect /metrics.
package opsapi
