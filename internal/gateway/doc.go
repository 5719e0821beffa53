// Package gateway exposes the HTTP surface of the orchestrator: an
// authenticated proxy that forwards requests to managed backends through the
// connection pool, an aggregated health endpoint, and the status endpoint.
package gateway
