// Package metrics defines the Prometheus collectors the job manager
// updates at queue, job, task, output, and event-broadcaster
// boundaries, plus a small Timer helper for histogram observations.
// Exposing them over HTTP is left to collaborators (Handler returns
// the promhttp handler for that purpose; the core never listens).
package metrics
