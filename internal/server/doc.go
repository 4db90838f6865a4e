// Package server implements the HTTP surface using the Echo framework.
//
// Routes: the socket endpoint (/socket), health probes, version and Prometheus metrics.
// Socket upgrades pass through connection limits before the gateway takes over.
package server
