// Package server assembles the mcpgate HTTP server.
//
// It mounts the OAuth broker routes, both MCP bindings and the health
// endpoints on one mux, wraps them with recovery and request metrics, and
// runs the graceful drain on shutdown:
//
//  1. readiness turns unhealthy and no new sessions are opened
//  2. the HTTP server stops accepting requests and waits up to the grace period
//  3. every open session is closed with a shutdown frame
//  4. the token store and background sweeps are released
//
// Prometheus metrics are served on a dedicated MetricsServer so operational
// data stays off the public listener.
package server
