// Package api hosts the ops HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes; readyz reports the
//     hand-off queue depth.
//   - GET /metrics for Prometheus scraping.
//
// The server only starts when server.addr is configured.
package api
