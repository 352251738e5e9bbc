// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pool/stats, POST /v1/pool/warmup and POST /v1/pool/restart for
//     pool introspection and administration.
//   - POST /v1/snapshots to render a page through a pooled session.
package api
