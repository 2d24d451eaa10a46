// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for discovery job management and manual runs.
//   - /v1/runs/{run_id} for run inspection and cancellation.
//   - /v1/scheduler for scheduler status, start/stop, and daily config.
package api
