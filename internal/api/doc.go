// Package api hosts the operator HTTP surface. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the monitor state.
//   - POST /v1/monitor/start and /v1/monitor/stop.
//   - GET and PUT /v1/settings for the retry delay.
//   - GET /v1/calls for recent call outcomes when a journal can list them.
package api
