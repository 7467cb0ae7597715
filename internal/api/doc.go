// Package api hosts the HTTP server, middleware, and REST handlers for crawl
// jobs. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls and /v1/crawls/standard to submit a crawl job.
//   - GET /v1/crawls/{job_id}/status and /result, POST /v1/crawls/{job_id}/cancel.
package api
