// Package api assembles the TaskMesh coordinator HTTP routing table.
//
// # API Overview
//
// TaskMesh exposes a RESTful API for:
//   - Task submission, status, cancellation and execution traces
//   - Outbound governance: status, limit hot-updates, usage reset, audit log
//   - Queue and cluster status, worker node registration and heartbeats
//   - Health monitoring (/healthz, /ready, /version)
//
// # Authentication
//
// When API keys are configured, endpoints require the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// # Error Envelope
//
// Every error response carries a stable machine-readable code:
//
//	{"error": {"error_code": "task_not_found", "error_details": {...}}}
//
// Clients must key off error_code and never parse free-text messages.
package api
