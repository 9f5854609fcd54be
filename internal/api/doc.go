// Package api implements the HTTP surface of the automation engine.
//
// This package provides:
//   - POST /api/v1/automation, an action-dispatch RPC endpoint
//   - WebSocket hub relaying execution and chain updates to their owners
//   - bearer token scope resolution with ticket-based WebSocket auth
//   - MQTT ingress turning event messages into emits
//   - middleware stack (request ID, logging, recovery, CORS, tracing)
//
// # RPC
//
// Every call is a JSON object naming an action plus its parameters:
//
//	{"action": "emit_event", "event_name": "canvas_completed", "payload": {...}}
//
// Successful calls answer 200 with {"success": true, ...}. Failures answer
// with {"success": false, "error": "...", "code": "..."} and a status
// derived from the error: 400 for invalid input, 401 when a scoped action
// has no caller, 403 when the role lacks the permission, 404 for unknown
// or foreign records, 409 for state conflicts and 500 otherwise.
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB. Health reports each
// dependency it was given.
package api
