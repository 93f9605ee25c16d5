// Package api provides the JSON REST API server for certassist's chat
// persistence service.
//
// # Architecture
//
// The server uses Go 1.22+ method routing with a layered middleware stack:
//
//	Tracing → Recovery → RequestID → Logging → CORS → Auth → RateLimit → Routes
//
// Health probes (/health, /ready) bypass the middleware stack via a
// top-level mux, ensuring they remain fast and unauthenticated.
//
// # Endpoints
//
// Health probes (no middleware):
//   - GET /health — liveness
//   - GET /ready  — readiness, pings the database
//
// Session operations (all ownership-enforced via bearer token):
//   - POST   /api/v1/sessions                  — create session
//   - GET    /api/v1/sessions                  — list caller's sessions
//   - GET    /api/v1/sessions/{id}             — get session by ID
//   - PATCH  /api/v1/sessions/{id}             — rename / update metadata
//   - POST   /api/v1/sessions/{id}/archive     — archive (idempotent)
//   - GET    /api/v1/sessions/{id}/messages    — list messages
//   - POST   /api/v1/sessions/{id}/messages    — append a message
//   - POST   /api/v1/messages                  — append to latest session,
//     creating one if needed
//   - GET    /api/v1/sessions/{id}/export      — export (json or markdown)
//
// # Ownership
//
// Every session-accessing endpoint resolves the caller's identity from the
// Authorization header before touching the store, and the store re-checks
// ownership row-by-row. A session belonging to another account yields 403;
// a session that does not exist yields 404. The two are never conflated so
// clients can distinguish a stale ID from a permissions problem.
//
// # Error Handling
//
// Errors use a fixed envelope:
//
//	{"error": {"code": "...", "message": "..."}}
//
// Codes are stable machine-readable strings; messages are human-readable
// and carry no internal detail.
package api
