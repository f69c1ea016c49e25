// Package api exposes the passport engine over HTTP.
//
// Callers are authenticated by headers set by the fronting gateway: the
// username, a comma-separated rule set, and optionally the content hash of
// the employee record bound to the account. Every route is authorized
// against the policy engine before the handler runs.
//
// Engine errors are mapped to HTTP statuses by category:
//
//	not_found       404
//	conflict        409
//	invalid         400
//	transient       503
//	forbidden       403
//	unauthenticated 401
//	fatal           500
//
// Malformed requests are rejected with 400 before reaching the engine.
package api
