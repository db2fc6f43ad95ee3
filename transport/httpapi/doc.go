// Package httpapi exposes the login orchestrator over JSON/HTTP for the
// web console.
//
// Routes:
//
//	POST /v1/auth/login          {"email","account_class"}
//	POST /v1/auth/factor         {"handle","step","code"}
//	POST /v1/auth/second-factor  {"handle","secret"}
//	POST /v1/auth/reset          {"handle"}
//	POST /v1/auth/second-factor/enrollment {"email"} (when EnrollmentIssuer is set)
//	POST /v1/session/refresh     Authorization: Bearer <token>
//	POST /v1/session/logout      Authorization: Bearer <token>
//	GET  /v1/session             Authorization: Bearer <token>
//	GET  /metrics                Prometheus text format
//
// Blocked results map to 423 with unlock_at, step mismatches to 409,
// expired sessions and rejected credentials to 401, outages to 503.
package httpapi
