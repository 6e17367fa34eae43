// Package ops serves the operator HTTP surface: health and readiness
// probes, Prometheus metrics, pprof, and read-only JSON snapshots of
// connections, supervised tasks, housekeeping and notifications.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires Token, JWTSecret or AllowInsecure.
//   - /healthz and /readyz are never authenticated.
package ops
