// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts shared across the daemons.
const (
	// ShutdownTimeout bounds graceful shutdown: in-flight HTTP requests,
	// stream teardown and tracer flush all share it.
	ShutdownTimeout = 30 * time.Second

	// HealthProbeTimeout bounds the boot-time reachability probe a moon
	// runs against the sun before starting its runtime.
	HealthProbeTimeout = 10 * time.Second

	// DispatchTimeout bounds one outbox batch handed to the router. A
	// transport that hangs longer forfeits the batch; subscribers recover
	// from their cursor.
	DispatchTimeout = 30 * time.Second
)
