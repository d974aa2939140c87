// Package errs defines the error-kind sentinels from spec §7. Components
// wrap these with fmt.Errorf("...: %w", Sentinel) so callers can branch with
// errors.Is while still getting a descriptive message.
package errs

import "errors"

var (
	// ErrConfig marks a bad options/configuration value.
	ErrConfig = errors.New("config error")
	// ErrAlreadyRunning marks a process-singleton violation.
	ErrAlreadyRunning = errors.New("already running")
	// ErrPMDUnavailable marks failure to start or reach the PMD.
	ErrPMDUnavailable = errors.New("pmd unavailable")
	// ErrConnection marks a socket dial/read/write failure.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks a malformed frame or JSON payload.
	ErrProtocol = errors.New("protocol error")
	// ErrAliasConflict marks an alias already bound to a different NodeID.
	ErrAliasConflict = errors.New("alias conflict")
	// ErrNotFound marks an unknown alias or NodeID.
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks a correlated request that never got a reply in time.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled marks a request rejected because of shutdown.
	ErrCancelled = errors.New("cancelled")
)
