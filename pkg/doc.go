// Package pkg provides shared utilities for the softhcd driver.
//
// This package contains the pieces used by every layer of the driver,
// from the interrupt handler up to the host enumeration helpers:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for caller misuse, resource exhaustion and USB
//     transfer failures
//   - The IRP completion status [TransferStatus]
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentPort, "port enabled", "speed", speed)
//
// # Errors
//
// Driver errors are sentinel values:
//
//	if errors.Is(err, pkg.ErrInvalidResponse) {
//	    // The command started but the port changed underneath it.
//	}
package pkg
