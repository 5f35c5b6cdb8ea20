// Package common provides shared constants, types, utilities, and interfaces
// used throughout the tunnel daemon.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts, file names, and tunnel defaults
//   - Errors: Sentinel errors for the tunnel lifecycle and credential storage
//   - Interfaces: Abstractions for notifications and logging
//   - Logger: Leveled logging backed by logrus with optional rotating file output
//   - Utils: Common utility functions for file and directory handling
//
// # Usage
//
//	common.LogInfo("Starting engine in %s mode", mode)
//
//	if errors.Is(err, common.ErrPermissionDenied) {
//	    // user declined
//	}
package common
