package vpn

import (
	"github.com/yllada/tunneld/common"
)

// Lifecycle errors - re-exported from common package for convenience.
var (
	ErrInvalidConfig             = common.ErrInvalidConfig
	ErrPermissionDenied          = common.ErrPermissionDenied
	ErrNoInteractiveSurface      = common.ErrNoInteractiveSurface
	ErrPermissionRequestInFlight = common.ErrPermissionRequestInFlight
	ErrUnknownPermissionRequest  = common.ErrUnknownPermissionRequest
	ErrOperationInProgress       = common.ErrOperationInProgress
	ErrCancelled                 = common.ErrCancelled
	ErrClosed                    = common.ErrClosed
)

// EngineStartError reports that the engine could not be constructed or started.
type EngineStartError struct {
	Reason string
}

func (e *EngineStartError) Error() string {
	return "engine start failure: " + e.Reason
}

// StartResult is the successful outcome of a start call.
type StartResult string

const (
	ResultOK             StartResult = "ok"
	ResultAlreadyRunning StartResult = "already_running"
)
