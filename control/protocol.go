// Package control exposes the tunnel controller on a local unix socket.
//
// The protocol is newline-delimited JSON. A client opens a connection, writes
// one Request and reads one Response. The watch operations keep the
// connection open and stream one Event per line until either side closes it.
package control

import (
	"errors"

	"github.com/yllada/tunneld/vpn"
)

// Operations.
const (
	OpPrepare     = "prepare"
	OpStart       = "start"
	OpStop        = "stop"
	OpStatus      = "status"
	OpAnswer      = "answer_permission"
	OpRevoke      = "revoke"
	OpWatchStatus = "watch_status"
	OpWatchLogs   = "watch_logs"
)

// Error codes carried in responses.
const (
	CodeInvalidConfig             = "invalid_config"
	CodePermissionDenied          = "permission_denied"
	CodeNoInteractiveSurface      = "no_interactive_surface"
	CodeEngineStartFailure        = "engine_start_failure"
	CodeOperationInProgress       = "operation_in_progress"
	CodePermissionRequestInFlight = "permission_request_in_flight"
	CodeCancelled                 = "cancelled"
	CodeClosed                    = "closed"
	CodeUnknownRequest            = "unknown_request"
	CodeBadRequest                = "bad_request"
	CodeInternal                  = "internal"
)

// Request is one client call.
type Request struct {
	Op         string `json:"op"`
	Mode       string `json:"mode,omitempty"`
	Config     []byte `json:"config,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
	Token      string `json:"token,omitempty"`
	Granted    bool   `json:"granted,omitempty"`
}

// Response answers a Request.
type Response struct {
	OK     bool       `json:"ok"`
	Result string     `json:"result,omitempty"`
	Status *vpn.State `json:"status,omitempty"`
	Error  *Error     `json:"error,omitempty"`
}

// Event is one streamed item of a watch.
type Event struct {
	Status *vpn.State `json:"status,omitempty"`
	Log    *string    `json:"log,omitempty"`
}

// Error is a coded failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var sentinels = map[string]error{
	CodeInvalidConfig:             vpn.ErrInvalidConfig,
	CodePermissionDenied:          vpn.ErrPermissionDenied,
	CodeNoInteractiveSurface:      vpn.ErrNoInteractiveSurface,
	CodeOperationInProgress:       vpn.ErrOperationInProgress,
	CodePermissionRequestInFlight: vpn.ErrPermissionRequestInFlight,
	CodeCancelled:                 vpn.ErrCancelled,
	CodeClosed:                    vpn.ErrClosed,
	CodeUnknownRequest:            vpn.ErrUnknownPermissionRequest,
}

// encodeError converts a controller error to its wire form.
func encodeError(err error) *Error {
	var startErr *vpn.EngineStartError
	if errors.As(err, &startErr) {
		return &Error{Code: CodeEngineStartFailure, Message: startErr.Reason}
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return &Error{Code: code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// decodeError converts a wire error back to the matching controller error.
func decodeError(e *Error) error {
	if e == nil {
		return nil
	}
	if e.Code == CodeEngineStartFailure {
		return &vpn.EngineStartError{Reason: e.Message}
	}
	if sentinel, ok := sentinels[e.Code]; ok {
		return sentinel
	}
	return e
}
