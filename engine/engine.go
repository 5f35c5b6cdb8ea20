// Package engine defines the boundary to the external packet-processing engine.
//
// The engine is opaque: it is built from a configuration payload and a
// read/write interface handle, started, and eventually closed. While it runs
// it reports back through the small Platform capability it is handed at
// construction time.
package engine

import (
	"io"
	"os"
)

// NotificationKind classifies a structured engine notification.
type NotificationKind int

const (
	// NotifyInfo is an informational event, forwarded as-is.
	NotifyInfo NotificationKind = iota
	// NotifyFault means the engine can no longer serve the tunnel.
	NotifyFault
)

// String returns the lowercase name of the kind.
func (k NotificationKind) String() string {
	switch k {
	case NotifyInfo:
		return "info"
	case NotifyFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Notification is a structured event emitted by the engine.
type Notification struct {
	Kind    NotificationKind
	Message string
}

// Platform is what the engine may call back into. Implementations must be
// safe for use from any goroutine.
type Platform interface {
	WriteLog(line string)
	EmitNotification(n Notification)
}

// Interface is the virtual network interface handed to the engine.
type Interface interface {
	io.Closer
	Name() string
	// File exposes the descriptor so it can be passed to another process.
	File() *os.File
}

// Engine is a constructed engine instance.
type Engine interface {
	// Start runs the engine until it is ready to forward traffic.
	// Failures after Start returns are reported as NotifyFault.
	Start() error
	// Close stops the engine. It must be idempotent and safe after a failed Start.
	Close() error
}

// Factory constructs an engine for one start request.
type Factory func(mode string, payload []byte, iface Interface, platform Platform) (Engine, error)

// InterfaceFactory creates a fresh interface for one start request.
// A nil Interface with a nil error means the mode needs no interface.
type InterfaceFactory func(mode string) (Interface, error)
