// Package common provides shared constants, types, and utilities
// used across the tunnel daemon.
package common

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify shows a notification and returns an id usable with Withdraw.
	Notify(title, message string) (uint32, error)
	// Withdraw removes a notification previously returned by Notify.
	Withdraw(id uint32) error
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
