// Package common provides shared constants, types, and utilities
// used across the tunnel daemon.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.yllada.tunneld"
	// AppName is the display name of the application.
	AppName = "Tunnel Daemon"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "tunneld"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "tunneld.log"
	SocketFileName      = "tunneld.sock"
)

// Default timeouts and intervals.
const (
	// EngineStartTimeout is the maximum time to wait for the engine to report ready.
	EngineStartTimeout = 30 * time.Second
	// EngineStopTimeout is how long a closing engine gets before it is killed.
	EngineStopTimeout = 5 * time.Second
	// HealthCheckInterval is how often a running tunnel is probed.
	HealthCheckInterval = 30 * time.Second
	// ControlTimeout is the timeout for one-shot control commands.
	ControlTimeout = 5 * time.Second
)

// Tunnel defaults.
const (
	// DefaultMode is the work mode used when a start request names none.
	DefaultMode = "tun"
	// DefaultInterfaceName is the virtual interface name requested from the OS.
	DefaultInterfaceName = "tunneld0"
	// DefaultMTU is the MTU of the created interface.
	DefaultMTU = 1500
)

// Tunnel work modes.
const (
	ModeTun   = "tun"
	ModeProxy = "proxy"
)
