package vpn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yllada/tunneld/common"
)

// HealthState represents the current health of the running tunnel.
type HealthState int

const (
	// HealthUnknown means no check has completed since the tunnel came up.
	HealthUnknown HealthState = iota
	// HealthHealthy means the last check reached a test host.
	HealthHealthy
	// HealthDegraded means checks are failing but the threshold is not reached.
	HealthDegraded
	// HealthUnhealthy means the failure threshold was reached and a fault reported.
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to probe while the tunnel runs.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures trigger a fault.
	FailureThreshold int
	// TestHosts are dialed in order until one answers.
	TestHosts []string
	// DialTimeout bounds each dial.
	DialTimeout time.Duration
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    common.HealthCheckInterval,
		FailureThreshold: 3,
		DialTimeout:      5 * time.Second,
		TestHosts: []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
			"208.67.222.222:53",
		},
	}
}

// HealthTarget is what the checker watches and reports to.
type HealthTarget interface {
	CurrentStatus() State
	ReportFault(reason string)
}

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Health is a snapshot of the checker's view of the tunnel.
type Health struct {
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
}

// HealthChecker probes connectivity while the tunnel is running and reports
// a fault once the failure threshold is reached.
type HealthChecker struct {
	mu       sync.RWMutex
	config   HealthConfig
	target   HealthTarget
	dial     DialFunc
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	health   Health
	reported bool
}

// NewHealthChecker creates a checker for target.
func NewHealthChecker(target HealthTarget, config HealthConfig) *HealthChecker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	var d net.Dialer
	return &HealthChecker{
		config: config,
		target: target,
		dial:   d.DialContext,
	}
}

// SetDialer replaces the dial function used for probes.
func (hc *HealthChecker) SetDialer(dial DialFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.dial = dial
}

// Start begins the health checking loop.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	hc.mu.Unlock()

	common.LogInfo("Health checker started (interval: %v)", hc.config.CheckInterval)

	hc.wg.Add(1)
	go hc.runLoop(hc.stopChan)
}

// Stop stops the health checking loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	hc.mu.Unlock()

	hc.wg.Wait()
	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// Health returns the latest health snapshot.
func (hc *HealthChecker) Health() Health {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.health
}

func (hc *HealthChecker) runLoop(stop <-chan struct{}) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.Check()
		}
	}
}

// Check runs one probe if the tunnel is running. Outside Running the
// tracked health is reset.
func (hc *HealthChecker) Check() {
	if hc.target.CurrentStatus().Phase != PhaseRunning {
		hc.mu.Lock()
		hc.health = Health{}
		hc.reported = false
		hc.mu.Unlock()
		return
	}

	latency, err := hc.testConnectivity()

	hc.mu.Lock()
	hc.health.LastCheck = time.Now()
	oldState := hc.health.State

	if err != nil {
		hc.health.ConsecutiveFails++
		hc.health.Latency = 0
		common.LogWarn("Health check failed (attempt %d/%d): %v",
			hc.health.ConsecutiveFails, hc.config.FailureThreshold, err)

		if hc.health.ConsecutiveFails >= hc.config.FailureThreshold {
			hc.health.State = HealthUnhealthy
		} else {
			hc.health.State = HealthDegraded
		}
	} else {
		hc.health.ConsecutiveFails = 0
		hc.health.LastSuccess = time.Now()
		hc.health.Latency = latency
		hc.health.State = HealthHealthy
		hc.reported = false
	}

	report := hc.health.State == HealthUnhealthy && !hc.reported
	if report {
		hc.reported = true
	}
	fails := hc.health.ConsecutiveFails
	newState := hc.health.State
	hc.mu.Unlock()

	if oldState != newState {
		common.LogInfo("Health state changed: %s -> %s", oldState, newState)
	}
	if report {
		hc.target.ReportFault(fmt.Sprintf("connectivity lost after %d failed checks", fails))
	}
}

// testConnectivity dials each test host until one succeeds.
func (hc *HealthChecker) testConnectivity() (time.Duration, error) {
	hc.mu.RLock()
	dial := hc.dial
	hc.mu.RUnlock()

	var lastErr error
	for _, host := range hc.config.TestHosts {
		ctx, cancel := context.WithTimeout(context.Background(), hc.config.DialTimeout)
		start := time.Now()
		conn, err := dial(ctx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no test hosts configured")
	}
	return 0, lastErr
}
