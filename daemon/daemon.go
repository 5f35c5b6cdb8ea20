// Package daemon wires the tunnel controller to its OS adapters and serves it
// on the control socket.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/config"
	"github.com/yllada/tunneld/consent"
	"github.com/yllada/tunneld/control"
	"github.com/yllada/tunneld/engine"
	"github.com/yllada/tunneld/keyring"
	"github.com/yllada/tunneld/notify"
	"github.com/yllada/tunneld/tun"
	"github.com/yllada/tunneld/vpn"
)

const logRotationInterval = time.Minute

// Options overrides pieces of the default wiring.
type Options struct {
	NewEngine    engine.Factory
	NewInterface engine.InterfaceFactory
	Consent      vpn.ConsentStore
	// Prompter replaces the configured prompt backend. Set NoPrompter to
	// run without one.
	Prompter   vpn.Prompter
	NoPrompter bool
	// NoDesktop skips the session bus entirely.
	NoDesktop bool
}

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg      *config.Config
	ctrl     *vpn.Controller
	server   *control.Server
	health   *vpn.HealthChecker
	notifier *notify.Client

	closeOnce sync.Once
	closeErr  error
	prev      vpn.State
}

// New builds the daemon from cfg.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{cfg: cfg, prev: vpn.StateStopped}

	wantBus := cfg.Notifications.Enabled || cfg.Permission.Prompt == config.PromptNotification
	if wantBus && !opts.NoDesktop {
		n, err := notify.Connect()
		if err != nil {
			common.LogWarn("Desktop notifications unavailable: %v", err)
		} else {
			d.notifier = n
		}
	}

	store := opts.Consent
	if store == nil {
		s, err := newConsentStore(cfg)
		if err != nil {
			d.closeNotifier()
			return nil, err
		}
		store = s
	}

	prompter := opts.Prompter
	if prompter == nil && !opts.NoPrompter {
		prompter = d.newPrompter(cfg)
	}

	newEngine := opts.NewEngine
	if newEngine == nil {
		newEngine = engine.NewProcessFactory(engine.ProcessConfig{
			Command:      cfg.Engine.Command,
			Args:         cfg.Engine.Args,
			ReadyMarker:  cfg.Engine.ReadyMarker,
			StartTimeout: cfg.Engine.StartTimeout,
			StopTimeout:  cfg.Engine.StopTimeout,
		})
	}
	newIface := opts.NewInterface
	if newIface == nil {
		newIface = tun.NewFactory(cfg.Tunnel.Interface, cfg.Tunnel.MTU)
	}

	var foreground common.Notifier
	if d.notifier != nil && cfg.Notifications.Enabled {
		foreground = d.notifier
	}

	d.ctrl = vpn.NewController(vpn.Options{
		Supervisor: vpn.NewSupervisor(vpn.SupervisorOptions{
			NewEngine:    newEngine,
			NewInterface: newIface,
			Foreground:   foreground,
		}),
		Broker:      vpn.NewBroker(store, prompter),
		DefaultMode: cfg.Tunnel.Mode,
	})

	if cfg.Health.Enabled {
		hc := vpn.DefaultHealthConfig()
		hc.CheckInterval = cfg.Health.Interval
		hc.FailureThreshold = cfg.Health.FailureThreshold
		if len(cfg.Health.TestHosts) > 0 {
			hc.TestHosts = cfg.Health.TestHosts
		}
		d.health = vpn.NewHealthChecker(d.ctrl, hc)
	}

	d.server = control.NewServer(d.ctrl)
	d.server.OnStatus = d.onStatus

	return d, nil
}

func newConsentStore(cfg *config.Config) (vpn.ConsentStore, error) {
	if cfg.Permission.Consent == config.ConsentAlways {
		return consent.Always{}, nil
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate config dir: %w", err)
	}
	return consent.NewKeyringStore(keyring.New(common.AppID, filepath.Join(dir, common.CredentialsFileName))), nil
}

func (d *Daemon) newPrompter(cfg *config.Config) vpn.Prompter {
	switch cfg.Permission.Prompt {
	case config.PromptNotification:
		if d.notifier != nil {
			return consent.NewNotificationPrompter(d.notifier)
		}
		common.LogWarn("Notification prompt configured but no session bus; consent cannot be asked")
	case config.PromptTerminal:
		return consent.NewTerminalPrompter()
	}
	return nil
}

// Controller exposes the tunnel controller.
func (d *Daemon) Controller() *vpn.Controller {
	return d.ctrl
}

// onStatus runs on the controller's goroutine.
func (d *Daemon) onStatus(st vpn.State) {
	prev := d.prev
	d.prev = st
	if st == prev || d.notifier == nil || !d.cfg.Notifications.Enabled {
		return
	}
	switch {
	case st.Phase == vpn.PhaseError:
		go notify.NotifyError(d.notifier, st.Message)
	case st.Phase == vpn.PhaseStopped && prev.Phase == vpn.PhaseStopping:
		go notify.NotifyStopped(d.notifier)
	}
}

// Run serves the control socket until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	path := d.cfg.SocketPath()
	ln, err := control.Listen(path)
	if err != nil {
		return err
	}

	if d.health != nil {
		d.health.Start()
		defer d.health.Stop()
	}

	if d.cfg.Log.File != "" {
		go rotateLogs(ctx)
	}

	common.LogInfo("Daemon ready (socket %s, default mode %s)", path, d.cfg.Tunnel.Mode)
	return d.server.Serve(ctx, ln)
}

func rotateLogs(ctx context.Context) {
	ticker := time.NewTicker(logRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			common.GetLogger().CheckRotation()
		}
	}
}

// Close tears the tunnel down and releases every adapter.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		if d.health != nil {
			d.health.Stop()
		}
		d.closeErr = d.ctrl.Close()
		d.closeNotifier()
		common.LogInfo("Daemon stopped")
	})
	return d.closeErr
}

func (d *Daemon) closeNotifier() {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Close(); err != nil {
		common.LogDebug("Session bus close: %v", err)
	}
}
