package engine

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/tunneld/common"
)

// Environment passed to the engine process.
const (
	EnvMode    = "TUNNELD_MODE"
	EnvTunFD   = "TUNNELD_TUN_FD"
	EnvTunName = "TUNNELD_TUN_NAME"
)

// ProcessConfig describes how to run an external engine binary.
type ProcessConfig struct {
	Command string
	Args    []string
	// ReadyMarker is matched against each output line; empty means ready once spawned.
	ReadyMarker  string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// NewProcessFactory returns a Factory that runs cfg.Command for every start.
// The payload is written to the process stdin and the interface, if any, is
// inherited as file descriptor 3.
func NewProcessFactory(cfg ProcessConfig) Factory {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = common.EngineStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = common.EngineStopTimeout
	}
	return func(mode string, payload []byte, iface Interface, platform Platform) (Engine, error) {
		if cfg.Command == "" {
			return nil, errors.New("engine command not configured")
		}
		return &Process{
			cfg:      cfg,
			mode:     mode,
			payload:  payload,
			iface:    iface,
			platform: platform,
			done:     make(chan struct{}),
		}, nil
	}
}

// Process is an engine running as a child process.
type Process struct {
	cfg      ProcessConfig
	mode     string
	payload  []byte
	iface    Interface
	platform Platform

	mu      sync.Mutex
	cmd     *exec.Cmd
	ready   bool
	closing bool
	waitErr error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Start spawns the engine and waits for its ready marker.
func (p *Process) Start() error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), EnvMode+"="+p.mode)
	cmd.Stdin = bytes.NewReader(p.payload)

	if p.iface != nil {
		if f := p.iface.File(); f != nil {
			cmd.ExtraFiles = []*os.File{f}
			cmd.Env = append(cmd.Env, EnvTunFD+"=3", EnvTunName+"="+p.iface.Name())
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	common.LogDebug("Engine: Command: %s %v", p.cfg.Command, p.cfg.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	common.LogInfo("Engine: process started with PID %d", cmd.Process.Pid)

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	readyCh := make(chan struct{})
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(readyCh) }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go p.monitorOutput(stdout, markReady, &wg)
	go p.monitorOutput(stderr, markReady, &wg)
	go func() {
		// Wait must not run before the pipes are drained.
		wg.Wait()
		p.exited(cmd.Wait())
	}()

	if p.cfg.ReadyMarker == "" {
		markReady()
	}

	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-readyCh:
	case <-p.done:
		select {
		case <-readyCh:
		default:
			return fmt.Errorf("engine exited before ready: %s", p.exitReason())
		}
	case <-timer.C:
		p.Close()
		return fmt.Errorf("engine not ready after %s", p.cfg.StartTimeout)
	}

	p.mu.Lock()
	p.ready = true
	exitedEarly := p.isDone()
	p.mu.Unlock()
	if exitedEarly {
		return fmt.Errorf("engine exited before ready: %s", p.exitReason())
	}
	return nil
}

func (p *Process) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// monitorOutput forwards every output line to the platform log and watches for the ready marker.
func (p *Process) monitorOutput(pipe io.Reader, markReady func(), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.platform.WriteLog(line)
		if p.cfg.ReadyMarker != "" && strings.Contains(line, p.cfg.ReadyMarker) {
			markReady()
		}
	}
}

func (p *Process) exited(err error) {
	p.mu.Lock()
	p.waitErr = err
	unexpected := p.ready && !p.closing
	p.mu.Unlock()
	close(p.done)

	if unexpected {
		p.platform.EmitNotification(Notification{
			Kind:    NotifyFault,
			Message: "engine exited: " + p.exitReason(),
		})
	}
}

func (p *Process) exitReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr == nil {
		return "exit status 0"
	}
	return p.waitErr.Error()
}

// Close terminates the process, killing it if it outlives StopTimeout.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		cmd := p.cmd
		p.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			common.LogWarn("Engine: SIGTERM failed: %v", err)
		}

		select {
		case <-p.done:
		case <-time.After(p.cfg.StopTimeout):
			common.LogWarn("Engine: still running after %s, killing", p.cfg.StopTimeout)
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.closeErr = fmt.Errorf("failed to kill engine: %w", err)
				return
			}
			<-p.done
		}
	})
	return p.closeErr
}
