package vpn

import (
	"context"
	"fmt"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/engine"
	"go.uber.org/atomic"
)

// EventKind classifies an EngineEvent.
type EventKind int

const (
	// EngineReady means the engine started successfully.
	EngineReady EventKind = iota
	// EngineFailed means construction or start failed; Reason says why.
	EngineFailed
	// EngineStopped means teardown finished. Always posted after a stop job.
	EngineStopped
	// EngineLog carries one engine log line.
	EngineLog
	// EngineFault means a running engine reported it can no longer serve.
	EngineFault
)

// EngineEvent is posted by the Supervisor to the Controller.
type EngineEvent struct {
	Kind   EventKind
	Reason string
	Line   string
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	NewEngine    engine.Factory
	NewInterface engine.InterfaceFactory
	// Foreground, if set, shows an ongoing notice while the engine runs.
	Foreground common.Notifier
}

type jobKind int

const (
	jobStart jobKind = iota
	jobStop
)

type job struct {
	kind jobKind
	mode string
	cfg  TunnelConfig
}

type running struct {
	gen      uint64
	engine   engine.Engine
	iface    engine.Interface
	noticeID uint32
	notice   bool
}

// Supervisor runs engine start and stop work on a dedicated goroutine, one
// job at a time, and posts the outcomes on Events.
type Supervisor struct {
	newEngine  engine.Factory
	newIface   engine.InterfaceFactory
	foreground common.Notifier

	jobs   chan job
	events chan EngineEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// current is the generation of the live engine, 0 when none.
	current atomic.Uint64
	// owned by the worker goroutine
	nextGen uint64
	active  *running
}

// NewSupervisor starts the worker goroutine.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		newEngine:  opts.NewEngine,
		newIface:   opts.NewInterface,
		foreground: opts.Foreground,
		jobs:       make(chan job, 4),
		events:     make(chan EngineEvent, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if s.newIface == nil {
		s.newIface = func(string) (engine.Interface, error) { return nil, nil }
	}
	go s.run()
	return s
}

// Events delivers engine outcomes.
func (s *Supervisor) Events() <-chan EngineEvent {
	return s.events
}

// StartEngine queues an engine start. The result arrives as EngineReady or EngineFailed.
func (s *Supervisor) StartEngine(mode string, cfg TunnelConfig) bool {
	return s.enqueue(job{kind: jobStart, mode: mode, cfg: cfg.clone()})
}

// StopEngine queues a teardown. EngineStopped is posted even when nothing runs.
func (s *Supervisor) StopEngine() bool {
	return s.enqueue(job{kind: jobStop})
}

// Close drops queued jobs, tears down a running engine and waits for the
// worker to exit.
func (s *Supervisor) Close() {
	s.cancel()
	<-s.done
}

func (s *Supervisor) enqueue(j job) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.jobs <- j:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Supervisor) post(ev EngineEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			if s.ctx.Err() != nil {
				return
			}
			switch j.kind {
			case jobStart:
				s.start(j.mode, j.cfg)
			case jobStop:
				s.teardown()
				s.post(EngineEvent{Kind: EngineStopped})
			}
		}
	}
}

func (s *Supervisor) start(mode string, cfg TunnelConfig) {
	if s.active != nil {
		s.post(EngineEvent{Kind: EngineFailed, Reason: "engine already running"})
		return
	}

	s.nextGen++
	gen := s.nextGen
	s.current.Store(gen)

	fail := func(err error) {
		s.current.Store(0)
		common.LogError("Engine: start failed: %v", err)
		s.post(EngineEvent{Kind: EngineFailed, Reason: err.Error()})
	}

	iface, err := s.newIface(mode)
	if err != nil {
		fail(err)
		return
	}

	p := &platform{sup: s, gen: gen}
	eng, err := construct(s.newEngine, mode, cfg.Payload, iface, p)
	if err != nil {
		closeInterface(iface)
		fail(err)
		return
	}

	if err := startEngine(eng); err != nil {
		if cerr := closeEngine(eng); cerr != nil {
			common.LogWarn("Engine: close after failed start: %v", cerr)
		}
		closeInterface(iface)
		fail(err)
		return
	}

	s.active = &running{gen: gen, engine: eng, iface: iface}
	if s.foreground != nil {
		id, err := s.foreground.Notify(common.AppName, fmt.Sprintf("Tunnel active (%s)", mode))
		if err != nil {
			common.LogWarn("Engine: foreground notice not shown: %v", err)
		} else {
			s.active.noticeID, s.active.notice = id, true
		}
	}

	common.LogInfo("Engine: running (mode %s)", mode)
	s.post(EngineEvent{Kind: EngineReady})
}

// teardown closes the active engine and releases its interface. Failures are
// logged and never abort the teardown.
func (s *Supervisor) teardown() {
	r := s.active
	if r == nil {
		return
	}
	s.active = nil
	s.current.Store(0)

	if r.notice {
		if err := s.foreground.Withdraw(r.noticeID); err != nil {
			common.LogDebug("Engine: foreground notice not withdrawn: %v", err)
		}
	}

	if err := closeEngine(r.engine); err != nil {
		common.LogWarn("Engine: close failed: %v", err)
		s.post(EngineEvent{Kind: EngineLog, Line: "engine close failed: " + err.Error()})
	}
	closeInterface(r.iface)
	common.LogInfo("Engine: stopped")
}

func closeInterface(iface engine.Interface) {
	if iface == nil {
		return
	}
	if err := iface.Close(); err != nil {
		common.LogWarn("Engine: interface %s not released cleanly: %v", iface.Name(), err)
	}
}

func construct(f engine.Factory, mode string, payload []byte, iface engine.Interface, p engine.Platform) (eng engine.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng, err = nil, fmt.Errorf("engine construction panicked: %v", r)
		}
	}()
	eng, err = f(mode, payload, iface, p)
	if err == nil && eng == nil {
		err = fmt.Errorf("engine factory returned no engine")
	}
	return eng, err
}

func startEngine(eng engine.Engine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine start panicked: %v", r)
		}
	}()
	return eng.Start()
}

func closeEngine(eng engine.Engine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine close panicked: %v", r)
		}
	}()
	return eng.Close()
}

// platform is the capability handed to one engine generation. Faults from a
// generation that is no longer current are dropped.
type platform struct {
	sup *Supervisor
	gen uint64
}

func (p *platform) WriteLog(line string) {
	p.sup.post(EngineEvent{Kind: EngineLog, Line: line})
}

func (p *platform) EmitNotification(n engine.Notification) {
	switch n.Kind {
	case engine.NotifyFault:
		if p.sup.current.Load() != p.gen {
			common.LogDebug("Engine: dropping fault from stale engine: %s", n.Message)
			return
		}
		p.sup.post(EngineEvent{Kind: EngineFault, Reason: n.Message})
	default:
		p.sup.post(EngineEvent{Kind: EngineLog, Line: "[" + n.Kind.String() + "] " + n.Message})
	}
}
