package vpn

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yllada/tunneld/engine"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeEngine struct {
	mode     string
	payload  []byte
	platform engine.Platform

	startErr error
	closeErr error
	gate     chan struct{}
	// onStart runs after a successful Start, before it returns.
	onStart func(e *fakeEngine)

	mu      sync.Mutex
	started bool
	closed  int
}

func (e *fakeEngine) Start() error {
	if e.gate != nil {
		<-e.gate
	}
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	if e.onStart != nil {
		e.onStart(e)
	}
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return e.closeErr
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeIface struct {
	mu     sync.Mutex
	closed int
}

func (i *fakeIface) Name() string   { return "tun-test" }
func (i *fakeIface) File() *os.File { return nil }

func (i *fakeIface) Close() error {
	i.mu.Lock()
	i.closed++
	i.mu.Unlock()
	return nil
}

func (i *fakeIface) closeCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// engineLab hands out fake engines and interfaces and remembers them.
type engineLab struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	ifaces   []*fakeIface
	prepare  func(e *fakeEngine)
	buildErr error
}

func (l *engineLab) factory(mode string, payload []byte, iface engine.Interface, p engine.Platform) (engine.Engine, error) {
	if l.buildErr != nil {
		return nil, l.buildErr
	}
	e := &fakeEngine{mode: mode, payload: append([]byte(nil), payload...), platform: p}
	l.mu.Lock()
	prepare := l.prepare
	l.engines = append(l.engines, e)
	l.mu.Unlock()
	if prepare != nil {
		prepare(e)
	}
	return e, nil
}

func (l *engineLab) interfaces(mode string) (engine.Interface, error) {
	i := &fakeIface{}
	l.mu.Lock()
	l.ifaces = append(l.ifaces, i)
	l.mu.Unlock()
	return i, nil
}

func (l *engineLab) setPrepare(fn func(e *fakeEngine)) {
	l.mu.Lock()
	l.prepare = fn
	l.mu.Unlock()
}

func (l *engineLab) engine(n int) *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= len(l.engines) {
		return nil
	}
	return l.engines[n]
}

func (l *engineLab) iface(n int) *fakeIface {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= len(l.ifaces) {
		return nil
	}
	return l.ifaces[n]
}

func (l *engineLab) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

type fakeConsent struct {
	mu      sync.Mutex
	granted bool
	err     error
	grants  int
	forgets int
}

func (c *fakeConsent) Granted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted, c.err
}

func (c *fakeConsent) Grant() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted = true
	c.grants++
	return nil
}

func (c *fakeConsent) Forget() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted = false
	c.forgets++
	return nil
}

func (c *fakeConsent) isGranted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted
}

type prompt struct {
	token     string
	answers   chan bool
	dismissed chan struct{}
}

type fakePrompter struct {
	mu      sync.Mutex
	prompts []*prompt
	err     error
}

func (p *fakePrompter) Prompt(ctx context.Context, token string) (<-chan bool, error) {
	if p.err != nil {
		return nil, p.err
	}
	pr := &prompt{token: token, answers: make(chan bool, 1), dismissed: make(chan struct{})}
	p.mu.Lock()
	p.prompts = append(p.prompts, pr)
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(pr.dismissed)
	}()
	return pr.answers, nil
}

func (p *fakePrompter) last() *prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return nil
	}
	return p.prompts[len(p.prompts)-1]
}

func (p *fakePrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type statusRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *statusRecorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.String())
}

func (r *statusRecorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) observe(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *logRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type harness struct {
	ctrl     *Controller
	lab      *engineLab
	consent  *fakeConsent
	prompter *fakePrompter
	status   *statusRecorder
	logs     *logRecorder
}

func newHarness(t *testing.T, consentGranted bool) *harness {
	t.Helper()
	h := &harness{
		lab:      &engineLab{},
		consent:  &fakeConsent{granted: consentGranted},
		prompter: &fakePrompter{},
		status:   &statusRecorder{},
		logs:     &logRecorder{},
	}
	h.ctrl = newTestController(h.lab, h.consent, h.prompter)
	t.Cleanup(func() { h.ctrl.Close() })
	require.NoError(t, h.ctrl.AttachStatusObserver(h.status.observe))
	require.NoError(t, h.ctrl.AttachLogObserver(h.logs.observe))
	return h
}

func newTestController(lab *engineLab, consent ConsentStore, prompter Prompter) *Controller {
	sup := NewSupervisor(SupervisorOptions{
		NewEngine:    lab.factory,
		NewInterface: lab.interfaces,
	})
	return NewController(Options{
		Supervisor: sup,
		Broker:     NewBroker(consent, prompter),
	})
}

type startOutcome struct {
	result StartResult
	err    error
}

// startAsync runs Start on its own goroutine since it blocks until resolved.
func (h *harness) startAsync(mode string, cfg *TunnelConfig) <-chan startOutcome {
	out := make(chan startOutcome, 1)
	go func() {
		res, err := h.ctrl.Start(context.Background(), mode, cfg)
		out <- startOutcome{res, err}
	}()
	return out
}

func (h *harness) stopAsync() <-chan error {
	out := make(chan error, 1)
	go func() {
		out <- h.ctrl.Stop(context.Background())
	}()
	return out
}

func (h *harness) waitStatus(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.CurrentStatus() == want }, waitFor, tick,
		"status never became %s (is %s)", want, h.ctrl.CurrentStatus())
}

func (h *harness) waitLabels(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return equalLabels(h.status.labels(), want) }, waitFor, tick,
		"status stream %v, want %v", h.status.labels(), want)
}

func equalLabels(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
		var zero T
		return zero
	}
}

func sampleConfig(payload string) *TunnelConfig {
	return &TunnelConfig{Payload: []byte(payload), SourcePath: "/tmp/tunnel.json"}
}

var errBoom = errors.New("boom")
