package vpn

import (
	"context"
	"errors"
	"sync"

	"github.com/yllada/tunneld/common"
	"go.uber.org/atomic"
)

// Options configures a Controller.
type Options struct {
	Supervisor *Supervisor
	Broker     *Broker
	// Cache defaults to a fresh empty cache.
	Cache *ConfigCache
	// DefaultMode is used when Start is called without a mode.
	DefaultMode string
}

type startReply struct {
	result StartResult
	err    error
}

type pendingStart struct {
	mode  string
	cfg   TunnelConfig
	token string
	reply chan startReply
}

type (
	prepareRequest struct {
		cfg   TunnelConfig
		reply chan struct{}
	}
	startRequest struct {
		mode  string
		cfg   *TunnelConfig
		reply chan startReply
	}
	stopRequest struct {
		reply chan struct{}
	}
	revokeRequest struct{}
	faultRequest  struct {
		reason string
	}
	observerRequest struct {
		status StatusObserver
		logs   LogObserver
		detach bool
		reply  chan struct{}
	}
	closeRequest struct {
		reply chan struct{}
	}
)

// Controller owns the tunnel state. All transitions happen on a single loop
// goroutine; the exported methods are safe for concurrent use.
//
// Observers run on the loop goroutine and must not call back into the
// Controller's blocking methods.
type Controller struct {
	sup         *Supervisor
	broker      *Broker
	cache       *ConfigCache
	defaultMode string

	requests  chan any
	done      chan struct{}
	closeOnce sync.Once
	snapshot  atomic.Value

	// loop-owned
	state          State
	bc             *Broadcaster
	pending        *pendingStart
	stopWaiters    []chan struct{}
	stopAfterStart bool
	faultReason    string
}

// NewController starts the control loop.
func NewController(opts Options) *Controller {
	cache := opts.Cache
	if cache == nil {
		cache = NewConfigCache()
	}
	mode := opts.DefaultMode
	if mode == "" {
		mode = common.DefaultMode
	}

	c := &Controller{
		sup:         opts.Supervisor,
		broker:      opts.Broker,
		cache:       cache,
		defaultMode: mode,
		requests:    make(chan any),
		done:        make(chan struct{}),
		state:       StateStopped,
		bc:          NewBroadcaster(StateStopped),
	}
	c.snapshot.Store(StateStopped)
	go c.run()
	return c
}

// CurrentStatus returns the latest state without waiting on the loop.
func (c *Controller) CurrentStatus() State {
	return c.snapshot.Load().(State)
}

// Cache exposes the config cache.
func (c *Controller) Cache() *ConfigCache {
	return c.cache
}

// PrepareConfig stores cfg for later starts without touching the tunnel.
func (c *Controller) PrepareConfig(cfg TunnelConfig) error {
	if cfg.Empty() {
		return ErrInvalidConfig
	}
	reply := make(chan struct{}, 1)
	if err := c.send(context.Background(), prepareRequest{cfg: cfg.clone(), reply: reply}); err != nil {
		return err
	}
	return c.wait(context.Background(), reply)
}

// Start brings the tunnel up in mode (the default mode if empty). A non-nil
// cfg replaces the cached config; a nil cfg starts from the cache.
//
// Start returns once the attempt resolves: ResultOK after the engine is ready,
// ResultAlreadyRunning if it was running already, or an error. Cancelling ctx
// only stops the waiting; the attempt itself carries on.
func (c *Controller) Start(ctx context.Context, mode string, cfg *TunnelConfig) (StartResult, error) {
	if cfg != nil {
		if cfg.Empty() {
			return "", ErrInvalidConfig
		}
		cp := cfg.clone()
		cfg = &cp
	}

	reply := make(chan startReply, 1)
	if err := c.send(ctx, startRequest{mode: mode, cfg: cfg, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		select {
		case r := <-reply:
			return r.result, r.err
		default:
			return "", ErrClosed
		}
	}
}

// Stop brings the tunnel down and returns once it is stopped. A stop during a
// pending permission prompt withdraws the prompt; a stop during startup takes
// effect once the engine is ready.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	err := c.send(ctx, stopRequest{reply: reply})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.wait(ctx, reply); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Revoke handles the OS withdrawing interface permission: held consent is
// forgotten and a running tunnel is stopped.
func (c *Controller) Revoke() {
	_ = c.send(context.Background(), revokeRequest{})
}

// ReportFault tells the controller the running tunnel is no longer usable.
func (c *Controller) ReportFault(reason string) {
	_ = c.send(context.Background(), faultRequest{reason: reason})
}

// AnswerPermission resolves a pending consent prompt.
func (c *Controller) AnswerPermission(token string, granted bool) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.broker.Decide(token, granted)
}

// AttachStatusObserver replaces the status observer. fn receives the current
// state before AttachStatusObserver returns.
func (c *Controller) AttachStatusObserver(fn StatusObserver) error {
	return c.observe(observerRequest{status: fn})
}

// DetachStatusObserver removes the status observer.
func (c *Controller) DetachStatusObserver() error {
	return c.observe(observerRequest{status: func(State) {}, detach: true})
}

// AttachLogObserver replaces the log observer.
func (c *Controller) AttachLogObserver(fn LogObserver) error {
	return c.observe(observerRequest{logs: fn})
}

// DetachLogObserver removes the log observer.
func (c *Controller) DetachLogObserver() error {
	return c.observe(observerRequest{logs: func(string) {}, detach: true})
}

// Close tears the tunnel down and stops the loop. Later calls are no-ops and
// every other method returns ErrClosed afterwards.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		reply := make(chan struct{}, 1)
		if err := c.send(context.Background(), closeRequest{reply: reply}); err == nil {
			<-reply
		}
		<-c.done
	})
	return nil
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) observe(req observerRequest) error {
	req.reply = make(chan struct{}, 1)
	if err := c.send(context.Background(), req); err != nil {
		return err
	}
	return c.wait(context.Background(), req.reply)
}

func (c *Controller) send(ctx context.Context, req any) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) wait(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case <-reply:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case req := <-c.requests:
			if c.handleRequest(req) {
				return
			}
		case ev := <-c.sup.Events():
			c.handleEngineEvent(ev)
		case d := <-c.broker.Decisions():
			c.handleDecision(d)
		}
	}
}

func (c *Controller) setState(s State) {
	if s != c.state {
		common.LogDebug("Tunnel: %s -> %s", c.state, s)
	}
	c.state = s
	c.snapshot.Store(s)
	c.bc.Publish(s)
}

// handleRequest reports true when the loop must exit.
func (c *Controller) handleRequest(req any) bool {
	switch r := req.(type) {
	case prepareRequest:
		c.cache.Update(r.cfg)
		common.LogInfo("Tunnel: config prepared (%d bytes)", len(r.cfg.Payload))
		r.reply <- struct{}{}
	case startRequest:
		c.handleStart(r)
	case stopRequest:
		c.handleStop(r)
	case revokeRequest:
		c.handleRevoke()
	case faultRequest:
		c.handleFault(r.reason)
	case observerRequest:
		switch {
		case r.status != nil && r.detach:
			c.bc.DetachStatusObserver()
		case r.status != nil:
			c.bc.AttachStatusObserver(r.status)
		case r.logs != nil && r.detach:
			c.bc.DetachLogObserver()
		case r.logs != nil:
			c.bc.AttachLogObserver(r.logs)
		}
		r.reply <- struct{}{}
	case closeRequest:
		c.shutdown()
		r.reply <- struct{}{}
		return true
	}
	return false
}

func (c *Controller) handleStart(r startRequest) {
	switch c.state.Phase {
	case PhaseRunning:
		r.reply <- startReply{result: ResultAlreadyRunning}
		return
	case PhaseRequestingPermission, PhaseStarting, PhaseStopping:
		r.reply <- startReply{err: ErrOperationInProgress}
		return
	}

	cfg := r.cfg
	if cfg == nil {
		cached, ok := c.cache.Get()
		if !ok || cached.Empty() {
			r.reply <- startReply{err: ErrInvalidConfig}
			return
		}
		cfg = &cached
	}

	if r.cfg != nil {
		c.cache.Update(*r.cfg)
	}
	mode := r.mode
	if mode == "" {
		mode = c.defaultMode
	}

	outcome, token, err := c.broker.CheckAndRequest()
	if err != nil {
		common.LogWarn("Tunnel: start refused: %v", err)
		r.reply <- startReply{err: err}
		return
	}

	c.pending = &pendingStart{mode: mode, cfg: *cfg, token: token, reply: r.reply}
	if outcome == OutcomeGranted {
		c.beginStart()
		return
	}
	c.setState(StateRequestingPermission)
}

func (c *Controller) beginStart() {
	common.LogInfo("Tunnel: starting (mode %s)", c.pending.mode)
	c.setState(StateStarting)
	c.sup.StartEngine(c.pending.mode, c.pending.cfg)
}

func (c *Controller) beginStop() {
	common.LogInfo("Tunnel: stopping")
	c.setState(StateStopping)
	c.sup.StopEngine()
}

// settle publishes stopped and releases everyone waiting for it.
func (c *Controller) settle() {
	c.setState(StateStopped)
	for _, w := range c.stopWaiters {
		w <- struct{}{}
	}
	c.stopWaiters = nil
	c.stopAfterStart = false
	c.faultReason = ""
}

func (c *Controller) finishPending(reply startReply) {
	if c.pending == nil {
		return
	}
	c.pending.reply <- reply
	c.pending = nil
}

func (c *Controller) handleDecision(d Decision) {
	if c.state.Phase != PhaseRequestingPermission || c.pending == nil || c.pending.token != d.Token {
		common.LogDebug("Tunnel: ignoring stale permission decision %s", d.Token)
		return
	}
	if d.Granted {
		c.beginStart()
		return
	}
	c.finishPending(startReply{err: ErrPermissionDenied})
	c.setState(ErrorState("permission_denied"))
	c.settle()
}

func (c *Controller) handleStop(r stopRequest) {
	switch c.state.Phase {
	case PhaseStopped, PhaseError:
		r.reply <- struct{}{}
	case PhaseStopping:
		c.stopWaiters = append(c.stopWaiters, r.reply)
	case PhaseRunning:
		c.stopWaiters = append(c.stopWaiters, r.reply)
		c.beginStop()
	case PhaseStarting:
		c.stopWaiters = append(c.stopWaiters, r.reply)
		c.stopAfterStart = true
	case PhaseRequestingPermission:
		c.broker.Cancel(c.pending.token)
		c.finishPending(startReply{err: ErrCancelled})
		c.settle()
		r.reply <- struct{}{}
	}
}

func (c *Controller) handleRevoke() {
	if err := c.broker.Forget(); err != nil {
		common.LogWarn("Tunnel: could not forget consent: %v", err)
	}
	switch c.state.Phase {
	case PhaseRunning:
		common.LogWarn("Tunnel: permission revoked, stopping")
		c.beginStop()
	case PhaseStarting:
		c.stopAfterStart = true
	}
}

func (c *Controller) handleFault(reason string) {
	switch c.state.Phase {
	case PhaseRunning:
		common.LogError("Tunnel: engine fault: %s", reason)
		c.faultReason = reason
		c.beginStop()
	case PhaseStarting:
		// The engine can fault before its ready event reaches the loop.
		common.LogError("Tunnel: engine fault during startup: %s", reason)
		if c.faultReason == "" {
			c.faultReason = reason
		}
		c.stopAfterStart = true
	default:
		common.LogDebug("Tunnel: ignoring fault while %s: %s", c.state, reason)
	}
}

func (c *Controller) handleEngineEvent(ev EngineEvent) {
	switch ev.Kind {
	case EngineLog:
		c.bc.Log(ev.Line)
	case EngineFault:
		c.handleFault(ev.Reason)
	case EngineReady:
		if c.state.Phase != PhaseStarting {
			common.LogWarn("Tunnel: unexpected engine ready while %s", c.state)
			return
		}
		c.setState(StateRunning)
		c.finishPending(startReply{result: ResultOK})
		if c.stopAfterStart {
			c.stopAfterStart = false
			c.beginStop()
		}
	case EngineFailed:
		if c.state.Phase != PhaseStarting {
			return
		}
		c.finishPending(startReply{err: &EngineStartError{Reason: ev.Reason}})
		c.setState(ErrorState(ev.Reason))
		c.settle()
	case EngineStopped:
		if c.state.Phase != PhaseStopping {
			return
		}
		if c.faultReason != "" {
			c.setState(ErrorState(c.faultReason))
		}
		c.settle()
	}
}

func (c *Controller) shutdown() {
	common.LogInfo("Tunnel: shutting down from %s", c.state)
	if c.pending != nil {
		c.broker.Cancel(c.pending.token)
		c.finishPending(startReply{err: ErrClosed})
	}
	if c.state.Phase == PhaseRunning || c.state.Phase == PhaseStarting {
		c.setState(StateStopping)
	}
	c.sup.Close()
	c.broker.Close()
	c.settle()
	c.bc.DetachStatusObserver()
	c.bc.DetachLogObserver()
}
