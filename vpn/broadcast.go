package vpn

// StatusObserver receives status transitions.
type StatusObserver func(State)

// LogObserver receives engine log lines.
type LogObserver func(line string)

// Broadcaster delivers status transitions and log lines to at most one
// observer of each kind. A newly attached observer replaces the previous one.
//
// Broadcaster is not synchronized; the Controller only touches it from its
// loop goroutine, which is also where observers are invoked.
type Broadcaster struct {
	status StatusObserver
	logs   LogObserver

	current     State
	lastEmitted State
}

// NewBroadcaster returns a broadcaster whose current state is initial.
func NewBroadcaster(initial State) *Broadcaster {
	return &Broadcaster{
		current:     initial,
		lastEmitted: initial,
	}
}

// Current returns the last published state.
func (b *Broadcaster) Current() State {
	return b.current
}

// AttachStatusObserver registers fn and immediately delivers the current state to it.
func (b *Broadcaster) AttachStatusObserver(fn StatusObserver) {
	b.status = fn
	if fn != nil {
		fn(b.current)
	}
}

// DetachStatusObserver removes the status observer.
func (b *Broadcaster) DetachStatusObserver() {
	b.status = nil
}

// AttachLogObserver registers fn. Lines emitted before attachment are not replayed.
func (b *Broadcaster) AttachLogObserver(fn LogObserver) {
	b.logs = fn
}

// DetachLogObserver removes the log observer.
func (b *Broadcaster) DetachLogObserver() {
	b.logs = nil
}

// Publish records s as current and emits it unless it is silent or repeats
// the last emitted value.
func (b *Broadcaster) Publish(s State) {
	b.current = s
	if !s.Broadcast() || s == b.lastEmitted {
		return
	}
	b.lastEmitted = s
	if b.status != nil {
		b.status(s)
	}
}

// Log emits one log line.
func (b *Broadcaster) Log(line string) {
	if b.logs != nil {
		b.logs(line)
	}
}
