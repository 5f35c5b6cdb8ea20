// Package vpn implements the tunnel lifecycle.
//
// A Controller owns the single TunnelState and serializes every transition
// on one loop goroutine. Callers talk to it through methods that post
// requests to the loop; engine work runs on the Supervisor's worker
// goroutine and comes back as EngineEvents, and consent prompts resolved by
// the Broker come back as Decisions.
//
// # States
//
//	stopped -> requesting_permission -> starting -> running -> stopping -> stopped
//
// Failures pass through a transient error:<message> state that is always
// followed by stopped. requesting_permission is visible through
// CurrentStatus but is never published to the status observer, and
// consecutive duplicate publications are suppressed.
//
// # Observers
//
// There is at most one status observer and one log observer. Attaching a
// status observer replays the current state to it immediately; log lines
// are not replayed.
package vpn
