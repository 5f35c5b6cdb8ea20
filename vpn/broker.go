package vpn

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/yllada/tunneld/common"
)

// ConsentStore answers whether interface-creation consent is already held.
type ConsentStore interface {
	Granted() (bool, error)
	// Grant records a positive user decision.
	Grant() error
	// Forget drops a recorded consent, e.g. after the OS revoked it.
	Forget() error
}

// Prompter presents a consent prompt. The returned channel yields the user's
// decision once; cancelling ctx withdraws the prompt. Prompters that cannot
// reach the user return ErrNoInteractiveSurface.
type Prompter interface {
	Prompt(ctx context.Context, token string) (<-chan bool, error)
}

// Outcome is the synchronous result of CheckAndRequest.
type Outcome int

const (
	// OutcomeGranted means consent is held; proceed immediately.
	OutcomeGranted Outcome = iota
	// OutcomePending means a prompt is up and a Decision will follow.
	OutcomePending
)

// Decision is the user's answer to the prompt identified by Token.
type Decision struct {
	Token   string
	Granted bool
}

// Broker obtains consent to create the virtual interface. At most one
// request may be outstanding.
type Broker struct {
	consent   ConsentStore
	prompter  Prompter
	decisions chan Decision
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
}

// NewBroker creates a broker. A nil prompter means there is no interactive
// surface and only already-held consent lets a start through.
func NewBroker(consent ConsentStore, prompter Prompter) *Broker {
	return &Broker{
		consent:   consent,
		prompter:  prompter,
		decisions: make(chan Decision, 1),
		done:      make(chan struct{}),
	}
}

// Decisions delivers resolved prompts.
func (b *Broker) Decisions() <-chan Decision {
	return b.decisions
}

// Pending returns the outstanding request token, if any.
func (b *Broker) Pending() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token, b.token != ""
}

// CheckAndRequest reports OutcomeGranted when consent is already held.
// Otherwise it raises a prompt and returns OutcomePending with the token that
// the eventual Decision will carry.
func (b *Broker) CheckAndRequest() (Outcome, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" {
		return 0, "", ErrPermissionRequestInFlight
	}

	granted, err := b.consent.Granted()
	if err != nil {
		common.LogWarn("Permission: consent lookup failed, asking again: %v", err)
	}
	if granted {
		return OutcomeGranted, "", nil
	}

	if b.prompter == nil {
		return 0, "", ErrNoInteractiveSurface
	}

	token := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	answers, err := b.prompter.Prompt(ctx, token)
	if err != nil {
		cancel()
		if errors.Is(err, ErrNoInteractiveSurface) {
			return 0, "", err
		}
		return 0, "", errors.Join(ErrNoInteractiveSurface, err)
	}

	b.token = token
	b.cancel = cancel
	go b.await(ctx, token, answers)

	common.LogInfo("Permission: consent required, prompt %s raised", token)
	return OutcomePending, token, nil
}

func (b *Broker) await(ctx context.Context, token string, answers <-chan bool) {
	select {
	case granted, ok := <-answers:
		if ok {
			b.Decide(token, granted)
		}
	case <-ctx.Done():
	}
}

// Decide resolves the outstanding request. It may be called by a prompter or
// by any other surface that collected the user's answer.
func (b *Broker) Decide(token string, granted bool) error {
	b.mu.Lock()
	if token == "" || token != b.token {
		b.mu.Unlock()
		return ErrUnknownPermissionRequest
	}
	cancel := b.cancel
	b.token, b.cancel = "", nil
	b.mu.Unlock()

	cancel()

	if granted {
		common.LogInfo("Permission: granted by user")
		if err := b.consent.Grant(); err != nil {
			common.LogWarn("Permission: could not record consent: %v", err)
		}
	} else {
		common.LogWarn("Permission: denied by user")
	}

	select {
	case b.decisions <- Decision{Token: token, Granted: granted}:
	case <-b.done:
	}
	return nil
}

// Cancel withdraws the request identified by token without a decision.
func (b *Broker) Cancel(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if token == "" || token != b.token {
		return
	}
	b.cancel()
	b.token, b.cancel = "", nil
	common.LogInfo("Permission: prompt %s withdrawn", token)
}

// Forget drops held consent.
func (b *Broker) Forget() error {
	return b.consent.Forget()
}

// Close withdraws any prompt and stops delivering decisions.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		b.token, b.cancel = "", nil
		b.mu.Unlock()
		close(b.done)
	})
}
