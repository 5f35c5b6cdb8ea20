// Package consent holds and asks for the user's consent to create the
// virtual network interface.
package consent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/keyring"
	"github.com/yllada/tunneld/notify"
	"github.com/yllada/tunneld/vpn"
	"golang.org/x/term"
)

// KeyName is the keyring entry that records consent.
const KeyName = "interface-consent"

const grantedValue = "granted"

// KeyringStore persists consent in the keyring.
type KeyringStore struct {
	store *keyring.Store
}

var _ vpn.ConsentStore = (*KeyringStore)(nil)

// NewKeyringStore wraps store.
func NewKeyringStore(store *keyring.Store) *KeyringStore {
	return &KeyringStore{store: store}
}

// Granted reports whether consent was recorded.
func (k *KeyringStore) Granted() (bool, error) {
	v, err := k.store.Get(KeyName)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == grantedValue, nil
}

// Grant records consent.
func (k *KeyringStore) Grant() error {
	return k.store.Set(KeyName, grantedValue)
}

// Forget removes recorded consent.
func (k *KeyringStore) Forget() error {
	return k.store.Delete(KeyName)
}

// Always treats consent as permanently held, for hosts where the daemon
// already runs with the privileges to create interfaces.
type Always struct{}

func (Always) Granted() (bool, error) { return true, nil }
func (Always) Grant() error           { return nil }
func (Always) Forget() error          { return nil }

// Asker is the part of the notification client the prompter needs.
type Asker interface {
	Ask(n notify.Notification, actions []notify.Action) (uint32, <-chan string, error)
	Withdraw(id uint32) error
}

const (
	actionAllow = "allow"
	actionDeny  = "deny"
)

// NotificationPrompter asks through an actionable desktop notification.
// Dismissing the notification counts as a refusal.
type NotificationPrompter struct {
	asker Asker
}

var _ vpn.Prompter = (*NotificationPrompter)(nil)

// NewNotificationPrompter returns a prompter over asker.
func NewNotificationPrompter(asker Asker) *NotificationPrompter {
	return &NotificationPrompter{asker: asker}
}

// Prompt shows the consent notification.
func (p *NotificationPrompter) Prompt(ctx context.Context, token string) (<-chan bool, error) {
	id, answers, err := p.asker.Ask(notify.Notification{
		Title:    "Allow network tunnel?",
		Message:  common.AppName + " needs to create a virtual network interface to route your traffic.",
		Type:     notify.NotificationWarning,
		Icon:     "network-vpn",
		Resident: true,
	}, []notify.Action{
		{Key: actionAllow, Label: "Allow"},
		{Key: actionDeny, Label: "Deny"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNoInteractiveSurface, err)
	}

	common.LogDebug("Consent prompt %s shown as notification %d", token, id)

	out := make(chan bool, 1)
	go func() {
		select {
		case key := <-answers:
			out <- key == actionAllow
		case <-ctx.Done():
			if err := p.asker.Withdraw(id); err != nil {
				common.LogDebug("Consent prompt %s not withdrawn: %v", token, err)
			}
		}
	}()
	return out, nil
}

// TerminalPrompter asks on an interactive terminal.
type TerminalPrompter struct {
	in  io.Reader
	out io.Writer
	fd  int

	// lines is fed by a single reader goroutine shared by every prompt.
	readOnce sync.Once
	lines    chan string
}

var _ vpn.Prompter = (*TerminalPrompter)(nil)

// NewTerminalPrompter prompts on stdin and stdout.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: os.Stdin, out: os.Stdout, fd: int(os.Stdin.Fd())}
}

// Prompt asks a yes/no question. It fails with ErrNoInteractiveSurface when
// stdin is not a terminal.
func (p *TerminalPrompter) Prompt(ctx context.Context, token string) (<-chan bool, error) {
	if !term.IsTerminal(p.fd) {
		return nil, common.ErrNoInteractiveSurface
	}
	return p.ask(ctx, token), nil
}

func (p *TerminalPrompter) ask(ctx context.Context, token string) <-chan bool {
	fmt.Fprintf(p.out, "%s needs to create a virtual network interface. Allow? [y/N] (request %s) ",
		common.AppName, token)

	lines := p.readLines()

	out := make(chan bool, 1)
	go func() {
		select {
		case line, ok := <-lines:
			answer := strings.ToLower(strings.TrimSpace(line))
			out <- ok && (answer == "y" || answer == "yes")
		case <-ctx.Done():
			fmt.Fprintln(p.out)
		}
	}()
	return out
}

// readLines starts the stdin reader on first use. A withdrawn prompt leaves
// the next line for whichever prompt asks after it.
func (p *TerminalPrompter) readLines() <-chan string {
	p.readOnce.Do(func() {
		p.lines = make(chan string)
		go func() {
			defer close(p.lines)
			r := bufio.NewReader(p.in)
			for {
				line, err := r.ReadString('\n')
				if line != "" {
					p.lines <- line
				}
				if err != nil {
					return
				}
			}
		}()
	})
	return p.lines
}
