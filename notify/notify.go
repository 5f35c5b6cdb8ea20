// Package notify sends desktop notifications over the session bus.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/yllada/tunneld/common"
)

const (
	busName       = "org.freedesktop.Notifications"
	busPath       = dbus.ObjectPath("/org/freedesktop/Notifications")
	busInterface  = "org.freedesktop.Notifications"
	methodNotify  = busInterface + ".Notify"
	methodClose   = busInterface + ".CloseNotification"
	signalAction  = busInterface + ".ActionInvoked"
	signalClosed  = busInterface + ".NotificationClosed"
	expireDefault = int32(-1)
	expireNever   = int32(0)
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a system notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
	// Resident notifications stay until withdrawn.
	Resident bool
}

// Action is a button offered on an actionable notification.
type Action struct {
	Key   string
	Label string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency follows the freedesktop levels: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Client talks to the notification server. Close releases the bus connection.
type Client struct {
	obj     caller
	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending map[uint32]chan string
}

var _ common.Notifier = (*Client)(nil)

// Connect opens a private session bus connection.
func Connect() (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus unavailable: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(busPath),
		dbus.WithMatchInterface(busInterface),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to notification signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	c := newClient(conn.Object(busName, busPath), signals)
	c.conn = conn
	return c, nil
}

func newClient(obj caller, signals chan *dbus.Signal) *Client {
	c := &Client{
		obj:     obj,
		signals: signals,
		done:    make(chan struct{}),
		pending: make(map[uint32]chan string),
	}
	go c.dispatch()
	return c
}

// Notify shows an informational notification.
func (c *Client) Notify(title, message string) (uint32, error) {
	return c.Send(Notification{Title: title, Message: message, Type: NotificationInfo, Resident: true})
}

// Send displays n and returns its server id.
func (c *Client) Send(n Notification) (uint32, error) {
	return c.send(n, nil)
}

// Ask displays n with action buttons. The returned channel yields the key of
// the invoked action, or is closed without a value if the notification is
// dismissed or withdrawn.
func (c *Client) Ask(n Notification, actions []Action) (uint32, <-chan string, error) {
	flat := make([]string, 0, 2*len(actions))
	for _, a := range actions {
		flat = append(flat, a.Key, a.Label)
	}

	// dispatch must not see a signal for id before it is registered.
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.send(n, flat)
	if err != nil {
		return 0, nil, err
	}
	answers := make(chan string, 1)
	c.pending[id] = answers
	return id, answers, nil
}

func (c *Client) send(n Notification, actions []string) (uint32, error) {
	if actions == nil {
		actions = []string{}
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(n.urgency()),
	}
	expire := expireDefault
	if n.Resident {
		hints["resident"] = dbus.MakeVariant(true)
		expire = expireNever
	}

	call := c.obj.Call(methodNotify, 0,
		common.AppName, uint32(0), n.icon(), n.Title, n.Message, actions, hints, expire)

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notification failed: %w", err)
	}
	common.LogDebug("Notification %d shown: %s", id, n.Title)
	return id, nil
}

// Withdraw closes a notification.
func (c *Client) Withdraw(id uint32) error {
	if err := c.obj.Call(methodClose, 0, id).Err; err != nil {
		return fmt.Errorf("failed to close notification %d: %w", id, err)
	}
	c.mu.Lock()
	if ch, ok := c.pending[id]; ok {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return nil
}

// Close stops signal dispatch and closes the bus connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.RemoveSignal(c.signals)
			err = c.conn.Close()
		}
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
	return err
}

func (c *Client) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.handleSignal(sig)
		}
	}
}

func (c *Client) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) == 0 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return
	}

	switch sig.Name {
	case signalAction:
		if len(sig.Body) < 2 {
			return
		}
		if key, ok := sig.Body[1].(string); ok {
			ch <- key
			close(ch)
			delete(c.pending, id)
		}
	case signalClosed:
		close(ch)
		delete(c.pending, id)
	}
}

// NotifyStopped shows a notification when the tunnel goes down.
func NotifyStopped(c *Client) {
	show(c, Notification{
		Title:   "Tunnel Stopped",
		Message: "The tunnel is no longer active",
		Type:    NotificationInfo,
		Icon:    "network-vpn-disconnected",
	})
}

// NotifyError shows a notification for tunnel failures.
func NotifyError(c *Client, msg string) {
	show(c, Notification{
		Title:   "Tunnel Error",
		Message: msg,
		Type:    NotificationError,
		Icon:    "network-vpn-error",
	})
}

func show(c *Client, n Notification) {
	if c == nil {
		common.LogDebug("Notification skipped, no session bus: %s", n.Title)
		return
	}
	if _, err := c.Send(n); err != nil {
		common.LogWarn("Error showing notification: %v", err)
	}
}
