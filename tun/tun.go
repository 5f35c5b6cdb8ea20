// Package tun creates the virtual network interface handed to the engine.
package tun

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/engine"
	"go.uber.org/atomic"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// Device is the subset of a wireguard tun device the daemon relies on.
type Device interface {
	File() *os.File
	Name() (string, error)
	Close() error
}

// Interface owns one virtual interface and releases it exactly once.
type Interface struct {
	dev      Device
	name     string
	released atomic.Bool
	once     sync.Once
	closeErr error
}

var _ engine.Interface = (*Interface)(nil)

// Create asks the OS for a new TUN interface.
func Create(name string, mtu int) (*Interface, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device %s: %w", name, err)
	}
	iface := Wrap(dev)
	common.LogInfo("TUN device created: %s (MTU %d)", iface.Name(), mtu)
	return iface, nil
}

// Wrap adopts an existing device.
func Wrap(dev Device) *Interface {
	name, err := dev.Name()
	if err != nil || name == "" {
		name = "tun"
	}
	return &Interface{dev: dev, name: name}
}

// NewFactory returns an engine.InterfaceFactory that creates a fresh
// interface for tun mode and none for the other modes.
func NewFactory(name string, mtu int) engine.InterfaceFactory {
	return func(mode string) (engine.Interface, error) {
		if mode != common.ModeTun {
			return nil, nil
		}
		iface, err := Create(name, mtu)
		if err != nil {
			return nil, err
		}
		return iface, nil
	}
}

// Name returns the OS name of the interface.
func (i *Interface) Name() string {
	return i.name
}

// File returns the interface descriptor, or nil once released.
func (i *Interface) File() *os.File {
	if i.released.Load() {
		return nil
	}
	return i.dev.File()
}

// Released reports whether Close has run.
func (i *Interface) Released() bool {
	return i.released.Load()
}

// Close releases the interface. Later calls return the first result.
func (i *Interface) Close() error {
	i.once.Do(func() {
		i.released.Store(true)
		if err := i.dev.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			i.closeErr = err
		}
		common.LogDebug("TUN device %s released", i.name)
	})
	return i.closeErr
}
