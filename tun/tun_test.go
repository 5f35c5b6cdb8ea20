package tun

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDevice struct {
	closes int
	err    error
}

func (d *fakeDevice) File() *os.File        { return os.Stdin }
func (d *fakeDevice) Name() (string, error) { return "tunneld0", nil }
func (d *fakeDevice) Close() error {
	d.closes++
	return d.err
}

func TestInterface_CloseExactlyOnce(t *testing.T) {
	dev := &fakeDevice{}
	iface := Wrap(dev)

	assert.Equal(t, "tunneld0", iface.Name())
	assert.NotNil(t, iface.File())
	assert.False(t, iface.Released())

	assert.NoError(t, iface.Close())
	assert.NoError(t, iface.Close())
	assert.Equal(t, 1, dev.closes)
	assert.True(t, iface.Released())
	assert.Nil(t, iface.File())
}

func TestInterface_CloseErrorIsSticky(t *testing.T) {
	boom := errors.New("busy")
	iface := Wrap(&fakeDevice{err: boom})

	assert.ErrorIs(t, iface.Close(), boom)
	assert.ErrorIs(t, iface.Close(), boom)
}

func TestFactory_NonTunModeHasNoInterface(t *testing.T) {
	iface, err := NewFactory("tunneld0", 1500)("proxy")
	assert.NoError(t, err)
	assert.Nil(t, iface)
}
