package vpn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStopped, "stopped"},
		{StateRequestingPermission, "requesting_permission"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{ErrorState("boom"), "error:boom"},
		{ErrorState(""), "error:"},
		{State{Phase: Phase(42)}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestParseState(t *testing.T) {
	st, ok := ParseState("running")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st)

	st, ok = ParseState("error:engine: exit status 1")
	require.True(t, ok)
	assert.Equal(t, ErrorState("engine: exit status 1"), st)

	_, ok = ParseState("paused")
	assert.False(t, ok)
	_, ok = ParseState("error")
	assert.False(t, ok)
}

func TestState_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]State{"status": ErrorState("permission_denied")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error:permission_denied"}`, string(data))

	var decoded struct{ Status State }
	require.NoError(t, json.Unmarshal([]byte(`{"Status":"stopping"}`), &decoded))
	assert.Equal(t, StateStopping, decoded.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"Status":"bogus"}`), &decoded))
}

func TestState_Flags(t *testing.T) {
	assert.False(t, StateRequestingPermission.Broadcast())
	assert.True(t, StateStopped.Broadcast())
	assert.True(t, ErrorState("x").Broadcast())

	assert.True(t, StateStarting.Busy())
	assert.True(t, StateStopping.Busy())
	assert.True(t, StateRequestingPermission.Busy())
	assert.False(t, StateRunning.Busy())
	assert.False(t, StateStopped.Busy())
}

func TestConfigCache(t *testing.T) {
	c := NewConfigCache()
	_, ok := c.Get()
	assert.False(t, ok)

	payload := []byte("v1")
	c.Update(TunnelConfig{Payload: payload, SourcePath: "/etc/a.json"})
	payload[0] = 'x'

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, "v1", string(got.Payload), "cache keeps its own copy")
	assert.Equal(t, "/etc/a.json", got.SourcePath)

	got.Payload[0] = 'y'
	again, _ := c.Get()
	assert.Equal(t, "v1", string(again.Payload))

	c.Update(TunnelConfig{Payload: []byte("v2")})
	got, _ = c.Get()
	assert.Equal(t, "v2", string(got.Payload))
	assert.Empty(t, got.SourcePath)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(StateStopped)
	rec := &statusRecorder{}

	b.Publish(StateStarting)
	b.AttachStatusObserver(rec.observe)
	assert.Equal(t, []string{"starting"}, rec.labels())

	b.Publish(StateStarting)
	b.Publish(StateRunning)
	b.Publish(StateRunning)
	assert.Equal(t, []string{"starting", "running"}, rec.labels())

	b.Publish(StateRequestingPermission)
	assert.Equal(t, StateRequestingPermission, b.Current())
	assert.Len(t, rec.labels(), 2)

	b.DetachStatusObserver()
	b.Publish(StateStopped)
	assert.Len(t, rec.labels(), 2)

	b.Log("dropped")
	logs := &logRecorder{}
	b.AttachLogObserver(logs.observe)
	b.Log("kept")
	assert.Equal(t, []string{"kept"}, logs.all())
}

func TestBroadcaster_ErrorThenStopped(t *testing.T) {
	b := NewBroadcaster(StateStopped)
	rec := &statusRecorder{}
	b.AttachStatusObserver(rec.observe)

	b.Publish(ErrorState("a"))
	b.Publish(StateStopped)
	b.Publish(ErrorState("a"))
	b.Publish(StateStopped)

	assert.Equal(t, []string{"stopped", "error:a", "stopped", "error:a", "stopped"}, rec.labels())
}
