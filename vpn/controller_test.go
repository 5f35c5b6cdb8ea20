package vpn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yllada/tunneld/engine"
)

func TestController_InitialState(t *testing.T) {
	h := newHarness(t, true)

	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Equal(t, []string{"stopped"}, h.status.labels(), "attach replays current state")
}

func TestController_FirstStartAsksForPermission(t *testing.T) {
	h := newHarness(t, false)

	out := h.startAsync("tun", sampleConfig(`{"outbounds":[]}`))

	h.waitStatus(t, StateRequestingPermission)
	require.Equal(t, 1, h.prompter.count())
	assert.Equal(t, []string{"stopped"}, h.status.labels(), "permission prompt is not broadcast")
	assert.Zero(t, h.lab.count())

	h.prompter.last().answers <- true

	got := receive(t, out)
	require.NoError(t, got.err)
	assert.Equal(t, ResultOK, got.result)
	h.waitLabels(t, "stopped", "starting", "running")
	assert.True(t, h.consent.isGranted())

	e := h.lab.engine(0)
	require.NotNil(t, e)
	assert.Equal(t, "tun", e.mode)
	assert.Equal(t, `{"outbounds":[]}`, string(e.payload))
}

func TestController_PermissionDenied(t *testing.T) {
	h := newHarness(t, false)

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateRequestingPermission)
	h.prompter.last().answers <- false

	got := receive(t, out)
	assert.ErrorIs(t, got.err, ErrPermissionDenied)
	h.waitLabels(t, "stopped", "error:permission_denied", "stopped")
	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Zero(t, h.lab.count())
	assert.False(t, h.consent.isGranted())
}

func TestController_AnswerPermissionFromOtherSurface(t *testing.T) {
	h := newHarness(t, false)

	out := h.startAsync("", sampleConfig("cfg"))
	h.waitStatus(t, StateRequestingPermission)

	assert.ErrorIs(t, h.ctrl.AnswerPermission("not-a-token", true), ErrUnknownPermissionRequest)
	require.NoError(t, h.ctrl.AnswerPermission(h.prompter.last().token, true))

	got := receive(t, out)
	require.NoError(t, got.err)
	assert.Equal(t, "tun", h.lab.engine(0).mode, "empty mode falls back to the default")

	select {
	case <-h.prompter.last().dismissed:
	case <-time.After(waitFor):
		t.Fatal("prompt not dismissed after an answer arrived elsewhere")
	}
}

func TestController_EngineStartFailure(t *testing.T) {
	h := newHarness(t, true)
	h.lab.setPrepare(func(e *fakeEngine) { e.startErr = errBoom })

	got := receive(t, h.startAsync("tun", sampleConfig("cfg")))

	var startErr *EngineStartError
	require.ErrorAs(t, got.err, &startErr)
	assert.Equal(t, "boom", startErr.Reason)
	h.waitLabels(t, "stopped", "starting", "error:boom", "stopped")

	require.Eventually(t, func() bool { return h.lab.iface(0).closeCount() == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.lab.engine(0).closeCount())
}

func TestController_EngineConstructionFailure(t *testing.T) {
	h := newHarness(t, true)
	h.lab.buildErr = errors.New("bad payload")

	got := receive(t, h.startAsync("tun", sampleConfig("cfg")))

	var startErr *EngineStartError
	require.ErrorAs(t, got.err, &startErr)
	h.waitLabels(t, "stopped", "starting", "error:bad payload", "stopped")
	require.Eventually(t, func() bool { return h.lab.iface(0).closeCount() == 1 }, waitFor, tick)
}

func TestController_StartWithoutConfig(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.ctrl.Start(context.Background(), "tun", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = h.ctrl.Start(context.Background(), "tun", &TunnelConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Equal(t, []string{"stopped"}, h.status.labels())
	assert.Zero(t, h.prompter.count())
}

func TestController_StartUsesCachedConfig(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.ctrl.PrepareConfig(*sampleConfig("prepared")))
	got := receive(t, h.startAsync("tun", nil))
	require.NoError(t, got.err)
	require.NoError(t, h.ctrl.Stop(context.Background()))

	got = receive(t, h.startAsync("tun", nil))
	require.NoError(t, got.err)

	assert.Equal(t, "prepared", string(h.lab.engine(0).payload))
	assert.Equal(t, "prepared", string(h.lab.engine(1).payload))
}

func TestController_PrepareConfigRejectsEmpty(t *testing.T) {
	h := newHarness(t, true)

	assert.ErrorIs(t, h.ctrl.PrepareConfig(TunnelConfig{}), ErrInvalidConfig)
	_, ok := h.ctrl.Cache().Get()
	assert.False(t, ok)
}

func TestController_StartWhileRunning(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("first"))).err)
	h.waitLabels(t, "stopped", "starting", "running")

	got := receive(t, h.startAsync("tun", sampleConfig("second")))
	require.NoError(t, got.err)
	assert.Equal(t, ResultAlreadyRunning, got.result)

	cached, ok := h.ctrl.Cache().Get()
	require.True(t, ok)
	assert.Equal(t, "first", string(cached.Payload))
	assert.Equal(t, 1, h.lab.count())
	assert.Equal(t, []string{"stopped", "starting", "running"}, h.status.labels())
}

func TestController_StartWhileStarting(t *testing.T) {
	h := newHarness(t, true)
	gate := make(chan struct{})
	h.lab.setPrepare(func(e *fakeEngine) { e.gate = gate })

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateStarting)

	_, err := h.ctrl.Start(context.Background(), "tun", sampleConfig("other"))
	assert.ErrorIs(t, err, ErrOperationInProgress)

	close(gate)
	require.NoError(t, receive(t, out).err)
}

func TestController_StartWhilePermissionPending(t *testing.T) {
	h := newHarness(t, false)

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateRequestingPermission)

	_, err := h.ctrl.Start(context.Background(), "tun", sampleConfig("cfg"))
	assert.ErrorIs(t, err, ErrOperationInProgress)
	assert.Equal(t, 1, h.prompter.count())

	h.prompter.last().answers <- true
	require.NoError(t, receive(t, out).err)
}

func TestController_NoInteractiveSurface(t *testing.T) {
	lab := &engineLab{}
	ctrl := newTestController(lab, &fakeConsent{}, nil)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), "tun", sampleConfig("cfg"))
	assert.ErrorIs(t, err, ErrNoInteractiveSurface)
	assert.Equal(t, StateStopped, ctrl.CurrentStatus())
	assert.Zero(t, lab.count())
}

func TestController_PrompterUnavailable(t *testing.T) {
	lab := &engineLab{}
	ctrl := newTestController(lab, &fakeConsent{}, &fakePrompter{err: errors.New("no session bus")})
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), "tun", sampleConfig("cfg"))
	assert.ErrorIs(t, err, ErrNoInteractiveSurface)
	assert.Equal(t, StateStopped, ctrl.CurrentStatus())
}

func TestController_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)

	first := h.stopAsync()
	second := h.stopAsync()
	require.NoError(t, receive(t, first))
	require.NoError(t, receive(t, second))
	require.NoError(t, h.ctrl.Stop(context.Background()))

	h.waitLabels(t, "stopped", "starting", "running", "stopping", "stopped")
	assert.Equal(t, 1, h.lab.engine(0).closeCount())
	assert.Equal(t, 1, h.lab.iface(0).closeCount())
}

func TestController_StopWhenStopped(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.Equal(t, []string{"stopped"}, h.status.labels())
}

func TestController_StopDuringPermissionPrompt(t *testing.T) {
	h := newHarness(t, false)

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateRequestingPermission)
	pr := h.prompter.last()

	require.NoError(t, h.ctrl.Stop(context.Background()))

	assert.ErrorIs(t, receive(t, out).err, ErrCancelled)
	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Equal(t, []string{"stopped"}, h.status.labels())
	select {
	case <-pr.dismissed:
	case <-time.After(waitFor):
		t.Fatal("prompt not dismissed")
	}

	assert.ErrorIs(t, h.ctrl.AnswerPermission(pr.token, true), ErrUnknownPermissionRequest)
	assert.Zero(t, h.lab.count())
}

func TestController_StopDuringStartup(t *testing.T) {
	h := newHarness(t, true)
	gate := make(chan struct{})
	h.lab.setPrepare(func(e *fakeEngine) { e.gate = gate })

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateStarting)

	stopped := h.stopAsync()
	close(gate)

	require.NoError(t, receive(t, out).err)
	require.NoError(t, receive(t, stopped))
	h.waitLabels(t, "stopped", "starting", "running", "stopping", "stopped")
	assert.Equal(t, 1, h.lab.engine(0).closeCount())
}

func TestController_EngineFaultWhileRunning(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)
	h.lab.engine(0).platform.EmitNotification(engine.Notification{Kind: engine.NotifyFault, Message: "link down"})

	h.waitLabels(t, "stopped", "starting", "running", "stopping", "error:link down", "stopped")
	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Equal(t, 1, h.lab.iface(0).closeCount())
}

func TestController_EngineFaultBeforeReady(t *testing.T) {
	h := newHarness(t, true)
	h.lab.setPrepare(func(e *fakeEngine) {
		e.onStart = func(e *fakeEngine) {
			e.platform.EmitNotification(engine.Notification{Kind: engine.NotifyFault, Message: "died"})
		}
	})

	got := receive(t, h.startAsync("tun", sampleConfig("cfg")))
	require.NoError(t, got.err)
	assert.Equal(t, ResultOK, got.result)

	h.waitLabels(t, "stopped", "starting", "running", "stopping", "error:died", "stopped")
	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Equal(t, 1, h.lab.engine(0).closeCount())
	assert.Equal(t, 1, h.lab.iface(0).closeCount())
}

func TestController_FaultDuringStartupWithPendingStop(t *testing.T) {
	h := newHarness(t, true)
	gate := make(chan struct{})
	h.lab.setPrepare(func(e *fakeEngine) { e.gate = gate })

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateStarting)
	stopped := h.stopAsync()
	h.ctrl.ReportFault("lost link")
	close(gate)

	require.NoError(t, receive(t, out).err)
	require.NoError(t, receive(t, stopped))
	h.waitLabels(t, "stopped", "starting", "running", "stopping", "error:lost link", "stopped")
}

func TestController_ReportFault(t *testing.T) {
	h := newHarness(t, true)

	h.ctrl.ReportFault("ignored while stopped")
	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)
	h.ctrl.ReportFault("health check failed")

	h.waitLabels(t, "stopped", "starting", "running", "stopping", "error:health check failed", "stopped")
}

func TestController_StaleFaultIgnored(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)
	old := h.lab.engine(0)
	require.NoError(t, h.ctrl.Stop(context.Background()))
	require.NoError(t, receive(t, h.startAsync("tun", nil)).err)

	old.platform.EmitNotification(engine.Notification{Kind: engine.NotifyFault, Message: "late"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateRunning, h.ctrl.CurrentStatus())
	assert.NotContains(t, h.status.labels(), "error:late")
}

func TestController_RevokeStopsRunningTunnel(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)
	h.ctrl.Revoke()

	h.waitLabels(t, "stopped", "starting", "running", "stopping", "stopped")
	assert.False(t, h.consent.isGranted())

	out := h.startAsync("tun", nil)
	h.waitStatus(t, StateRequestingPermission)
	h.prompter.last().answers <- true
	require.NoError(t, receive(t, out).err)
}

func TestController_LogsForwardedWithoutReplay(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)
	p := h.lab.engine(0).platform
	p.WriteLog("dns ready")
	p.EmitNotification(engine.Notification{Kind: engine.NotifyInfo, Message: "route added"})

	require.Eventually(t, func() bool { return len(h.logs.all()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"dns ready", "[info] route added"}, h.logs.all())

	late := &logRecorder{}
	require.NoError(t, h.ctrl.AttachLogObserver(late.observe))
	assert.Empty(t, late.all())
	p.WriteLog("after")
	require.Eventually(t, func() bool { return len(late.all()) == 1 }, waitFor, tick)
	assert.Len(t, h.logs.all(), 2, "replaced observer gets nothing more")
}

func TestController_StatusObserverReplaced(t *testing.T) {
	h := newHarness(t, true)

	second := &statusRecorder{}
	require.NoError(t, h.ctrl.AttachStatusObserver(second.observe))
	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)

	require.Eventually(t, func() bool {
		return equalLabels(second.labels(), []string{"stopped", "starting", "running"})
	}, waitFor, tick)
	assert.Equal(t, []string{"stopped"}, h.status.labels())

	require.NoError(t, h.ctrl.DetachStatusObserver())
	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.Equal(t, []string{"stopped", "starting", "running"}, second.labels())
}

func TestController_StartWaitCancelled(t *testing.T) {
	h := newHarness(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.ctrl.Start(ctx, "tun", sampleConfig("cfg"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.waitStatus(t, StateRequestingPermission)
	h.prompter.last().answers <- true
	h.waitStatus(t, StateRunning)
}

func TestController_CloseWhileRunning(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, receive(t, h.startAsync("tun", sampleConfig("cfg"))).err)
	require.NoError(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.Close())

	assert.Equal(t, StateStopped, h.ctrl.CurrentStatus())
	assert.Equal(t, []string{"stopped", "starting", "running", "stopping", "stopped"}, h.status.labels())
	assert.Equal(t, 1, h.lab.engine(0).closeCount())
	assert.Equal(t, 1, h.lab.iface(0).closeCount())

	_, err := h.ctrl.Start(context.Background(), "tun", sampleConfig("cfg"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.ctrl.Stop(context.Background()))
	assert.ErrorIs(t, h.ctrl.AttachStatusObserver(func(State) {}), ErrClosed)
	assert.ErrorIs(t, h.ctrl.PrepareConfig(*sampleConfig("x")), ErrClosed)
}

func TestController_CloseDuringStartup(t *testing.T) {
	h := newHarness(t, true)
	gate := make(chan struct{})
	h.lab.setPrepare(func(e *fakeEngine) { e.gate = gate })

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateStarting)

	closed := make(chan error, 1)
	go func() { closed <- h.ctrl.Close() }()
	h.waitStatus(t, StateStopping)
	close(gate)

	require.NoError(t, receive(t, closed))
	assert.ErrorIs(t, receive(t, out).err, ErrClosed)
	assert.Equal(t, []string{"stopped", "starting", "stopping", "stopped"}, h.status.labels())
	assert.Equal(t, 1, h.lab.engine(0).closeCount())
	assert.Equal(t, 1, h.lab.iface(0).closeCount())
}

func TestController_CloseDuringPermissionPrompt(t *testing.T) {
	h := newHarness(t, false)

	out := h.startAsync("tun", sampleConfig("cfg"))
	h.waitStatus(t, StateRequestingPermission)
	pr := h.prompter.last()

	require.NoError(t, h.ctrl.Close())

	assert.ErrorIs(t, receive(t, out).err, ErrClosed)
	select {
	case <-pr.dismissed:
	case <-time.After(waitFor):
		t.Fatal("prompt not dismissed")
	}
	assert.ErrorIs(t, h.ctrl.AnswerPermission(pr.token, true), ErrClosed)
}
