package whatsapp

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels"
	"github.com/jholhewres/taskwire/pkg/taskwire/events"
	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
)

func fastConfig(t *testing.T) Config {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.AuthDir = filepath.Join(dir, "auth")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.InitTimeout = 2 * time.Second
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.RestartDelay = 20 * time.Millisecond
	cfg.PrintQR = false
	cfg.HealthMonitor.Enabled = false
	return cfg
}

type harness struct {
	svc    *Service
	driver *fakeDriver
	hub    *events.Hub
	gw     *Gateway
}

func startService(t *testing.T, cfg Config) *harness {
	t.Helper()
	driver := newFakeDriver()
	hub := events.NewHub(128, testLogger())
	m := metrics.New()
	svc, err := New(Options{
		Config:    cfg,
		Driver:    driver,
		Publisher: hub,
		Metrics:   m,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	return &harness{
		svc:    svc,
		driver: driver,
		hub:    hub,
		gw:     NewGateway(svc, cfg.DefaultCountryCode, m, testLogger()),
	}
}

func (h *harness) waitPhase(t *testing.T, phase Phase) {
	t.Helper()
	waitFor(t, "phase "+string(phase), func() bool {
		return h.svc.GetStatus().Phase == phase
	})
}

// readyConn drives a fresh service to the ready phase.
func (h *harness) readyConn(t *testing.T) *fakeConn {
	t.Helper()
	h.svc.Initialize()
	conn := h.driver.next(t)
	conn.sink.QR(conn.gen, "2@pairing")
	h.waitPhase(t, PhaseAwaitingScan)
	conn.sink.Ready(conn.gen, conn.Info())
	h.waitPhase(t, PhaseReady)
	waitFor(t, "attached instance", func() bool {
		return h.svc.GetDetailedStatus().ClientExists
	})
	return conn
}

func TestNewRequiresDriver(t *testing.T) {
	if _, err := New(Options{Config: DefaultConfig()}); err == nil {
		t.Error("expected error without a driver")
	}
}

func TestServiceHappyPath(t *testing.T) {
	h := startService(t, fastConfig(t))
	sub := h.hub.Subscribe()
	defer sub.Close()

	if st := h.svc.GetStatus(); st.Phase != PhaseUninitialized || st.IsReady {
		t.Fatalf("unexpected initial status %+v", st)
	}

	h.svc.Initialize()
	conn := h.driver.next(t)
	h.waitPhase(t, PhaseInitializing)
	if !h.svc.GetStatus().IsInitializing {
		t.Error("expected initializing flag")
	}

	conn.sink.QR(conn.gen, "2@pairing")
	h.waitPhase(t, PhaseAwaitingScan)
	st := h.svc.GetStatus()
	if !st.HasQR || st.QR != "2@pairing" || st.IsInitializing {
		t.Errorf("unexpected status while awaiting scan %+v", st)
	}

	conn.sink.Ready(conn.gen, map[string]any{"jid": "me"})
	h.waitPhase(t, PhaseReady)

	d := h.svc.GetDetailedStatus()
	if d.Driver != "fake" || d.Attempt != 1 || !d.SessionPresent {
		t.Errorf("unexpected detailed status %+v", d)
	}

	var names []string
	timeout := time.After(2 * time.Second)
	for len(names) < 6 {
		select {
		case ev := <-sub.C():
			names = append(names, ev.Name)
		case <-timeout:
			t.Fatalf("timed out, got events %v", names)
		}
	}
	want := []string{
		events.Initializing, events.StateChange,
		events.QR, events.StateChange,
		events.Ready, events.StateChange,
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, names)
		}
	}
}

func TestServiceSendAndReceive(t *testing.T) {
	h := startService(t, fastConfig(t))
	conn := h.readyConn(t)

	if out := h.gw.Send(context.Background(), "98765 43210", "hello"); out != OutcomeSent {
		t.Fatalf("expected sent, got %s", out)
	}
	sent := conn.sentMessages()
	if len(sent) != 1 || sent[0].to.JID != "919876543210@s.whatsapp.net" || sent[0].body != "hello" {
		t.Errorf("unexpected sends %+v", sent)
	}

	msg := &channels.IncomingMessage{ID: "m1", From: "919876543210@s.whatsapp.net", Type: channels.MessageText, Content: "done"}
	conn.sink.Message(conn.gen, msg)
	select {
	case got := <-h.svc.Receive():
		if got.ID != "m1" {
			t.Errorf("unexpected message %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestServiceReconnectsAfterDisconnect(t *testing.T) {
	h := startService(t, fastConfig(t))
	first := h.readyConn(t)

	first.sink.Disconnected(first.gen, "connection_lost")
	second := h.driver.next(t)

	if second.gen <= first.gen {
		t.Errorf("expected a newer generation, got %d after %d", second.gen, first.gen)
	}
	waitFor(t, "old instance destroyed", first.isDestroyed)
	h.waitPhase(t, PhaseInitializing)
	if a := h.svc.GetStatus().Attempt; a != 2 {
		t.Errorf("expected attempt 2, got %d", a)
	}

	// The torn down instance can no longer move the state.
	first.sink.Ready(first.gen, nil)
	second.sink.Ready(second.gen, nil)
	h.waitPhase(t, PhaseReady)
}

func TestServiceLaunchFailuresEndInFallback(t *testing.T) {
	h := startService(t, fastConfig(t))
	h.driver.launchErr = errLaunch

	h.svc.Initialize()
	h.waitPhase(t, PhaseFallback)

	if n := h.driver.launches(); n != 3 {
		t.Errorf("expected 3 launches, got %d", n)
	}
	st := h.svc.GetDetailedStatus()
	if !st.FallbackMode || st.LastError == "" {
		t.Errorf("unexpected status %+v", st)
	}
	if out := h.gw.Send(context.Background(), "9876543210", "x"); out != OutcomeFallbackSuppressed {
		t.Errorf("expected fallback-suppressed, got %s", out)
	}
}

func TestServiceRecoversLaunchPanic(t *testing.T) {
	cfg := fastConfig(t)
	cfg.MaxAttempts = 1
	h := startService(t, cfg)
	h.driver.panics = true

	sub := h.hub.Subscribe()
	defer sub.Close()

	h.svc.Initialize()
	h.waitPhase(t, PhaseFallback)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Name != events.Error {
				continue
			}
			n := ev.Data.(ErrorNotice)
			if !strings.Contains(n.OriginalError, "panic") || !n.Final {
				t.Errorf("unexpected error notice %+v", n)
			}
			return
		case <-timeout:
			t.Fatal("expected an error event")
		}
	}
}

func TestServiceInitTimeout(t *testing.T) {
	cfg := fastConfig(t)
	cfg.InitTimeout = 50 * time.Millisecond
	h := startService(t, cfg)

	h.svc.Initialize()
	conn := h.driver.next(t)
	h.waitPhase(t, PhaseFallback)
	waitFor(t, "instance destroyed", conn.isDestroyed)

	// Nothing the timed out instance reports matters any more.
	conn.sink.Ready(conn.gen, nil)
	time.Sleep(30 * time.Millisecond)
	if p := h.svc.GetStatus().Phase; p != PhaseFallback {
		t.Errorf("expected to stay in fallback, got %s", p)
	}
}

func TestServiceForceRestart(t *testing.T) {
	h := startService(t, fastConfig(t))
	first := h.readyConn(t)

	h.svc.ForceRestart()
	second := h.driver.next(t)
	waitFor(t, "old instance destroyed", first.isDestroyed)

	waitFor(t, "attempt counter reset", func() bool {
		st := h.svc.GetStatus()
		return st.Phase == PhaseInitializing && st.Attempt == 1 && st.IsInitializing
	})
	second.sink.QR(second.gen, "fresh")
	h.waitPhase(t, PhaseAwaitingScan)
}

func TestServiceReset(t *testing.T) {
	h := startService(t, fastConfig(t))
	conn := h.readyConn(t)

	h.svc.ResetService()
	h.waitPhase(t, PhaseUninitialized)
	waitFor(t, "instance destroyed", conn.isDestroyed)

	if st := h.svc.GetStatus(); st.Attempt != 0 || st.HasQR {
		t.Errorf("unexpected status after reset %+v", st)
	}
	if out := h.gw.Send(context.Background(), "9876543210", "x"); out != OutcomeNotReady {
		t.Errorf("expected not-ready, got %s", out)
	}

	h.svc.Initialize()
	h.driver.next(t)
	h.waitPhase(t, PhaseInitializing)
}

func TestServiceDisableThroughConfig(t *testing.T) {
	cfg := fastConfig(t)
	h := startService(t, cfg)
	conn := h.readyConn(t)

	disabled := cfg
	disabled.Disabled = true
	disabled.DisabledReason = "disabled for maintenance"
	h.svc.UpdateConfig(disabled)

	h.waitPhase(t, PhaseFallback)
	waitFor(t, "instance destroyed", conn.isDestroyed)
	if !h.svc.GetStatus().Disabled {
		t.Error("expected disabled latch")
	}

	h.svc.Initialize()
	time.Sleep(30 * time.Millisecond)
	if n := h.driver.launches(); n != 1 {
		t.Errorf("expected no launch while disabled, got %d launches", n)
	}

	h.svc.UpdateConfig(cfg)
	waitFor(t, "latch cleared", func() bool { return !h.svc.GetStatus().Disabled })
	h.svc.ForceRestart()
	h.driver.next(t)
}

func TestServiceHealthCheckReportsSilentDisconnect(t *testing.T) {
	h := startService(t, fastConfig(t))
	conn := h.readyConn(t)

	conn.setConnected(false)
	h.svc.performHealthCheck(DefaultHealthMonitorConfig())

	next := h.driver.next(t)
	if next.gen <= conn.gen {
		t.Error("expected a reconnect launch")
	}
	waitFor(t, "health check reason", func() bool {
		return h.svc.GetDetailedStatus().LastReason == "health_check_failed"
	})
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestServicePrintsQR(t *testing.T) {
	cfg := fastConfig(t)
	cfg.PrintQR = true
	out := &lockedBuffer{}

	svc, err := New(Options{Config: cfg, Driver: newFakeDriver(), Logger: testLogger(), QROutput: out})
	if err != nil {
		t.Fatal(err)
	}
	svc.emit(events.QR, "2@pairing-code")
	if out.Len() == 0 {
		t.Error("expected a terminal QR rendering")
	}
}

func TestServiceStopClosesReceive(t *testing.T) {
	driver := newFakeDriver()
	svc, err := New(Options{Config: fastConfig(t), Driver: driver, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail")
	}
	svc.Initialize()
	conn := driver.next(t)
	waitFor(t, "attached instance", func() bool {
		return svc.GetDetailedStatus().ClientExists
	})

	svc.Stop()
	if _, ok := <-svc.Receive(); ok {
		t.Error("expected closed inbound queue")
	}
	waitFor(t, "instance destroyed", conn.isDestroyed)
	svc.Initialize()
}
