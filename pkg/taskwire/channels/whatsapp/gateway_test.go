package whatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
)

type staticSource struct {
	phase Phase
	conn  Conn
}

func (s staticSource) activeConn() (Phase, Conn) { return s.phase, s.conn }

func TestGatewaySend(t *testing.T) {
	ctx := context.Background()

	t.Run("fallback suppresses without sending", func(t *testing.T) {
		conn := &fakeConn{connected: true}
		gw := newGateway(staticSource{PhaseFallback, conn}, "91", metrics.New(), testLogger())

		out := gw.Send(ctx, "9876543210", "hi")
		if out != OutcomeFallbackSuppressed || !out.Delivered() {
			t.Errorf("expected delivered suppression, got %s", out)
		}
		if len(conn.sentMessages()) != 0 {
			t.Error("nothing should be sent in fallback mode")
		}
	})

	t.Run("not ready", func(t *testing.T) {
		for _, phase := range []Phase{PhaseUninitialized, PhaseInitializing, PhaseAwaitingScan, PhaseDisconnected} {
			gw := newGateway(staticSource{phase, &fakeConn{}}, "91", nil, testLogger())
			if out := gw.Send(ctx, "9876543210", "hi"); out != OutcomeNotReady || out.Delivered() {
				t.Errorf("%s: expected not-ready, got %s", phase, out)
			}
		}
	})

	t.Run("ready without instance", func(t *testing.T) {
		gw := newGateway(staticSource{PhaseReady, nil}, "91", nil, testLogger())
		if out := gw.Send(ctx, "9876543210", "hi"); out != OutcomeNotReady {
			t.Errorf("expected not-ready, got %s", out)
		}
	})

	t.Run("sent with normalized recipient", func(t *testing.T) {
		conn := &fakeConn{connected: true}
		gw := newGateway(staticSource{PhaseReady, conn}, "91", metrics.New(), testLogger())

		if out := gw.Send(ctx, "+91 98765-43210", "task done"); out != OutcomeSent {
			t.Fatalf("expected sent, got %s", out)
		}
		sent := conn.sentMessages()
		if len(sent) != 1 {
			t.Fatalf("expected one send, got %d", len(sent))
		}
		if sent[0].to.Phone != "919876543210" || sent[0].body != "task done" {
			t.Errorf("unexpected send %+v", sent[0])
		}
	})

	t.Run("send error", func(t *testing.T) {
		conn := &fakeConn{connected: true, sendErr: errors.New("socket closed")}
		gw := newGateway(staticSource{PhaseReady, conn}, "91", nil, testLogger())
		if out := gw.Send(ctx, "9876543210", "hi"); out != OutcomeFailed {
			t.Errorf("expected failed, got %s", out)
		}
	})

	t.Run("send panic", func(t *testing.T) {
		conn := &fakeConn{connected: true, panicSend: true}
		gw := newGateway(staticSource{PhaseReady, conn}, "91", nil, testLogger())
		if out := gw.Send(ctx, "9876543210", "hi"); out != OutcomeFailed {
			t.Errorf("expected failed, got %s", out)
		}
	})

	t.Run("invalid phone", func(t *testing.T) {
		conn := &fakeConn{connected: true}
		gw := newGateway(staticSource{PhaseReady, conn}, "91", nil, testLogger())
		if out := gw.Send(ctx, "n/a", "hi"); out != OutcomeFailed {
			t.Errorf("expected failed, got %s", out)
		}
	})
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw   string
		phone string
		ok    bool
	}{
		{"9876543210", "919876543210", true},
		{"98765 43210", "919876543210", true},
		{"(987) 654-3210", "919876543210", true},
		{"+91 98765 43210", "919876543210", true},
		{"14155550100", "14155550100", true},
		{"12345", "12345", true},
		{"", "", false},
		{"phone", "", false},
		{"٩٨٧٦٥٤٣٢١٠", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizePhone(tt.raw, "91")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Phone != tt.phone || got.JID != tt.phone+"@s.whatsapp.net" {
				t.Errorf("got %+v, want phone %s", got, tt.phone)
			}
		})
	}
}

func TestMaskPhone(t *testing.T) {
	if got := maskPhone("919876543210"); got != "********3210" {
		t.Errorf("unexpected mask %q", got)
	}
	if got := maskPhone("123"); got != "123" {
		t.Errorf("short numbers are left alone, got %q", got)
	}
}
