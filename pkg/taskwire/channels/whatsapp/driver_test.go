package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ErrKindUnknown},
		{"missing browser", errors.New(`exec: "chromium": executable file not found in $PATH`), ErrKindChromiumMissing},
		{"navigation timeout", errors.New("Navigation timeout of 30000 ms exceeded"), ErrKindNavigationTimeout},
		{"deadline", context.DeadlineExceeded, ErrKindNavigationTimeout},
		{"protocol", errors.New("Protocol error (Target.createTarget): Target closed"), ErrKindProtocol},
		{"websocket", errors.New("failed to dial websocket"), ErrKindProtocol},
		{"refused", errors.New("dial tcp: connect: connection refused"), ErrKindConnectionRefused},
		{"qr timeout", errQRTimeout, ErrKindQRTimeout},
		{"wrapped channel error", fmt.Errorf("launch: %w", &ChannelError{Kind: ErrKindInitTimeout, Message: "too slow"}), ErrKindInitTimeout},
		{"other", errors.New("something odd"), ErrKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, msg := classifyError(tt.err)
			if kind != tt.kind {
				t.Errorf("kind = %s, want %s", kind, tt.kind)
			}
			if msg == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestChannelErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ChannelError{Kind: ErrKindProtocol, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("expected ChannelError to unwrap")
	}
	if err.Error() != "protocol-error: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
