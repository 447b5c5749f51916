// Package whatsapp – driver.go defines the boundary between the
// connectivity service and the automation channel that actually talks to
// WhatsApp. A Driver launches one channel instance per generation; the
// instance reports back through a Sink, tagging every event with that
// generation so the service can ignore instances it has already torn down.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels"
)

// Driver launches channel instances.
type Driver interface {
	// Name identifies the backend ("whatsmeow", "browser").
	Name() string

	// Launch starts a channel instance. It may block until the underlying
	// client is running but must not wait for pairing or readiness; those
	// arrive later through sink.
	Launch(ctx context.Context, opts LaunchOptions, sink Sink) (Conn, error)
}

// Conn is one running channel instance.
type Conn interface {
	// Send delivers a text message. Exactly one attempt is made.
	Send(ctx context.Context, to Recipient, body string) error

	// IsConnected reports whether the instance believes it is online.
	IsConnected() bool

	// Destroy tears the instance down. It is safe to call more than once.
	Destroy(ctx context.Context) error

	// Info returns backend specific diagnostics.
	Info() map[string]any
}

// LaunchOptions are handed to Driver.Launch.
type LaunchOptions struct {
	Generation uint64
	Session    *SessionStore
	Browser    BrowserConfig
}

// Recipient is a normalized destination.
type Recipient struct {
	// Phone is the digits-only number including country code.
	Phone string
	// JID is the channel identifier ("<digits>@s.whatsapp.net").
	JID string
}

// Sink receives channel events. Implementations must not block for long.
type Sink interface {
	QR(gen uint64, code string)
	Ready(gen uint64, info map[string]any)
	Disconnected(gen uint64, reason string)
	Failed(gen uint64, err error)
	Message(gen uint64, msg *channels.IncomingMessage)
}

// ChannelError carries a classified channel failure.
type ChannelError struct {
	Kind    string
	Message string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind + ": " + e.Message
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Error kinds reported in the "error" viewer event.
const (
	ErrKindChromiumMissing   = "chromium-missing"
	ErrKindNavigationTimeout = "navigation-timeout"
	ErrKindProtocol          = "protocol-error"
	ErrKindConnectionRefused = "connection-refused"
	ErrKindQRTimeout         = "qr-timeout"
	ErrKindInitTimeout       = "init-timeout"
	ErrKindUnknown           = "unknown"
)

var errQRTimeout = &ChannelError{Kind: ErrKindQRTimeout, Message: "QR code was not scanned in time"}

// classifyError maps a launch or pairing error to a kind and an operator
// facing message.
func classifyError(err error) (kind, message string) {
	if err == nil {
		return ErrKindUnknown, "Failed to initialize WhatsApp"
	}
	var ce *ChannelError
	if errors.As(err, &ce) && ce.Kind != "" {
		if ce.Message != "" {
			return ce.Kind, ce.Message
		}
		return ce.Kind, ce.Error()
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "executable file not found"),
		strings.Contains(text, "browser not found"),
		strings.Contains(text, "chromium revision is not downloaded"):
		return ErrKindChromiumMissing, "Chromium browser not found. Install it or set PUPPETEER_EXECUTABLE_PATH."
	case strings.Contains(text, "navigation timeout"),
		strings.Contains(text, "context deadline exceeded"):
		return ErrKindNavigationTimeout, "WhatsApp Web took too long to load. Please try again."
	case strings.Contains(text, "protocol error"),
		strings.Contains(text, "websocket"):
		return ErrKindProtocol, "Protocol error talking to WhatsApp. Try clearing session data."
	case strings.Contains(text, "connection refused"),
		strings.Contains(text, "econnrefused"):
		return ErrKindConnectionRefused, "Cannot connect to WhatsApp servers. Check internet connection."
	}
	return ErrKindUnknown, "Failed to initialize WhatsApp"
}

// launchTimeout bounds how long a single Launch call may take before the
// instance is considered failed.
const launchTimeout = 90 * time.Second
