// Package whatsapp – gateway.go is the outbound side: every notification
// goes through Gateway.Send, which never fails its caller.
package whatsapp

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
)

// Outcome is the result of one notification.
type Outcome string

const (
	OutcomeSent               Outcome = "sent"
	OutcomeFallbackSuppressed Outcome = "fallback-suppressed"
	OutcomeNotReady           Outcome = "not-ready"
	OutcomeFailed             Outcome = "failed"
)

// Delivered reports whether the caller may treat the notification as
// handled. Suppression in fallback mode counts as handled.
func (o Outcome) Delivered() bool {
	return o == OutcomeSent || o == OutcomeFallbackSuppressed
}

// connSource is what the gateway needs from the service.
type connSource interface {
	activeConn() (Phase, Conn)
}

// Gateway sends notifications through the active channel instance.
type Gateway struct {
	src         connSource
	countryCode string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewGateway creates a gateway over svc.
func NewGateway(svc *Service, countryCode string, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	return newGateway(svc, countryCode, m, logger)
}

func newGateway(src connSource, countryCode string, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if countryCode == "" {
		countryCode = "91"
	}
	return &Gateway{
		src:         src,
		countryCode: countryCode,
		metrics:     m,
		logger:      logger.With("component", "whatsapp-gateway"),
	}
}

// Send delivers body to phone with a single attempt.
func (g *Gateway) Send(ctx context.Context, phone, body string) Outcome {
	outcome := g.send(ctx, phone, body)
	g.metrics.RecordOutbound(string(outcome))
	return outcome
}

func (g *Gateway) send(ctx context.Context, phone, body string) Outcome {
	phase, conn := g.src.activeConn()
	switch {
	case phase == PhaseFallback:
		g.logger.Info("fallback mode, notification suppressed", "phone", maskPhone(phone))
		return OutcomeFallbackSuppressed
	case phase != PhaseReady || conn == nil:
		g.logger.Warn("WhatsApp not ready, notification not sent",
			"phone", maskPhone(phone), "phase", phase)
		return OutcomeNotReady
	}

	to, ok := NormalizePhone(phone, g.countryCode)
	if !ok {
		g.logger.Warn("invalid phone number, notification not sent", "phone", maskPhone(phone))
		return OutcomeFailed
	}

	if err := g.sendOnce(ctx, conn, to, body); err != nil {
		g.logger.Error("notification send failed", "phone", maskPhone(to.Phone), "error", err)
		return OutcomeFailed
	}
	g.logger.Info("notification sent", "phone", maskPhone(to.Phone))
	return OutcomeSent
}

// sendOnce calls Conn.Send and turns a panic into an error.
func (g *Gateway) sendOnce(ctx context.Context, conn Conn, to Recipient, body string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ChannelError{Kind: ErrKindUnknown, Message: "send panicked"}
			g.logger.Error("send panic", "error", r)
		}
	}()
	return conn.Send(ctx, to, body)
}

// NormalizePhone strips everything but digits, prefixes countryCode to
// ten-digit numbers and builds the channel identifier.
func NormalizePhone(raw, countryCode string) (Recipient, bool) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return Recipient{}, false
	}
	if len(digits) == 10 {
		digits = countryCode + digits
	}
	return Recipient{Phone: digits, JID: digits + "@s.whatsapp.net"}, true
}

// maskPhone keeps the last four digits for logs.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
